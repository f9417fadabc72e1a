package trie

import (
	"bytes"
	"testing"

	machotrie "github.com/blacktop/go-macho/pkg/trie"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteSingleExport(t *testing.T) {
	data, err := Write([]Export{{Name: "_start", Offset: 0x1000}})
	require.NoError(t, err)

	// Root: no terminal payload, one edge labelled "_start".
	assert.Equal(t, byte(0), data[0])
	assert.Equal(t, byte(1), data[1])
	assert.Equal(t, "_start", string(data[2:8]))
	assert.Equal(t, byte(0), data[8])

	// Child node: terminal with flags 0 and ULEB128 offset 0x1000.
	childOff := int(data[9])
	node := data[childOff:]
	assert.Equal(t, byte(3), node[0], "terminal payload size")
	assert.Equal(t, byte(0), node[1], "flags")
	assert.Equal(t, []byte{0x80, 0x20}, node[2:4], "uleb offset")
	assert.Equal(t, byte(0), node[4], "leaf has no edges")
}

func TestRoundTrip(t *testing.T) {
	const base = uint64(0x100000000)
	exports := []Export{
		{Name: "_start", Offset: 0x1000},
		{Name: "_stop", Offset: 0x1010},
		{Name: "_main", Offset: 0x2000},
	}
	data, err := Write(exports)
	require.NoError(t, err)

	parsed, err := machotrie.ParseTrieExports(bytes.NewReader(data), base)
	require.NoError(t, err)
	require.Len(t, parsed, len(exports))

	got := make(map[string]uint64)
	for _, p := range parsed {
		got[p.Name] = p.Address
	}
	for _, exp := range exports {
		assert.Equal(t, base+exp.Offset, got[exp.Name], exp.Name)
	}
}

func TestDuplicateExportRejected(t *testing.T) {
	_, err := Write([]Export{
		{Name: "_x", Offset: 1},
		{Name: "_x", Offset: 2},
	})
	assert.Error(t, err)
}
