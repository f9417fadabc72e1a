package ld

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/blacktop/go-macho/types"
	"github.com/blacktop/macho-ld/internal/codesign"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeUnsignedFixture builds a minimal externally-linked style executable
// with no LC_CODE_SIGNATURE: __TEXT (+__text), __LINKEDIT and a symtab.
func writeUnsignedFixture(t *testing.T, path string, textOffset uint32) *os.File {
	t.Helper()
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o755)
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })

	opts := &Options{Arch: ArchX8664, OutputMode: OutputModeExe, EmitPath: path}
	opts.setDefaults()
	img := newImage(f, opts)
	img.header = &types.FileHeader{
		Magic:  types.Magic64,
		CPU:    types.CPUAmd64,
		SubCPU: types.CPUSubtypeX8664All,
		Type:   types.MH_EXECUTE,
		Flags:  types.NoUndefs | types.DyldLink | types.PIE,
	}

	text := newSegmentCommand("__TEXT", pagezeroVMSize, 0x2000,
		vmProtRead|vmProtWrite|vmProtExecute, vmProtRead|vmProtExecute)
	text.Filesz = 0x2000
	text.Sections = append(text.Sections, types.Section64{
		Name:   makeStaticString("__text"),
		Seg:    makeStaticString("__TEXT"),
		Addr:   pagezeroVMSize + uint64(textOffset),
		Size:   0x10,
		Offset: textOffset,
		Flags:  sRegular | sAttrPureInstructions | sAttrSomeInstructions,
	})
	img.textSegmentCmdIndex = 0
	img.textSectionIndex = 0
	img.loadCommands = append(img.loadCommands, text)

	linkedit := newSegmentCommand("__LINKEDIT", pagezeroVMSize+0x2000, 0x1000,
		vmProtRead|vmProtWrite|vmProtExecute, vmProtRead)
	linkedit.Offset = 0x2000
	linkedit.Filesz = 0x20
	img.linkeditSegmentCmdIndex = 1
	img.loadCommands = append(img.loadCommands, linkedit)

	img.symtabCmdIndex = 2
	img.loadCommands = append(img.loadCommands, &SymtabCommand{})

	// Back the file through the end of __LINKEDIT.
	_, err = f.WriteAt([]byte{0xc3}, int64(textOffset))
	require.NoError(t, err)
	_, err = f.WriteAt([]byte{0}, int64(linkedit.Offset+linkedit.Filesz)-1)
	require.NoError(t, err)

	require.NoError(t, img.writeLoadCommands())
	require.NoError(t, img.writeHeader())
	return f
}

func TestSignatureInsertion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "linked.out")
	f := writeUnsignedFixture(t, path, 0x1000)

	img, err := ParseFromFile(f)
	require.NoError(t, err)
	require.Equal(t, -1, img.codeSignatureCmdIndex)
	require.Equal(t, 0, img.textSegmentCmdIndex)
	require.Equal(t, 1, img.linkeditSegmentCmdIndex)
	require.Equal(t, 2, img.symtabCmdIndex)

	require.NoError(t, img.EnsureCodeSignature())

	// Re-parse and find the signature command.
	reparsed, err := ParseFromFile(f)
	require.NoError(t, err)
	require.NotEqual(t, -1, reparsed.codeSignatureCmdIndex)

	csOff, csSize, ok := reparsed.CodeSignature()
	require.True(t, ok)
	assert.Zero(t, csOff%16)

	// The signature's page hashes must match the file contents.
	id := filepath.Base(path)
	wantHashes, err := codesign.Hashes(io.NewSectionReader(f, 0, int64(csOff)), uint64(csOff))
	require.NoError(t, err)

	blob := make([]byte, csSize)
	_, err = f.ReadAt(blob, int64(csOff))
	require.NoError(t, err)

	hashBase := 12 + 8 + 88 + len(id) + 1
	for i, want := range wantHashes {
		got := blob[hashBase+i*codesign.HashSize : hashBase+(i+1)*codesign.HashSize]
		assert.Equal(t, want[:], got, "page %d hash", i)
	}

	// __LINKEDIT covers the signature now.
	linkedit := reparsed.linkeditSegment()
	assert.Equal(t, uint64(csOff)+uint64(csSize), linkedit.Offset+linkedit.Filesz)
}

func TestSignatureInsertionNotEnoughPadding(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tight.out")
	// __text begins right at the end of the command table, so the table
	// cannot grow by another command.
	f := writeUnsignedFixture(t, path, 0x118)

	img, err := ParseFromFile(f)
	require.NoError(t, err)

	err = img.EnsureCodeSignature()
	assert.ErrorIs(t, err, ErrNotEnoughPadding)
}
