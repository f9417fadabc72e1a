package ld

import (
	"testing"

	"github.com/blacktop/go-macho/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// collectBlocks walks the linked list backwards from the tail.
func collectBlocks(img *Image) []*TextBlock {
	var rev []*TextBlock
	for tb := img.lastTextBlock; tb != nil; tb = tb.prev {
		rev = append(rev, tb)
	}
	out := make([]*TextBlock, len(rev))
	for i, tb := range rev {
		out[len(rev)-1-i] = tb
	}
	return out
}

func assertBlockInvariants(t *testing.T, img *Image) {
	t.Helper()
	text := img.textSection()
	blocks := collectBlocks(img)
	for i, tb := range blocks {
		if tb.Size == 0 {
			continue
		}
		addr := tb.Addr(img)
		assert.LessOrEqual(t, text.Addr, addr, "block %d starts before __text", i)
		assert.LessOrEqual(t, addr+tb.Size, text.Addr+text.Size, "block %d overruns __text", i)
		if i+1 < len(blocks) {
			next := blocks[i+1]
			assert.LessOrEqual(t, addr+tb.Size, next.Addr(img), "blocks %d and %d overlap", i, i+1)
		}
	}
}

func TestGrowRelocatesBlock(t *testing.T) {
	img, m := newTestImage(t, ArchX8664)

	codeA := make([]byte, 16)
	declA := bytesDecl(m, "a", 1, codeA)
	addDecl(t, img, m, declA)
	declB := bytesDecl(m, "b", 1, make([]byte, 16))
	addDecl(t, img, m, declB)

	addrA := img.GetDeclVAddr(declA)
	addrB := img.GetDeclVAddr(declB)
	require.Less(t, addrA, addrB)

	// Regenerate A four times as large; it no longer fits before B.
	declA.Gen = func(d *Decl) ([]byte, []PieFixup, error) {
		return make([]byte, 64), nil, nil
	}
	require.NoError(t, img.UpdateDecl(m, declA))

	newAddrA := img.GetDeclVAddr(declA)
	assert.NotEqual(t, addrA, newAddrA, "A must relocate")
	assert.Greater(t, newAddrA, addrB+16, "A moves past B")
	assert.Equal(t, addrB, img.GetDeclVAddr(declB), "B stays put")
	assert.Equal(t, newAddrA, img.offsetTable[declA.Block.OffsetTableIndex], "A's GOT slot follows the move")

	assertBlockInvariants(t, img)
}

func TestFreeDeclRecyclesIndexes(t *testing.T) {
	img, m := newTestImage(t, ArchX8664)

	declA := bytesDecl(m, "a", 1, []byte{0xc3})
	addDecl(t, img, m, declA)
	oldSym := declA.Block.LocalSymIndex
	oldGot := declA.Block.OffsetTableIndex
	require.NotZero(t, oldSym)

	img.FreeDecl(declA)
	assert.Zero(t, declA.Block.LocalSymIndex)
	assert.Equal(t, types.NType(0), img.localSymbols[oldSym].Type)

	declC := bytesDecl(m, "c", 1, []byte{0xc3, 0xc3})
	addDecl(t, img, m, declC)

	assert.Equal(t, oldSym, declC.Block.LocalSymIndex, "free list is LIFO")
	assert.Equal(t, oldGot, declC.Block.OffsetTableIndex)
	assert.Equal(t, types.N_SECT, img.localSymbols[oldSym].Type)
}

func TestFreePromotesPredecessor(t *testing.T) {
	img, m := newTestImage(t, ArchX8664)

	declA := bytesDecl(m, "a", 1, make([]byte, 64))
	addDecl(t, img, m, declA)
	declB := bytesDecl(m, "b", 1, make([]byte, 256))
	addDecl(t, img, m, declB)
	declC := bytesDecl(m, "c", 1, make([]byte, 16))
	addDecl(t, img, m, declC)

	addrC := img.GetDeclVAddr(declC)

	// Freeing B hands its capacity to A, whose surplus is now large
	// enough for the free list.
	img.FreeDecl(declB)
	require.True(t, img.blockInFreeList(&declA.Block))

	// A new block lands in the reclaimed gap between A and C.
	declD := bytesDecl(m, "d", 1, make([]byte, 64))
	addDecl(t, img, m, declD)

	addrD := img.GetDeclVAddr(declD)
	assert.Greater(t, addrD, img.GetDeclVAddr(declA))
	assert.Less(t, addrD, addrC)
	assert.Equal(t, addrC, img.GetDeclVAddr(declC), "C is untouched")

	assertBlockInvariants(t, img)
}

func TestBlockInvariantsAfterChurn(t *testing.T) {
	img, m := newTestImage(t, ArchX8664)

	var decls []*Decl
	sizes := []int{3, 40, 7, 128, 16}
	for i, n := range sizes {
		d := bytesDecl(m, string(rune('a'+i)), 1, make([]byte, n))
		addDecl(t, img, m, d)
		decls = append(decls, d)
	}
	assertBlockInvariants(t, img)

	img.FreeDecl(decls[1])
	img.FreeDecl(decls[3])
	assertBlockInvariants(t, img)

	grown := decls[2]
	grown.Gen = func(d *Decl) ([]byte, []PieFixup, error) {
		return make([]byte, 512), nil, nil
	}
	require.NoError(t, img.UpdateDecl(m, grown))
	assertBlockInvariants(t, img)
}

func TestDeleteExportRecyclesGlobal(t *testing.T) {
	img, m := newTestImage(t, ArchX8664)

	d := bytesDecl(m, "fn", 1, []byte{0xc3})
	exp := NewExport("_fn", LinkageStrong)
	m.SetExports(d, exp)
	addDecl(t, img, m, d)

	idx, ok := exp.GlobalSymIndex()
	require.True(t, ok)

	img.DeleteExport(exp)
	_, ok = exp.GlobalSymIndex()
	assert.False(t, ok)
	assert.Equal(t, types.NType(0), img.globalSymbols[idx].Type)

	// The next export takes over the recycled slot.
	d2 := bytesDecl(m, "fn2", 1, []byte{0xc3})
	exp2 := NewExport("_fn2", LinkageStrong)
	m.SetExports(d2, exp2)
	addDecl(t, img, m, d2)

	idx2, ok := exp2.GlobalSymIndex()
	require.True(t, ok)
	assert.Equal(t, idx, idx2)
}

func TestUnsupportedExportsRecorded(t *testing.T) {
	img, m := newTestImage(t, ArchX8664)

	d := bytesDecl(m, "fn", 1, []byte{0xc3})
	data := NewExport("_d", LinkageStrong)
	data.Section = "__data"
	once := NewExport("_o", LinkageLinkOnce)
	m.SetExports(d, data, once)
	addDecl(t, img, m, d)

	assert.Len(t, m.FailedExports, 2)
	_, ok := data.GlobalSymIndex()
	assert.False(t, ok)
}
