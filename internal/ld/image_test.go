package ld

import (
	"crypto/sha256"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/blacktop/go-macho/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestImage(t *testing.T, arch Arch) (*Image, *Module) {
	t.Helper()
	opts := &Options{
		Arch:       arch,
		OutputMode: OutputModeExe,
		EmitPath:   filepath.Join(t.TempDir(), "a.out"),
	}
	img, err := Open(opts.EmitPath, opts)
	require.NoError(t, err)
	t.Cleanup(func() { img.Close() })
	return img, NewModule()
}

func bytesDecl(m *Module, name string, align uint64, code []byte) *Decl {
	return m.AddDecl(name, align, func(d *Decl) ([]byte, []PieFixup, error) {
		return code, nil, nil
	})
}

func addDecl(t *testing.T, img *Image, m *Module, d *Decl) {
	t.Helper()
	require.NoError(t, img.AllocateDeclIndexes(d))
	require.NoError(t, img.UpdateDecl(m, d))
	require.Empty(t, m.FailedDecls)
}

func TestEmptyExecutableFlush(t *testing.T) {
	img, m := newTestImage(t, ArchX8664)

	assert.Equal(t, 13, img.NumLoadCommands())
	require.NoError(t, img.FlushModule(m))

	assert.True(t, img.ErrorFlags.NoEntryPointFound)
	assert.Equal(t, uint64(0), img.entryPointCmd().EntryOffset)

	var hdr [fileHeaderSize]byte
	_, err := img.f.ReadAt(hdr[:], 0)
	require.NoError(t, err)
	le := binary.LittleEndian
	assert.Equal(t, uint32(types.Magic64), le.Uint32(hdr[0:]))
	assert.Equal(t, uint32(types.MH_EXECUTE), le.Uint32(hdr[12:]))
	assert.Equal(t, uint32(13), le.Uint32(hdr[16:]))
	assert.Equal(t, uint32(types.NoUndefs|types.DyldLink|types.PIE), le.Uint32(hdr[24:]))
}

func TestSingleStartDecl(t *testing.T) {
	img, m := newTestImage(t, ArchX8664)

	start := bytesDecl(m, "_start", 1, []byte{0xc3, 0x00, 0x00})
	m.SetExports(start, NewExport("_start", LinkageStrong))
	addDecl(t, img, m, start)

	text := img.textSection()
	textSeg := img.textSegment()
	wantAddr := textSeg.Addr + uint64(text.Offset)
	assert.Equal(t, wantAddr, img.GetDeclVAddr(start))
	assert.Equal(t, wantAddr, img.offsetTable[0])

	require.NoError(t, img.FlushModule(m))
	assert.False(t, img.ErrorFlags.NoEntryPointFound)
	assert.Equal(t, wantAddr-textSeg.Addr, img.entryPointCmd().EntryOffset)

	// The code landed at the section start.
	var code [3]byte
	_, err := img.f.ReadAt(code[:], int64(text.Offset))
	require.NoError(t, err)
	assert.Equal(t, []byte{0xc3, 0x00, 0x00}, code[:])

	// The first GOT stub loads the decl's address: lea rax, [rip - disp]; ret.
	got := img.gotSection()
	var stub [8]byte
	_, err = img.f.ReadAt(stub[:], int64(got.Offset))
	require.NoError(t, err)
	assert.Equal(t, []byte{0x48, 0x8d, 0x05}, stub[:3])
	assert.Equal(t, byte(0xc3), stub[7])
	disp := int32(binary.LittleEndian.Uint32(stub[3:7]))
	assert.Equal(t, int64(wantAddr), int64(got.Addr)+7+int64(disp))

	// Symbol layout partitions the table: locals, globals, undefs.
	dst := img.dysymtabCmd()
	assert.Equal(t, uint32(0), dst.Ilocalsym)
	assert.Equal(t, uint32(2), dst.Nlocalsym)
	assert.Equal(t, uint32(2), dst.Iextdefsym)
	assert.Equal(t, uint32(1), dst.Nextdefsym)
	assert.Equal(t, uint32(3), dst.Iundefsym)
	assert.Equal(t, uint32(1), dst.Nundefsym)
	assert.Equal(t, dst.Iundefsym+dst.Nundefsym, img.symtabCmd().Nsyms)

	idx, ok := m.DeclExports[start][0].GlobalSymIndex()
	require.True(t, ok)
	assert.Equal(t, uint32(0), idx)
}

func fileDigest(t *testing.T, path string) [32]byte {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return sha256.Sum256(data)
}

func TestFlushIdempotent(t *testing.T) {
	img, m := newTestImage(t, ArchX8664)

	start := bytesDecl(m, "_start", 1, []byte{0xc3})
	m.SetExports(start, NewExport("_start", LinkageStrong))
	addDecl(t, img, m, start)
	require.NoError(t, img.FlushModule(m))

	before := fileDigest(t, img.opts.EmitPath)

	// Re-running an update with unchanged code must leave the file
	// byte-identical.
	require.NoError(t, img.UpdateDecl(m, start))
	require.NoError(t, img.FlushModule(m))

	assert.Equal(t, before, fileDigest(t, img.opts.EmitPath))
}

func TestParseRoundTrip(t *testing.T) {
	img, m := newTestImage(t, ArchX8664)

	start := bytesDecl(m, "_start", 1, []byte{0xc3})
	m.SetExports(start, NewExport("_start", LinkageStrong))
	addDecl(t, img, m, start)
	require.NoError(t, img.FlushModule(m))

	f, err := os.Open(img.opts.EmitPath)
	require.NoError(t, err)
	defer f.Close()

	parsed, err := ParseFromFile(f)
	require.NoError(t, err)

	assert.Equal(t, img.textSegmentCmdIndex, parsed.textSegmentCmdIndex)
	assert.Equal(t, img.textSectionIndex, parsed.textSectionIndex)
	assert.Equal(t, img.linkeditSegmentCmdIndex, parsed.linkeditSegmentCmdIndex)
	assert.Equal(t, img.symtabCmdIndex, parsed.symtabCmdIndex)
	assert.Equal(t, img.codeSignatureCmdIndex, parsed.codeSignatureCmdIndex)
	assert.Equal(t, img.NumLoadCommands(), parsed.NumLoadCommands())
}

func TestBranchFixupArm64(t *testing.T) {
	img, m := newTestImage(t, ArchArm64)

	// ret
	target := bytesDecl(m, "callee", 4, []byte{0xc0, 0x03, 0x5f, 0xd6})
	addDecl(t, img, m, target)
	targetAddr := img.GetDeclVAddr(target)

	caller := m.AddDecl("caller", 4, func(d *Decl) ([]byte, []PieFixup, error) {
		return []byte{0, 0, 0, 0}, []PieFixup{{Target: targetAddr, Offset: 0, Len: 4}}, nil
	})
	addDecl(t, img, m, caller)
	callerAddr := img.GetDeclVAddr(caller)

	text := img.textSection()
	fileOff := uint64(text.Offset) + (callerAddr - text.Addr)
	var word [4]byte
	_, err := img.f.ReadAt(word[:], int64(fileOff))
	require.NoError(t, err)

	inst := binary.LittleEndian.Uint32(word[:])
	assert.Equal(t, uint32(0x14000000), inst&0xfc000000, "must decode as an unconditional branch")

	delta := int64(targetAddr) - int64(callerAddr)
	assert.Equal(t, uint32(delta>>2)&0x03ffffff, inst&0x03ffffff)
}

func TestPieFixupX8664(t *testing.T) {
	img, m := newTestImage(t, ArchX8664)

	callee := bytesDecl(m, "callee", 1, []byte{0xc3})
	addDecl(t, img, m, callee)
	calleeAddr := img.GetDeclVAddr(callee)

	// mov eax, [rip+disp32]: the displacement fills the trailing four
	// bytes of the six-byte fixup region.
	caller := m.AddDecl("caller", 1, func(d *Decl) ([]byte, []PieFixup, error) {
		return []byte{0x8b, 0x05, 0, 0, 0, 0},
			[]PieFixup{{Target: calleeAddr, Offset: 0, Len: 6}}, nil
	})
	addDecl(t, img, m, caller)
	callerAddr := img.GetDeclVAddr(caller)

	text := img.textSection()
	var code [6]byte
	_, err := img.f.ReadAt(code[:], int64(uint64(text.Offset)+(callerAddr-text.Addr)))
	require.NoError(t, err)

	assert.Equal(t, []byte{0x8b, 0x05}, code[:2])
	disp := int32(binary.LittleEndian.Uint32(code[2:6]))
	assert.Equal(t, int64(calleeAddr), int64(callerAddr)+6+int64(disp))
}

func TestGotStubArm64(t *testing.T) {
	img, m := newTestImage(t, ArchArm64)

	d := bytesDecl(m, "fn", 4, []byte{0xc0, 0x03, 0x5f, 0xd6})
	addDecl(t, img, m, d)
	target := img.GetDeclVAddr(d)

	got := img.gotSection()
	var stub [8]byte
	_, err := img.f.ReadAt(stub[:], int64(got.Offset))
	require.NoError(t, err)

	adr := binary.LittleEndian.Uint32(stub[0:4])
	assert.Equal(t, uint32(0x10000000), adr&0x9f00001f, "adr x0")
	immhi := uint64(adr>>5) & 0x7ffff
	immlo := uint64(adr>>29) & 0x3
	imm := int64(immhi<<2|immlo) << (64 - 21) >> (64 - 21)
	assert.Equal(t, int64(target)-int64(got.Addr), imm)

	assert.Equal(t, uint32(0xd65f0380), binary.LittleEndian.Uint32(stub[4:8]), "ret x28")
}

func TestObjectModeSkipsLinkedit(t *testing.T) {
	opts := &Options{
		Arch:       ArchX8664,
		OutputMode: OutputModeObj,
		EmitPath:   filepath.Join(t.TempDir(), "a.o"),
	}
	img, err := Open(opts.EmitPath, opts)
	require.NoError(t, err)
	defer img.Close()

	require.NoError(t, img.FlushModule(NewModule()))
	assert.Equal(t, uint32(0), img.symtabCmd().Symoff)
	assert.Equal(t, uint32(0), img.codeSignatureCmd().Offset)
}

func TestLibOutputRejected(t *testing.T) {
	opts := &Options{
		Arch:       ArchX8664,
		OutputMode: OutputModeLib,
		EmitPath:   filepath.Join(t.TempDir(), "a.dylib"),
	}
	_, err := Open(opts.EmitPath, opts)
	assert.ErrorIs(t, err, ErrWritingLibFiles)
}
