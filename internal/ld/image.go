package ld

import (
	"fmt"
	"os"

	"github.com/apex/log"
	"github.com/blacktop/go-macho/types"
)

// Image is the mutable Mach-O output file. There is exactly one per output
// path; it owns the backing file handle for the lifetime of the link and
// keeps the on-disk load commands, symbol tables, string table, offset
// table and code signature consistent as declarations come and go.
type Image struct {
	f    *os.File
	opts *Options

	pageSize uint64

	header       *types.FileHeader
	loadCommands []LoadCommand

	pagezeroSegmentCmdIndex int
	textSegmentCmdIndex     int
	linkeditSegmentCmdIndex int
	dyldInfoCmdIndex        int
	symtabCmdIndex          int
	dysymtabCmdIndex        int
	dylinkerCmdIndex        int
	libsystemCmdIndex       int
	mainCmdIndex            int
	versionMinCmdIndex      int
	sourceVersionCmdIndex   int
	uuidCmdIndex            int
	codeSignatureCmdIndex   int

	textSectionIndex int // into the __TEXT segment's section list
	gotSectionIndex  int

	// Symbol tables, in file order: locals, then globals, then undefs.
	// localSymbols[0] is the permanent null symbol.
	localSymbols  []types.Nlist64
	globalSymbols []types.Nlist64
	undefSymbols  []types.Nlist64

	localSymbolFreeList  []uint32
	globalSymbolFreeList []uint32
	offsetTableFreeList  []uint32

	stringTable []byte

	// offsetTable holds the absolute vm-address each __got stub resolves
	// to, one 8-byte stub per entry.
	offsetTable []uint64

	textBlockFreeList []*TextBlock
	lastTextBlock     *TextBlock

	// linkeditNextOffset is the next free file offset inside __LINKEDIT
	// while a flush is in progress.
	linkeditNextOffset uint64

	entryAddr    uint64
	entryAddrSet bool

	cmdTableDirty bool

	ErrorFlags ErrorFlags
}

func newImage(f *os.File, opts *Options) *Image {
	img := &Image{
		f:        f,
		opts:     opts,
		pageSize: opts.pageSize(),

		pagezeroSegmentCmdIndex: -1,
		textSegmentCmdIndex:     -1,
		linkeditSegmentCmdIndex: -1,
		dyldInfoCmdIndex:        -1,
		symtabCmdIndex:          -1,
		dysymtabCmdIndex:        -1,
		dylinkerCmdIndex:        -1,
		libsystemCmdIndex:       -1,
		mainCmdIndex:            -1,
		versionMinCmdIndex:      -1,
		sourceVersionCmdIndex:   -1,
		uuidCmdIndex:            -1,
		codeSignatureCmdIndex:   -1,

		textSectionIndex: -1,
		gotSectionIndex:  -1,
	}
	return img
}

// Open opens (or creates) the output file at path and materializes the
// canonical metadata for an empty image. The file is opened read+write
// without truncation so incremental updates can patch it in place.
func Open(path string, opts *Options) (*Image, error) {
	switch opts.OutputMode {
	case OutputModeLib:
		return nil, ErrWritingLibFiles
	}
	switch opts.Arch {
	case ArchX8664, ArchArm64:
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedArch, opts.Arch)
	}
	opts.setDefaults()
	if opts.EmitPath == "" {
		opts.EmitPath = path
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, opts.FileMode)
	if err != nil {
		return nil, fmt.Errorf("failed to open output %s: %v", path, err)
	}

	img := newImage(f, opts)

	// The null symbol occupies local index 0 forever; index 0 therefore
	// doubles as the "unassigned" sentinel on text blocks.
	img.localSymbols = append(img.localSymbols, types.Nlist64{})
	img.stringTable = append(img.stringTable, 0)

	if err := img.populateMissingMetadata(); err != nil {
		f.Close()
		return nil, err
	}

	log.WithFields(log.Fields{
		"path": path,
		"arch": opts.Arch.String(),
	}).Debug("opened incremental MachO image")

	return img, nil
}

// Close releases the backing file handle.
func (img *Image) Close() error {
	return img.f.Close()
}

// File exposes the backing handle (read-only use by the driver and tests).
func (img *Image) File() *os.File { return img.f }

func (img *Image) segment(idx int) *SegmentCommand {
	return img.loadCommands[idx].(*SegmentCommand)
}

func (img *Image) textSegment() *SegmentCommand {
	return img.segment(img.textSegmentCmdIndex)
}

func (img *Image) linkeditSegment() *SegmentCommand {
	return img.segment(img.linkeditSegmentCmdIndex)
}

func (img *Image) textSection() *types.Section64 {
	return &img.textSegment().Sections[img.textSectionIndex]
}

func (img *Image) gotSection() *types.Section64 {
	return &img.textSegment().Sections[img.gotSectionIndex]
}

func (img *Image) dyldInfoCmd() *DyldInfoCommand {
	return img.loadCommands[img.dyldInfoCmdIndex].(*DyldInfoCommand)
}

func (img *Image) symtabCmd() *SymtabCommand {
	return img.loadCommands[img.symtabCmdIndex].(*SymtabCommand)
}

func (img *Image) dysymtabCmd() *DysymtabCommand {
	return img.loadCommands[img.dysymtabCmdIndex].(*DysymtabCommand)
}

func (img *Image) entryPointCmd() *EntryPointCommand {
	return img.loadCommands[img.mainCmdIndex].(*EntryPointCommand)
}

func (img *Image) codeSignatureCmd() *CodeSignatureCommand {
	return img.loadCommands[img.codeSignatureCmdIndex].(*CodeSignatureCommand)
}

// sectionOrdinal returns the 1-based ordinal of the __TEXT section at idx,
// counting sections across all segments in command order (nlist n_sect
// numbering).
func (img *Image) sectionOrdinal(idx int) uint8 {
	ord := 1
	for i, cmd := range img.loadCommands {
		seg, ok := cmd.(*SegmentCommand)
		if !ok {
			continue
		}
		if i == img.textSegmentCmdIndex {
			return uint8(ord + idx)
		}
		ord += len(seg.Sections)
	}
	return uint8(ord + idx)
}

// sizeofCmds is the tight-packed byte size of the load-command table.
func (img *Image) sizeofCmds() uint64 {
	var n uint64
	for _, cmd := range img.loadCommands {
		n += uint64(cmd.Size())
	}
	return n
}

// getString resolves a string-table offset back to its NUL-terminated
// contents.
func (img *Image) getString(off uint32) string {
	return cstring(img.stringTable[off:])
}

// makeString interns name into the string table and returns its offset.
func (img *Image) makeString(name string) uint32 {
	off := uint32(len(img.stringTable))
	img.stringTable = append(img.stringTable, name...)
	img.stringTable = append(img.stringTable, 0)
	return off
}

// updateString overwrites the string at off with name when it fits in
// place; otherwise a fresh entry is interned. The old bytes become debris.
func (img *Image) updateString(off uint32, name string) uint32 {
	existing := img.getString(off)
	if len(name) <= len(existing) {
		copy(img.stringTable[off:], name)
		img.stringTable[int(off)+len(name)] = 0
		return off
	}
	return img.makeString(name)
}

// GetDeclVAddr returns the vm-address of decl's code block.
func (img *Image) GetDeclVAddr(d *Decl) uint64 {
	return img.localSymbols[d.Block.LocalSymIndex].Value
}
