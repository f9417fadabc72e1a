package ld

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"path/filepath"

	"github.com/apex/log"
	"github.com/blacktop/go-macho/types"
	"github.com/blacktop/macho-ld/internal/codesign"
	"github.com/blacktop/macho-ld/internal/trie"
	"github.com/blacktop/macho-ld/internal/utils"
)

// Flush finalizes the on-disk image. In incremental mode that means
// rewriting dirty metadata in place; with the system linker enabled it
// means a full external link followed by ad-hoc signature injection.
func (img *Image) Flush(m *Module) error {
	if img.opts.UseSystemLinker && img.opts.OutputMode == OutputModeExe {
		return img.flushWithSystemLinker(m)
	}
	return img.FlushModule(m)
}

// FlushModule writes all dirty link-edit metadata. The steps are ordered
// by their data dependency: each advances linkeditNextOffset, which the
// next step reads, and the signature hashes everything written before it.
func (img *Image) FlushModule(m *Module) error {
	switch img.opts.OutputMode {
	case OutputModeLib:
		return ErrWritingLibFiles
	case OutputModeObj:
		if img.cmdTableDirty {
			if err := img.writeLoadCommands(); err != nil {
				return err
			}
			if err := img.writeHeader(); err != nil {
				return err
			}
			img.cmdTableDirty = false
		}
		return nil
	}

	if img.entryAddrSet {
		ep := img.entryPointCmd()
		entryOff := img.entryAddr - img.textSegment().Addr
		if ep.EntryOffset != entryOff {
			ep.EntryOffset = entryOff
			img.cmdTableDirty = true
		}
	}
	img.ErrorFlags.NoEntryPointFound = !img.entryAddrSet

	linkedit := img.linkeditSegment()
	img.linkeditNextOffset = linkedit.Offset

	if err := img.writeExportTrie(); err != nil {
		return err
	}
	if err := img.writeSymbolTable(); err != nil {
		return err
	}
	if err := img.writeStringTable(); err != nil {
		return err
	}
	if err := img.writeCodeSignaturePadding(); err != nil {
		return err
	}

	if img.cmdTableDirty {
		if err := img.writeLoadCommands(); err != nil {
			return err
		}
		if err := img.writeHeader(); err != nil {
			return err
		}
		img.cmdTableDirty = false
	}

	return img.writeCodeSignature()
}

// advanceLinkedit bumps the running offset and keeps __LINKEDIT's sizes in
// step, growing vmsize to the page-aligned filesize when needed.
func (img *Image) advanceLinkedit(n uint64) {
	img.linkeditNextOffset += n
	seg := img.linkeditSegment()
	filesz := img.linkeditNextOffset - seg.Offset
	if seg.Filesz != filesz {
		seg.Filesz = filesz
		img.cmdTableDirty = true
	}
	if vmsize := utils.AlignTo(filesz, img.pageSize); seg.Memsz < vmsize {
		seg.Memsz = vmsize
		img.cmdTableDirty = true
	}
}

func (img *Image) writeExportTrie() error {
	var exports []trie.Export
	base := img.textSegment().Addr
	for _, sym := range img.globalSymbols {
		if sym.Type == 0 {
			continue
		}
		exports = append(exports, trie.Export{
			Name:   img.getString(sym.Name),
			Offset: sym.Value - base,
		})
	}
	if len(exports) == 0 {
		return nil
	}

	data, err := trie.Write(exports)
	if err != nil {
		return fmt.Errorf("failed to serialize export trie: %v", err)
	}
	size := utils.AlignTo(uint64(len(data)), 8)
	padded := make([]byte, size)
	copy(padded, data)

	off := img.linkeditNextOffset
	if _, err := img.f.WriteAt(padded, int64(off)); err != nil {
		return fmt.Errorf("failed to write export trie: %v", err)
	}
	log.Debugf("wrote export trie (%d exports, %d bytes) at 0x%x", len(exports), size, off)

	di := img.dyldInfoCmd()
	if di.ExportOff != uint32(off) || di.ExportSize != uint32(size) {
		di.ExportOff = uint32(off)
		di.ExportSize = uint32(size)
		img.cmdTableDirty = true
	}
	img.advanceLinkedit(size)
	return nil
}

func (img *Image) writeSymbolTable() error {
	nlocals := uint32(len(img.localSymbols))
	nglobals := uint32(len(img.globalSymbols))
	nundefs := uint32(len(img.undefSymbols))
	nsyms := nlocals + nglobals + nundefs

	var buf bytes.Buffer
	for _, table := range [][]types.Nlist64{img.localSymbols, img.globalSymbols, img.undefSymbols} {
		if err := binary.Write(&buf, binary.LittleEndian, table); err != nil {
			return fmt.Errorf("failed to serialize symbol table: %v", err)
		}
	}

	off := img.linkeditNextOffset
	if _, err := img.f.WriteAt(buf.Bytes(), int64(off)); err != nil {
		return fmt.Errorf("failed to write symbol table: %v", err)
	}
	log.Debugf("wrote %d symbols at 0x%x", nsyms, off)

	st := img.symtabCmd()
	if st.Symoff != uint32(off) || st.Nsyms != nsyms {
		st.Symoff = uint32(off)
		st.Nsyms = nsyms
		img.cmdTableDirty = true
	}

	dst := img.dysymtabCmd()
	if dst.Nlocalsym != nlocals || dst.Iextdefsym != nlocals ||
		dst.Nextdefsym != nglobals || dst.Iundefsym != nlocals+nglobals ||
		dst.Nundefsym != nundefs {
		dst.Ilocalsym = 0
		dst.Nlocalsym = nlocals
		dst.Iextdefsym = nlocals
		dst.Nextdefsym = nglobals
		dst.Iundefsym = nlocals + nglobals
		dst.Nundefsym = nundefs
		img.cmdTableDirty = true
	}

	img.advanceLinkedit(uint64(nsyms) * nlistSize)
	return nil
}

func (img *Image) writeStringTable() error {
	off := img.linkeditNextOffset
	size := utils.AlignTo(uint64(len(img.stringTable)), 8)

	padded := make([]byte, size)
	copy(padded, img.stringTable)
	if _, err := img.f.WriteAt(padded, int64(off)); err != nil {
		return fmt.Errorf("failed to write string table: %v", err)
	}
	log.Debugf("wrote string table (%d bytes) at 0x%x", size, off)

	st := img.symtabCmd()
	if st.Stroff != uint32(off) || st.Strsize != uint32(size) {
		st.Stroff = uint32(off)
		st.Strsize = uint32(size)
		img.cmdTableDirty = true
	}
	img.advanceLinkedit(size)
	return nil
}

func (img *Image) writeCodeSignaturePadding() error {
	// The signature blob must sit on a 16-byte boundary.
	off := utils.AlignTo(img.linkeditNextOffset, 16)
	img.linkeditNextOffset = off

	id := filepath.Base(img.opts.EmitPath)
	size := codesign.Estimate(off, id)

	cs := img.codeSignatureCmd()
	if cs.Offset != uint32(off) || cs.CodeSignatureCmd.Size != uint32(size) {
		cs.Offset = uint32(off)
		cs.CodeSignatureCmd.Size = uint32(size)
		img.cmdTableDirty = true
	}

	// Touch the last byte so the whole reservation is file-backed.
	if _, err := img.f.WriteAt([]byte{0}, int64(off+size-1)); err != nil {
		return fmt.Errorf("failed to reserve code signature space: %v", err)
	}
	img.advanceLinkedit(size)
	return nil
}

func (img *Image) writeLoadCommands() error {
	var buf bytes.Buffer
	for _, cmd := range img.loadCommands {
		if err := cmd.Write(&buf, binary.LittleEndian); err != nil {
			return err
		}
	}
	if _, err := img.f.WriteAt(buf.Bytes(), fileHeaderSize); err != nil {
		return fmt.Errorf("failed to write load commands: %v", err)
	}
	log.Debugf("wrote %d load commands (%d bytes)", len(img.loadCommands), buf.Len())
	return nil
}

func (img *Image) writeHeader() error {
	img.header.NCommands = uint32(len(img.loadCommands))
	img.header.SizeCommands = uint32(img.sizeofCmds())

	var buf [fileHeaderSize]byte
	img.header.Put(buf[:], binary.LittleEndian)
	if _, err := img.f.WriteAt(buf[:], 0); err != nil {
		return fmt.Errorf("failed to write header: %v", err)
	}
	return nil
}

func (img *Image) writeCodeSignature() error {
	cs := img.codeSignatureCmd()
	dataOff := uint64(cs.Offset)
	id := filepath.Base(img.opts.EmitPath)
	text := img.textSegment()

	sig, err := codesign.Sign(
		io.NewSectionReader(img.f, 0, int64(dataOff)),
		dataOff, id, text.Offset, text.Filesz)
	if err != nil {
		return fmt.Errorf("failed to build code signature: %v", err)
	}
	if uint64(len(sig)) > uint64(cs.CodeSignatureCmd.Size) {
		return fmt.Errorf("code signature (%d bytes) exceeds its reservation (%d bytes)", len(sig), cs.CodeSignatureCmd.Size)
	}
	if _, err := img.f.WriteAt(sig, int64(dataOff)); err != nil {
		return fmt.Errorf("failed to write code signature: %v", err)
	}
	log.Debugf("ad-hoc signed %s (%d bytes of signature)", id, len(sig))
	return nil
}
