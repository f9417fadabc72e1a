package ld

import (
	"encoding/binary"
	"fmt"

	"github.com/apex/log"
	"github.com/blacktop/go-macho/types"
	"github.com/blacktop/macho-ld/internal/utils"
)

// AllocateDeclIndexes reserves a local symbol slot and an offset-table
// slot for a decl, preferring recycled indices. Both slots start zeroed.
func (img *Image) AllocateDeclIndexes(d *Decl) error {
	if d.Block.LocalSymIndex != 0 {
		return nil
	}

	var symIdx uint32
	if n := len(img.localSymbolFreeList); n > 0 {
		symIdx = img.localSymbolFreeList[n-1]
		img.localSymbolFreeList = img.localSymbolFreeList[:n-1]
		img.localSymbols[symIdx] = types.Nlist64{}
	} else {
		symIdx = uint32(len(img.localSymbols))
		img.localSymbols = append(img.localSymbols, types.Nlist64{})
	}

	var gotIdx uint32
	if n := len(img.offsetTableFreeList); n > 0 {
		gotIdx = img.offsetTableFreeList[n-1]
		img.offsetTableFreeList = img.offsetTableFreeList[:n-1]
		img.offsetTable[gotIdx] = 0
	} else {
		gotIdx = uint32(len(img.offsetTable))
		got := img.gotSection()
		needed := uint64(gotIdx+1) * 8
		if needed > got.Size {
			// TODO: relocate the GOT like the text section instead of
			// failing once the reservation runs out.
			if needed > img.allocatedSize(uint64(got.Offset)) {
				return fmt.Errorf("could not grow __got to %#x bytes: must move the entire GOT", needed)
			}
			got.Size = needed
			img.cmdTableDirty = true
		}
		img.offsetTable = append(img.offsetTable, 0)
	}

	d.Block.LocalSymIndex = symIdx
	d.Block.OffsetTableIndex = gotIdx

	log.WithFields(log.Fields{
		"decl":   d.Name,
		"symbol": symIdx,
		"got":    gotIdx,
	}).Debug("allocated decl indexes")
	return nil
}

// UpdateDecl regenerates a decl's code, places (or re-places) its text
// block, applies PIE fixups, writes the bytes into the file and refreshes
// the decl's exports. Codegen failures are recorded on the module and
// skipped.
func (img *Image) UpdateDecl(m *Module, d *Decl) error {
	code, fixups, err := d.Gen(d)
	if err != nil {
		m.FailedDecls[d] = err.Error()
		return nil
	}

	requiredAlignment := d.Align
	if requiredAlignment == 0 {
		requiredAlignment = 1
	}

	tb := &d.Block
	sym := &img.localSymbols[tb.LocalSymIndex]
	codeLen := uint64(len(code))

	if tb.Size != 0 {
		capacity := tb.capacity(img)
		needGrow := codeLen > capacity ||
			utils.AlignDown(sym.Value, requiredAlignment) != sym.Value
		if needGrow {
			vaddr, err := img.growTextBlock(tb, codeLen, requiredAlignment)
			if err != nil {
				return err
			}
			if vaddr != sym.Value {
				log.Debugf("relocating %s from 0x%x to 0x%x", d.Name, sym.Value, vaddr)
				sym.Value = vaddr
				img.offsetTable[tb.OffsetTableIndex] = vaddr
				if err := img.writeOffsetTableEntry(tb.OffsetTableIndex); err != nil {
					return err
				}
			}
		} else if codeLen < tb.Size {
			img.shrinkTextBlock(tb, codeLen)
		}
		tb.Size = codeLen
		sym.Name = img.updateString(sym.Name, d.Name)
		sym.Type = types.N_SECT
		sym.Sect = img.sectionOrdinal(img.textSectionIndex)
		sym.Desc = 0
	} else {
		name := img.makeString(d.Name)
		vaddr, err := img.allocateTextBlock(tb, codeLen, requiredAlignment)
		if err != nil {
			return err
		}
		tb.Size = codeLen
		*sym = types.Nlist64{
			Nlist: types.Nlist{
				Name: name,
				Type: types.N_SECT,
				Sect: img.sectionOrdinal(img.textSectionIndex),
			},
			Value: vaddr,
		}
		img.offsetTable[tb.OffsetTableIndex] = vaddr
		if err := img.writeOffsetTableEntry(tb.OffsetTableIndex); err != nil {
			return err
		}
	}

	if err := img.applyPieFixups(code, sym.Value, fixups); err != nil {
		return err
	}

	text := img.textSection()
	fileOff := uint64(text.Offset) + (sym.Value - text.Addr)
	if _, err := img.f.WriteAt(code, int64(fileOff)); err != nil {
		return fmt.Errorf("failed to write code for %s at 0x%x: %v", d.Name, fileOff, err)
	}

	return img.UpdateDeclExports(m, d, m.DeclExports[d])
}

// applyPieFixups patches PC-relative references into the code buffer
// before it is written out. this = vaddr of the fixup site.
func (img *Image) applyPieFixups(code []byte, vaddr uint64, fixups []PieFixup) error {
	for _, fix := range fixups {
		this := vaddr + fix.Offset
		target := fix.Target
		switch img.opts.Arch {
		case ArchX8664:
			// rel32 displacement in the last four bytes of the region,
			// relative to the end of the instruction.
			disp := target - this - fix.Len
			binary.LittleEndian.PutUint32(code[fix.Offset+fix.Len-4:], uint32(disp))
		case ArchArm64:
			// Unconditional branch; the delta must fit in 27 bits.
			delta := int64(target) - int64(this)
			if delta < -(1<<27) || delta >= 1<<27 {
				return fmt.Errorf("branch target out of range: 0x%x -> 0x%x", this, target)
			}
			inst := uint32(0x14000000) | uint32((delta>>2)&0x03ffffff)
			binary.LittleEndian.PutUint32(code[fix.Offset:], inst)
		}
	}
	return nil
}

// writeOffsetTableEntry writes the 8-byte executable stub for one __got
// slot. The stub loads the slot's target vm-address into a scratch
// register position-independently and returns.
func (img *Image) writeOffsetTableEntry(index uint32) error {
	got := img.gotSection()
	off := uint64(got.Offset) + uint64(index)*8
	slotAddr := got.Addr + uint64(index)*8
	target := img.offsetTable[index]

	var buf [8]byte
	switch img.opts.Arch {
	case ArchX8664:
		// lea rax, [rip - disp]; ret
		buf[0] = 0x48
		buf[1] = 0x8d
		buf[2] = 0x05
		binary.LittleEndian.PutUint32(buf[3:], uint32(target-slotAddr-7))
		buf[7] = 0xc3
	case ArchArm64:
		// adr x0, #imm; ret x28   (imm fits in 21 bits)
		imm := int64(target) - int64(slotAddr)
		adr := uint32(0x10000000) |
			uint32(imm&0x3)<<29 |
			uint32((imm>>2)&0x7ffff)<<5
		binary.LittleEndian.PutUint32(buf[0:], adr)
		binary.LittleEndian.PutUint32(buf[4:], 0xd65f0380)
	}
	if _, err := img.f.WriteAt(buf[:], int64(off)); err != nil {
		return fmt.Errorf("failed to write offset table entry %d: %v", index, err)
	}
	return nil
}

// UpdateDeclExports reconciles a decl's exports with the global symbol
// table. Unsupported sections and linkages are recorded per-export and
// skipped.
func (img *Image) UpdateDeclExports(m *Module, d *Decl, exports []*Export) error {
	sym := img.localSymbols[d.Block.LocalSymIndex]

	for _, exp := range exports {
		if exp.Section != "" && exp.Section != "__text" {
			m.FailedExports[exp] = fmt.Sprintf("unsupported exported section %q", exp.Section)
			continue
		}

		var desc types.NDescType
		switch exp.Linkage {
		case LinkageInternal:
			desc = types.NDescType(types.REFERENCE_FLAG_PRIVATE_DEFINED)
		case LinkageStrong:
			if exp.Name == "_start" {
				if !img.entryAddrSet || img.entryAddr != sym.Value {
					img.entryAddr = sym.Value
					img.entryAddrSet = true
					img.cmdTableDirty = true
				}
			}
			desc = types.NDescType(types.REFERENCE_FLAG_DEFINED)
		case LinkageWeak:
			desc = types.NDescType(types.WEAK_REF)
		case LinkageLinkOnce:
			m.FailedExports[exp] = "unimplemented linkage: LinkOnce"
			continue
		}

		n := types.Nlist64{
			Nlist: types.Nlist{
				Type: sym.Type | types.N_EXT,
				Sect: img.sectionOrdinal(img.textSectionIndex),
				Desc: desc,
			},
			Value: sym.Value,
		}

		if exp.globalSymIndex >= 0 {
			idx := uint32(exp.globalSymIndex)
			n.Name = img.updateString(img.globalSymbols[idx].Name, exp.Name)
			img.globalSymbols[idx] = n
		} else if cnt := len(img.globalSymbolFreeList); cnt > 0 {
			idx := img.globalSymbolFreeList[cnt-1]
			img.globalSymbolFreeList = img.globalSymbolFreeList[:cnt-1]
			n.Name = img.makeString(exp.Name)
			img.globalSymbols[idx] = n
			exp.globalSymIndex = int(idx)
		} else {
			n.Name = img.makeString(exp.Name)
			exp.globalSymIndex = len(img.globalSymbols)
			img.globalSymbols = append(img.globalSymbols, n)
		}
	}
	return nil
}

// DeleteExport recycles the export's global symbol slot. The name and
// value remain as debris; a zeroed n_type marks the slot dead.
func (img *Image) DeleteExport(exp *Export) {
	if exp.globalSymIndex < 0 {
		return
	}
	idx := uint32(exp.globalSymIndex)
	img.globalSymbolFreeList = append(img.globalSymbolFreeList, idx)
	img.globalSymbols[idx].Type = 0
	exp.globalSymIndex = -1
}

// FreeDecl releases the decl's text block and recycles its symbol and
// offset-table slots.
func (img *Image) FreeDecl(d *Decl) {
	img.freeTextBlock(&d.Block)
	if d.Block.LocalSymIndex != 0 {
		img.localSymbolFreeList = append(img.localSymbolFreeList, d.Block.LocalSymIndex)
		img.offsetTableFreeList = append(img.offsetTableFreeList, d.Block.OffsetTableIndex)
		img.localSymbols[d.Block.LocalSymIndex].Type = 0
		d.Block.LocalSymIndex = 0
	}
	d.Block.Size = 0
}
