package ld

import (
	"github.com/apex/log"
	"github.com/blacktop/go-macho/types"
	"github.com/blacktop/macho-ld/internal/utils"
)

const pagezeroVMSize = 0x100000000 // 4 GiB

const (
	vmProtNone    types.VmProtection = 0x0
	vmProtRead    types.VmProtection = 0x1
	vmProtWrite   types.VmProtection = 0x2
	vmProtExecute types.VmProtection = 0x4
)

const (
	sRegular              types.SectionFlag = 0x0
	sAttrPureInstructions types.SectionFlag = 0x80000000
	sAttrSomeInstructions types.SectionFlag = 0x00000400
)

// populateMissingMetadata lazily materializes the canonical load-command
// set, the undefined dyld_stub_binder symbol and the header. It is
// idempotent; every slot that is already set is left alone.
func (img *Image) populateMissingMetadata() error {
	if img.pagezeroSegmentCmdIndex == -1 {
		img.pagezeroSegmentCmdIndex = len(img.loadCommands)
		img.loadCommands = append(img.loadCommands,
			newSegmentCommand("__PAGEZERO", 0, pagezeroVMSize, vmProtNone, vmProtNone))
		img.cmdTableDirty = true
	}
	if img.textSegmentCmdIndex == -1 {
		img.textSegmentCmdIndex = len(img.loadCommands)
		img.loadCommands = append(img.loadCommands,
			newSegmentCommand("__TEXT", pagezeroVMSize, 0,
				vmProtRead|vmProtWrite|vmProtExecute, vmProtRead|vmProtExecute))
		img.cmdTableDirty = true
	}
	if img.textSectionIndex == -1 {
		seg := img.textSegment()
		fileSize := utils.AlignTo(img.opts.ProgramCodeSizeHint, img.pageSize)
		off := img.findFreeSpace(fileSize, img.pageSize)
		log.Debugf("found __text section free space 0x%x to 0x%x", off, off+fileSize)

		var alignment uint32
		if img.opts.Arch == ArchArm64 {
			alignment = 2
		}
		img.textSectionIndex = len(seg.Sections)
		seg.Sections = append(seg.Sections, types.Section64{
			Name:   makeStaticString("__text"),
			Seg:    makeStaticString("__TEXT"),
			Addr:   seg.Addr + off,
			Size:   fileSize,
			Offset: uint32(off),
			Align:  alignment,
			Flags:  sRegular | sAttrPureInstructions | sAttrSomeInstructions,
		})
		// Everything before __text (header, load commands) maps within
		// the same segment.
		seg.Filesz = off + fileSize
		seg.Memsz = off + fileSize
		img.cmdTableDirty = true
	}
	if img.gotSectionIndex == -1 {
		seg := img.textSegment()
		text := img.textSection()
		gotSize := 8 * img.opts.SymbolCountHint
		off := uint64(text.Offset) + text.Size
		log.Debugf("found __got section free space 0x%x to 0x%x", off, off+gotSize)

		img.gotSectionIndex = len(seg.Sections)
		seg.Sections = append(seg.Sections, types.Section64{
			Name:   makeStaticString("__got"),
			Seg:    makeStaticString("__TEXT"),
			Addr:   text.Addr + text.Size,
			Size:   gotSize,
			Offset: uint32(off),
			Align:  3,
			Flags:  sRegular | sAttrPureInstructions | sAttrSomeInstructions,
		})
		seg.Filesz += utils.AlignTo(gotSize, img.pageSize)
		seg.Memsz += utils.AlignTo(gotSize, img.pageSize)
		img.cmdTableDirty = true
	}
	if img.linkeditSegmentCmdIndex == -1 {
		text := img.textSegment()
		img.linkeditSegmentCmdIndex = len(img.loadCommands)
		seg := newSegmentCommand("__LINKEDIT", text.Addr+text.Memsz, 0,
			vmProtRead|vmProtWrite|vmProtExecute, vmProtRead)
		seg.Offset = text.Offset + text.Filesz
		img.loadCommands = append(img.loadCommands, seg)
		img.cmdTableDirty = true
	}
	if img.dyldInfoCmdIndex == -1 {
		img.dyldInfoCmdIndex = len(img.loadCommands)
		img.loadCommands = append(img.loadCommands, &DyldInfoCommand{})
		img.cmdTableDirty = true
	}
	if img.symtabCmdIndex == -1 {
		img.symtabCmdIndex = len(img.loadCommands)
		img.loadCommands = append(img.loadCommands, &SymtabCommand{})
		img.cmdTableDirty = true
	}
	if img.dysymtabCmdIndex == -1 {
		img.dysymtabCmdIndex = len(img.loadCommands)
		img.loadCommands = append(img.loadCommands, &DysymtabCommand{})
		img.cmdTableDirty = true
	}
	if img.dylinkerCmdIndex == -1 {
		img.dylinkerCmdIndex = len(img.loadCommands)
		img.loadCommands = append(img.loadCommands, &DylinkerCommand{Name: "/usr/lib/dyld"})
		img.cmdTableDirty = true
	}
	if img.libsystemCmdIndex == -1 {
		img.libsystemCmdIndex = len(img.loadCommands)
		img.loadCommands = append(img.loadCommands, &DylibCommand{
			Name:      "/usr/lib/libSystem.B.dylib",
			Timestamp: 2,
		})
		img.cmdTableDirty = true
	}
	if img.mainCmdIndex == -1 {
		img.mainCmdIndex = len(img.loadCommands)
		img.loadCommands = append(img.loadCommands, &EntryPointCommand{})
		img.cmdTableDirty = true
	}
	if img.versionMinCmdIndex == -1 {
		img.versionMinCmdIndex = len(img.loadCommands)
		img.loadCommands = append(img.loadCommands, &VersionMinCommand{
			Cmd:     img.opts.versionMinLoadCmd(),
			Version: img.opts.OSVersion.encode(),
			Sdk:     img.opts.OSVersion.encode(),
		})
		img.cmdTableDirty = true
	}
	if img.sourceVersionCmdIndex == -1 {
		img.sourceVersionCmdIndex = len(img.loadCommands)
		img.loadCommands = append(img.loadCommands, &SourceVersionCommand{})
		img.cmdTableDirty = true
	}
	if img.uuidCmdIndex == -1 {
		img.uuidCmdIndex = len(img.loadCommands)
		img.loadCommands = append(img.loadCommands, &UUIDCommand{})
		img.cmdTableDirty = true
	}
	if img.codeSignatureCmdIndex == -1 {
		img.codeSignatureCmdIndex = len(img.loadCommands)
		img.loadCommands = append(img.loadCommands, &CodeSignatureCommand{})
		img.cmdTableDirty = true
	}
	if len(img.undefSymbols) == 0 {
		img.undefSymbols = append(img.undefSymbols, types.Nlist64{
			Nlist: types.Nlist{
				Name: img.makeString("dyld_stub_binder"),
				Type: types.N_UNDF | types.N_EXT,
				Desc: types.NDescType(types.REFERENCE_FLAG_UNDEFINED_NON_LAZY),
			},
		})
	}
	if img.header == nil {
		cpu, sub := img.opts.cpu()
		img.header = &types.FileHeader{
			Magic:  types.Magic64,
			CPU:    cpu,
			SubCPU: sub,
			Type:   types.MH_EXECUTE,
			Flags:  types.NoUndefs | types.DyldLink | types.PIE,
		}
		if img.opts.OutputMode == OutputModeObj {
			img.header.Type = types.MH_OBJECT
		}
		img.cmdTableDirty = true
	}
	return nil
}
