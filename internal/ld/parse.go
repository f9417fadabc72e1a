package ld

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"github.com/apex/log"
	"github.com/blacktop/go-macho/types"
	"github.com/blacktop/macho-ld/internal/codesign"
	"github.com/blacktop/macho-ld/internal/utils"
	"github.com/pkg/errors"
)

// ParseFromFile re-reads the header and load commands of an existing
// Mach-O (typically the output of an external full link), re-discovering
// the canonical command indices so the writer can patch the file — in
// particular, inject an ad-hoc code signature.
func ParseFromFile(f *os.File) (*Image, error) {
	var hdrBuf [fileHeaderSize]byte
	if _, err := f.ReadAt(hdrBuf[:], 0); err != nil {
		return nil, errors.Wrap(err, "failed to read MachO header")
	}

	le := binary.LittleEndian
	header := &types.FileHeader{
		Magic:        types.Magic(le.Uint32(hdrBuf[0:])),
		CPU:          types.CPU(le.Uint32(hdrBuf[4:])),
		SubCPU:       types.CPUSubtype(le.Uint32(hdrBuf[8:])),
		Type:         types.HeaderFileType(le.Uint32(hdrBuf[12:])),
		NCommands:    le.Uint32(hdrBuf[16:]),
		SizeCommands: le.Uint32(hdrBuf[20:]),
		Flags:        types.HeaderFlag(le.Uint32(hdrBuf[24:])),
	}
	if header.Magic != types.Magic64 {
		return nil, fmt.Errorf("bad magic %#x: not a 64-bit MachO", uint32(header.Magic))
	}

	opts := &Options{EmitPath: f.Name()}
	switch header.CPU {
	case types.CPUAmd64:
		opts.Arch = ArchX8664
	case types.CPUArm64:
		opts.Arch = ArchArm64
	default:
		return nil, fmt.Errorf("%w: cpu %#x", ErrUnsupportedArch, uint32(header.CPU))
	}
	opts.setDefaults()

	img := newImage(f, opts)
	img.header = header

	cmdData := make([]byte, header.SizeCommands)
	if _, err := f.ReadAt(cmdData, fileHeaderSize); err != nil {
		return nil, errors.Wrap(err, "failed to read load commands")
	}

	for i := uint32(0); i < header.NCommands; i++ {
		if len(cmdData) < 8 {
			return nil, fmt.Errorf("truncated load command %d", i)
		}
		cmd := types.LoadCmd(le.Uint32(cmdData))
		cmdSize := le.Uint32(cmdData[4:])
		if uint32(len(cmdData)) < cmdSize {
			return nil, fmt.Errorf("load command %d overruns the table", i)
		}
		raw := cmdData[:cmdSize]
		idx := len(img.loadCommands)

		switch cmd {
		case types.LC_SEGMENT_64:
			var seg types.Segment64
			r := bytes.NewReader(raw)
			if err := binary.Read(r, le, &seg); err != nil {
				return nil, errors.Wrap(err, "failed to decode LC_SEGMENT_64")
			}
			sc := &SegmentCommand{Segment64: seg}
			for s := uint32(0); s < seg.Nsect; s++ {
				var sect types.Section64
				if err := binary.Read(r, le, &sect); err != nil {
					return nil, errors.Wrap(err, "failed to decode section")
				}
				sc.Sections = append(sc.Sections, sect)
			}
			img.loadCommands = append(img.loadCommands, sc)

			switch sc.SegName() {
			case "__PAGEZERO":
				img.pagezeroSegmentCmdIndex = idx
			case "__TEXT":
				img.textSegmentCmdIndex = idx
				for s := range sc.Sections {
					switch cstring(sc.Sections[s].Name[:]) {
					case "__text":
						img.textSectionIndex = s
					case "__got":
						img.gotSectionIndex = s
					}
				}
			case "__LINKEDIT":
				img.linkeditSegmentCmdIndex = idx
			}
		case types.LC_SYMTAB:
			var st types.SymtabCmd
			if err := binary.Read(bytes.NewReader(raw), le, &st); err != nil {
				return nil, errors.Wrap(err, "failed to decode LC_SYMTAB")
			}
			img.symtabCmdIndex = idx
			img.loadCommands = append(img.loadCommands, &SymtabCommand{SymtabCmd: st})
		case types.LC_CODE_SIGNATURE:
			var cs types.CodeSignatureCmd
			if err := binary.Read(bytes.NewReader(raw), le, &cs); err != nil {
				return nil, errors.Wrap(err, "failed to decode LC_CODE_SIGNATURE")
			}
			img.codeSignatureCmdIndex = idx
			img.loadCommands = append(img.loadCommands, &CodeSignatureCommand{CodeSignatureCmd: cs})
		default:
			data := make([]byte, cmdSize)
			copy(data, raw)
			img.loadCommands = append(img.loadCommands, &RawCommand{Cmd: cmd, Data: data})
		}
		cmdData = cmdData[cmdSize:]
	}

	log.WithFields(log.Fields{
		"path":  f.Name(),
		"ncmds": header.NCommands,
	}).Debug("parsed MachO for in-place signing")

	return img, nil
}

// EnsureCodeSignature makes sure the image carries an LC_CODE_SIGNATURE
// command with reserved __LINKEDIT space, appending one when missing, then
// rewrites the command table and signs. Appending fails with
// ErrNotEnoughPadding when the bigger table would overflow into __text.
func (img *Image) EnsureCodeSignature() error {
	if img.textSegmentCmdIndex == -1 || img.textSectionIndex == -1 {
		return fmt.Errorf("no __TEXT,__text in input")
	}
	if img.linkeditSegmentCmdIndex == -1 {
		return fmt.Errorf("no __LINKEDIT in input")
	}

	if img.codeSignatureCmdIndex == -1 {
		csSize := uint64((&CodeSignatureCommand{}).Size())
		needed := fileHeaderSize + img.sizeofCmds() + csSize
		if needed > uint64(img.textSection().Offset) {
			return ErrNotEnoughPadding
		}
		img.codeSignatureCmdIndex = len(img.loadCommands)
		img.loadCommands = append(img.loadCommands, &CodeSignatureCommand{})
		img.cmdTableDirty = true
	}

	linkedit := img.linkeditSegment()
	off := utils.AlignTo(linkedit.Offset+linkedit.Filesz, 16)
	id := filepath.Base(img.opts.EmitPath)
	size := codesign.Estimate(off, id)

	cs := img.codeSignatureCmd()
	if cs.Offset != uint32(off) || cs.CodeSignatureCmd.Size != uint32(size) {
		cs.Offset = uint32(off)
		cs.CodeSignatureCmd.Size = uint32(size)
		img.cmdTableDirty = true
	}
	filesz := off + size - linkedit.Offset
	if linkedit.Filesz != filesz {
		linkedit.Filesz = filesz
		if vmsize := utils.AlignTo(filesz, img.pageSize); linkedit.Memsz < vmsize {
			linkedit.Memsz = vmsize
		}
		img.cmdTableDirty = true
	}

	if _, err := img.f.WriteAt([]byte{0}, int64(off+size-1)); err != nil {
		return errors.Wrap(err, "failed to reserve code signature space")
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
