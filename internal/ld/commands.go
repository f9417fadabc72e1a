package ld

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/blacktop/go-macho/types"
	"github.com/blacktop/macho-ld/internal/utils"
)

const (
	fileHeaderSize     = 32
	segmentCommandSize = 72
	sectionSize        = 80
	nlistSize          = 16
)

// A LoadCommand is one entry in the image's load-command table. Commands
// serialize themselves so the table can be rewritten wholesale whenever
// cmdTableDirty is set.
type LoadCommand interface {
	Command() types.LoadCmd
	Size() uint32
	Write(buf *bytes.Buffer, o binary.ByteOrder) error
}

// SegmentCommand is an LC_SEGMENT_64 command together with its sections.
type SegmentCommand struct {
	types.Segment64
	Sections []types.Section64
}

func newSegmentCommand(name string, addr, vmsize uint64, maxprot, prot types.VmProtection) *SegmentCommand {
	return &SegmentCommand{
		Segment64: types.Segment64{
			LoadCmd: types.LC_SEGMENT_64,
			Len:     segmentCommandSize,
			Name:    makeStaticString(name),
			Addr:    addr,
			Memsz:   vmsize,
			Maxprot: maxprot,
			Prot:    prot,
		},
	}
}

func (s *SegmentCommand) Command() types.LoadCmd { return types.LC_SEGMENT_64 }

func (s *SegmentCommand) Size() uint32 {
	return segmentCommandSize + uint32(len(s.Sections))*sectionSize
}

func (s *SegmentCommand) SegName() string { return cstring(s.Name[:]) }

func (s *SegmentCommand) Write(buf *bytes.Buffer, o binary.ByteOrder) error {
	s.Len = s.Size()
	s.Nsect = uint32(len(s.Sections))
	if err := binary.Write(buf, o, s.Segment64); err != nil {
		return fmt.Errorf("failed to write %s segment command: %v", s.SegName(), err)
	}
	for i := range s.Sections {
		if err := binary.Write(buf, o, s.Sections[i]); err != nil {
			return fmt.Errorf("failed to write section %d of %s: %v", i, s.SegName(), err)
		}
	}
	return nil
}

// SymtabCommand is the mutable LC_SYMTAB command.
type SymtabCommand struct {
	types.SymtabCmd
}

func (s *SymtabCommand) Command() types.LoadCmd { return types.LC_SYMTAB }
func (s *SymtabCommand) Size() uint32           { return uint32(binary.Size(s.SymtabCmd)) }
func (s *SymtabCommand) Write(buf *bytes.Buffer, o binary.ByteOrder) error {
	s.LoadCmd = types.LC_SYMTAB
	s.Len = s.Size()
	return binary.Write(buf, o, s.SymtabCmd)
}

// DysymtabCommand is the mutable LC_DYSYMTAB command.
type DysymtabCommand struct {
	types.DysymtabCmd
}

func (d *DysymtabCommand) Command() types.LoadCmd { return types.LC_DYSYMTAB }
func (d *DysymtabCommand) Size() uint32           { return uint32(binary.Size(d.DysymtabCmd)) }
func (d *DysymtabCommand) Write(buf *bytes.Buffer, o binary.ByteOrder) error {
	d.LoadCmd = types.LC_DYSYMTAB
	d.Len = d.Size()
	return binary.Write(buf, o, d.DysymtabCmd)
}

// DyldInfoCommand is the mutable LC_DYLD_INFO_ONLY command. Only the export
// trie range is ever populated.
type DyldInfoCommand struct {
	types.DyldInfoOnlyCmd
}

func (d *DyldInfoCommand) Command() types.LoadCmd { return types.LC_DYLD_INFO_ONLY }
func (d *DyldInfoCommand) Size() uint32           { return uint32(binary.Size(d.DyldInfoOnlyCmd)) }
func (d *DyldInfoCommand) Write(buf *bytes.Buffer, o binary.ByteOrder) error {
	d.LoadCmd = types.LC_DYLD_INFO_ONLY
	d.Len = d.Size()
	return binary.Write(buf, o, d.DyldInfoOnlyCmd)
}

// EntryPointCommand is the mutable LC_MAIN command.
type EntryPointCommand struct {
	types.EntryPointCmd
}

func (e *EntryPointCommand) Command() types.LoadCmd { return types.LC_MAIN }
func (e *EntryPointCommand) Size() uint32           { return uint32(binary.Size(e.EntryPointCmd)) }
func (e *EntryPointCommand) Write(buf *bytes.Buffer, o binary.ByteOrder) error {
	e.LoadCmd = types.LC_MAIN
	e.Len = e.Size()
	return binary.Write(buf, o, e.EntryPointCmd)
}

// CodeSignatureCommand is the mutable LC_CODE_SIGNATURE command.
type CodeSignatureCommand struct {
	types.CodeSignatureCmd
}

func (c *CodeSignatureCommand) Command() types.LoadCmd { return types.LC_CODE_SIGNATURE }
func (c *CodeSignatureCommand) Size() uint32           { return uint32(binary.Size(c.CodeSignatureCmd)) }
func (c *CodeSignatureCommand) Write(buf *bytes.Buffer, o binary.ByteOrder) error {
	c.LoadCmd = types.LC_CODE_SIGNATURE
	c.Len = c.Size()
	return binary.Write(buf, o, c.CodeSignatureCmd)
}

// DylinkerCommand is LC_LOAD_DYLINKER with its trailing path string.
type DylinkerCommand struct {
	Name string
}

func (d *DylinkerCommand) Command() types.LoadCmd { return types.LC_LOAD_DYLINKER }

func (d *DylinkerCommand) Size() uint32 {
	return uint32(utils.AlignTo(uint64(12+len(d.Name)+1), 8))
}

func (d *DylinkerCommand) Write(buf *bytes.Buffer, o binary.ByteOrder) error {
	size := d.Size()
	var hdr [12]byte
	o.PutUint32(hdr[0:], uint32(types.LC_LOAD_DYLINKER))
	o.PutUint32(hdr[4:], size)
	o.PutUint32(hdr[8:], 12) // name offset
	buf.Write(hdr[:])
	buf.WriteString(d.Name)
	for i := uint32(12 + len(d.Name)); i < size; i++ {
		buf.WriteByte(0)
	}
	return nil
}

// DylibCommand is LC_LOAD_DYLIB with its trailing path string.
type DylibCommand struct {
	Name           string
	Timestamp      uint32
	CurrentVersion uint32
	CompatVersion  uint32
}

func (d *DylibCommand) Command() types.LoadCmd { return types.LC_LOAD_DYLIB }

func (d *DylibCommand) Size() uint32 {
	return uint32(utils.AlignTo(uint64(24+len(d.Name)+1), 8))
}

func (d *DylibCommand) Write(buf *bytes.Buffer, o binary.ByteOrder) error {
	size := d.Size()
	var hdr [24]byte
	o.PutUint32(hdr[0:], uint32(types.LC_LOAD_DYLIB))
	o.PutUint32(hdr[4:], size)
	o.PutUint32(hdr[8:], 24) // name offset
	o.PutUint32(hdr[12:], d.Timestamp)
	o.PutUint32(hdr[16:], d.CurrentVersion)
	o.PutUint32(hdr[20:], d.CompatVersion)
	buf.Write(hdr[:])
	buf.WriteString(d.Name)
	for i := uint32(24 + len(d.Name)); i < size; i++ {
		buf.WriteByte(0)
	}
	return nil
}

// VersionMinCommand is one of the LC_VERSION_MIN_* family.
type VersionMinCommand struct {
	Cmd     types.LoadCmd
	Version uint32
	Sdk     uint32
}

func (v *VersionMinCommand) Command() types.LoadCmd { return v.Cmd }
func (v *VersionMinCommand) Size() uint32           { return 16 }
func (v *VersionMinCommand) Write(buf *bytes.Buffer, o binary.ByteOrder) error {
	var b [16]byte
	o.PutUint32(b[0:], uint32(v.Cmd))
	o.PutUint32(b[4:], 16)
	o.PutUint32(b[8:], v.Version)
	o.PutUint32(b[12:], v.Sdk)
	buf.Write(b[:])
	return nil
}

// SourceVersionCommand is LC_SOURCE_VERSION.
type SourceVersionCommand struct {
	Version uint64
}

func (s *SourceVersionCommand) Command() types.LoadCmd { return types.LC_SOURCE_VERSION }
func (s *SourceVersionCommand) Size() uint32           { return 16 }
func (s *SourceVersionCommand) Write(buf *bytes.Buffer, o binary.ByteOrder) error {
	var b [16]byte
	o.PutUint32(b[0:], uint32(types.LC_SOURCE_VERSION))
	o.PutUint32(b[4:], 16)
	o.PutUint64(b[8:], s.Version)
	buf.Write(b[:])
	return nil
}

// UUIDCommand is LC_UUID. The UUID starts zeroed and stays stable across
// incremental updates so unchanged flushes stay byte-identical.
type UUIDCommand struct {
	UUID [16]byte
}

func (u *UUIDCommand) Command() types.LoadCmd { return types.LC_UUID }
func (u *UUIDCommand) Size() uint32           { return 24 }
func (u *UUIDCommand) Write(buf *bytes.Buffer, o binary.ByteOrder) error {
	var b [8]byte
	o.PutUint32(b[0:], uint32(types.LC_UUID))
	o.PutUint32(b[4:], 24)
	buf.Write(b[:])
	buf.Write(u.UUID[:])
	return nil
}

// RawCommand preserves a load command the parser does not model so the
// table can be rewritten losslessly.
type RawCommand struct {
	Cmd  types.LoadCmd
	Data []byte // complete command, header included
}

func (r *RawCommand) Command() types.LoadCmd { return r.Cmd }
func (r *RawCommand) Size() uint32           { return uint32(len(r.Data)) }
func (r *RawCommand) Write(buf *bytes.Buffer, o binary.ByteOrder) error {
	buf.Write(r.Data)
	return nil
}

func makeStaticString(s string) [16]byte {
	var b [16]byte
	copy(b[:], s)
	return b
}

func cstring(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
