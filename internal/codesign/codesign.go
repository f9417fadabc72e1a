// Package codesign builds ad-hoc Mach-O code signatures: a SuperBlob
// wrapping a single CodeDirectory whose slots hash every page of the image
// up to the signature itself. No certificate chain is involved.
package codesign

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
)

const (
	// PageSize is the hashing granule; code signing always uses 4K pages
	// regardless of the image's vm page size.
	PageSize     = 4096
	pageSizeLog2 = 12

	magicEmbeddedSignature = 0xfade0cc0
	magicCodeDirectory     = 0xfade0c02

	slotCodeDirectory = 0

	hashTypeSHA256 = 2
	// HashSize is the byte length of one SHA-256 code slot.
	HashSize = 32

	cdVersion = 0x20400

	flagAdhoc = 0x2

	execSegMainBinary = 0x1
)

type superBlob struct {
	Magic  uint32
	Length uint32
	Count  uint32
}

type blobIndex struct {
	Type   uint32
	Offset uint32
}

type codeDirectory struct {
	Magic         uint32
	Length        uint32
	Version       uint32
	Flags         uint32
	HashOffset    uint32
	IdentOffset   uint32
	NSpecialSlots uint32
	NCodeSlots    uint32
	CodeLimit     uint32
	HashSize      uint8
	HashType      uint8
	Platform      uint8
	PageSize      uint8
	Spare2        uint32
	ScatterOffset uint32
	TeamOffset    uint32
	Spare3        uint32
	CodeLimit64   uint64
	ExecSegBase   uint64
	ExecSegLimit  uint64
	ExecSegFlags  uint64
}

func nCodeSlots(codeLimit uint64) uint64 {
	return (codeLimit + PageSize - 1) / PageSize
}

// Estimate returns the byte size of an ad-hoc signature covering codeLimit
// bytes with the given identifier. The writer reserves exactly this much
// __LINKEDIT space before signing.
func Estimate(codeLimit uint64, id string) uint64 {
	fixed := uint64(binary.Size(superBlob{})) +
		uint64(binary.Size(blobIndex{})) +
		uint64(binary.Size(codeDirectory{}))
	return fixed + uint64(len(id)+1) + nCodeSlots(codeLimit)*HashSize
}

// Sign reads codeLimit bytes from r, hashes them page by page and returns
// the serialized SuperBlob. execSegBase/execSegLimit describe the __TEXT
// segment's file range.
func Sign(r io.Reader, codeLimit uint64, id string, execSegBase, execSegLimit uint64) ([]byte, error) {
	ident := append([]byte(id), 0)

	cdHeaderSize := uint32(binary.Size(codeDirectory{}))
	slots := uint32(nCodeSlots(codeLimit))
	cdLength := cdHeaderSize + uint32(len(ident)) + slots*HashSize

	sbHeaderSize := uint32(binary.Size(superBlob{}))
	indexSize := uint32(binary.Size(blobIndex{}))
	sbLength := sbHeaderSize + indexSize + cdLength

	var buf bytes.Buffer
	// All code-signing structures are big-endian.
	if err := binary.Write(&buf, binary.BigEndian, superBlob{
		Magic:  magicEmbeddedSignature,
		Length: sbLength,
		Count:  1,
	}); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, blobIndex{
		Type:   slotCodeDirectory,
		Offset: sbHeaderSize + indexSize,
	}); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, codeDirectory{
		Magic:         magicCodeDirectory,
		Length:        cdLength,
		Version:       cdVersion,
		Flags:         flagAdhoc,
		HashOffset:    cdHeaderSize + uint32(len(ident)),
		IdentOffset:   cdHeaderSize,
		NCodeSlots:    slots,
		CodeLimit:     uint32(codeLimit),
		HashSize:      HashSize,
		HashType:      hashTypeSHA256,
		PageSize:      pageSizeLog2,
		CodeLimit64:   codeLimit,
		ExecSegBase:   execSegBase,
		ExecSegLimit:  execSegLimit,
		ExecSegFlags:  execSegMainBinary,
	}); err != nil {
		return nil, err
	}
	buf.Write(ident)

	remaining := codeLimit
	page := make([]byte, PageSize)
	for remaining > 0 {
		n := uint64(PageSize)
		if remaining < n {
			n = remaining
		}
		if _, err := io.ReadFull(r, page[:n]); err != nil {
			return nil, fmt.Errorf("failed to read page for hashing: %v", err)
		}
		hash := sha256.Sum256(page[:n])
		buf.Write(hash[:])
		remaining -= n
	}

	return buf.Bytes(), nil
}

// Hashes re-derives the per-page SHA-256 slots for codeLimit bytes of r,
// for signature verification.
func Hashes(r io.Reader, codeLimit uint64) ([][HashSize]byte, error) {
	var out [][HashSize]byte
	remaining := codeLimit
	page := make([]byte, PageSize)
	for remaining > 0 {
		n := uint64(PageSize)
		if remaining < n {
			n = remaining
		}
		if _, err := io.ReadFull(r, page[:n]); err != nil {
			return nil, err
		}
		out = append(out, sha256.Sum256(page[:n]))
		remaining -= n
	}
	return out, nil
}
