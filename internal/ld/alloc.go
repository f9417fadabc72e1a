package ld

import (
	"math"

	"github.com/blacktop/macho-ld/internal/utils"
)

// Every allocation is padded to 4/3 of its size so neighbours have room to
// grow in place before anything has to move.
const (
	allocNum = 4
	allocDen = 3
)

func padToIdeal(size uint64) uint64 {
	return utils.SatMul(size, allocNum) / allocDen
}

// minTextCapacity is the smallest surplus worth tracking on the text-block
// free list.
const minTextCapacity = 64 * allocNum / allocDen

// detectAllocCollision checks the proposed file range [start,
// start+size*4/3) against every occupied region: the header, the
// tight-packed load-command area, each section, the export trie, the
// symbol table and the string table (each but the header likewise
// inflated by 4/3). It
// returns the file offset just past the first conflicting region.
func (img *Image) detectAllocCollision(start, size uint64) (uint64, bool) {
	const hdrSize = uint64(fileHeaderSize)
	if start < hdrSize {
		return hdrSize, true
	}

	end := utils.SatAdd(start, padToIdeal(size))

	cmdEnd := hdrSize + padToIdeal(img.sizeofCmds())
	if start < cmdEnd {
		return cmdEnd, true
	}

	collides := func(off, sz uint64) (uint64, bool) {
		occEnd := utils.SatAdd(off, padToIdeal(sz))
		if start < occEnd && end > off {
			return occEnd, true
		}
		return 0, false
	}

	for _, cmd := range img.loadCommands {
		seg, ok := cmd.(*SegmentCommand)
		if !ok {
			continue
		}
		for i := range seg.Sections {
			sect := &seg.Sections[i]
			if occEnd, hit := collides(uint64(sect.Offset), sect.Size); hit {
				return occEnd, true
			}
		}
	}
	if img.dyldInfoCmdIndex != -1 {
		if di := img.dyldInfoCmd(); di.ExportSize > 0 {
			if occEnd, hit := collides(uint64(di.ExportOff), uint64(di.ExportSize)); hit {
				return occEnd, true
			}
		}
	}
	if img.symtabCmdIndex != -1 {
		st := img.symtabCmd()
		if st.Nsyms > 0 {
			if occEnd, hit := collides(uint64(st.Symoff), uint64(st.Nsyms)*nlistSize); hit {
				return occEnd, true
			}
		}
		if st.Strsize > 0 {
			if occEnd, hit := collides(uint64(st.Stroff), uint64(st.Strsize)); hit {
				return occEnd, true
			}
		}
	}
	return 0, false
}

// allocatedSize returns the distance from start to the next higher
// occupied file offset, or 0 when start is 0 (the header).
func (img *Image) allocatedSize(start uint64) uint64 {
	if start == 0 {
		return 0
	}
	min := uint64(math.MaxUint64)
	consider := func(off uint64) {
		if off > start && off < min {
			min = off
		}
	}
	for _, cmd := range img.loadCommands {
		seg, ok := cmd.(*SegmentCommand)
		if !ok {
			continue
		}
		for i := range seg.Sections {
			consider(uint64(seg.Sections[i].Offset))
		}
	}
	if img.dyldInfoCmdIndex != -1 {
		if di := img.dyldInfoCmd(); di.ExportSize > 0 {
			consider(uint64(di.ExportOff))
		}
	}
	if img.symtabCmdIndex != -1 {
		st := img.symtabCmd()
		if st.Nsyms > 0 {
			consider(uint64(st.Symoff))
		}
		if st.Strsize > 0 {
			consider(uint64(st.Stroff))
		}
	}
	return min - start
}

// findFreeSpace walks the file from offset 0, skipping past every
// collision, until size bytes (plus growth padding) fit.
func (img *Image) findFreeSpace(size, align uint64) uint64 {
	var start uint64
	for {
		end, hit := img.detectAllocCollision(start, size)
		if !hit {
			break
		}
		start = utils.AlignTo(end, align)
	}
	return start
}
