package ld

import (
	"fmt"
	"math"

	"github.com/apex/log"
	"github.com/blacktop/macho-ld/internal/utils"
)

// A TextBlock is one declaration's slice of __text. Blocks form a doubly
// linked list threaded through the section in ascending vm-address order;
// the decl record owns the block, the image only follows the links. A
// block's address lives in its local symbol's n_value.
type TextBlock struct {
	// LocalSymIndex is the block's slot in the local symbol table.
	// 0 means unassigned, since index 0 is the permanent null symbol.
	LocalSymIndex    uint32
	OffsetTableIndex uint32

	// Size in bytes of the decl's code. Not encoded in the nlist.
	Size uint64

	prev *TextBlock
	next *TextBlock
}

// Addr is the block's vm-address.
func (tb *TextBlock) Addr(img *Image) uint64 {
	return img.localSymbols[tb.LocalSymIndex].Value
}

// capacity is how far the block can grow before hitting its successor.
// The final block owns the rest of the address space.
func (tb *TextBlock) capacity(img *Image) uint64 {
	if tb.next != nil {
		return tb.next.Addr(img) - tb.Addr(img)
	}
	return math.MaxUint64 - tb.Addr(img)
}

// freeListEligible reports whether the block's surplus over its ideal
// capacity is big enough to be worth advertising on the free list.
func (tb *TextBlock) freeListEligible(img *Image) bool {
	// No need to keep a free list node for the last block.
	next := tb.next
	if next == nil {
		return false
	}
	cap := next.Addr(img) - tb.Addr(img)
	ideal := padToIdeal(tb.Size)
	if cap <= ideal {
		return false
	}
	return cap-ideal >= minTextCapacity
}

func (img *Image) blockInFreeList(tb *TextBlock) bool {
	for _, b := range img.textBlockFreeList {
		if b == tb {
			return true
		}
	}
	return false
}

func (img *Image) removeBlockFromFreeList(tb *TextBlock) {
	for i, b := range img.textBlockFreeList {
		if b == tb {
			img.textBlockFreeList = append(img.textBlockFreeList[:i], img.textBlockFreeList[i+1:]...)
			return
		}
	}
}

func (img *Image) unlinkTextBlock(tb *TextBlock) {
	if tb.prev != nil {
		tb.prev.next = tb.next
	}
	if tb.next != nil {
		tb.next.prev = tb.prev
	}
	if img.lastTextBlock == tb {
		img.lastTextBlock = tb.prev
	}
	tb.prev = nil
	tb.next = nil
}

// allocateTextBlock finds a vm-address inside __text where newSize bytes
// can live with ideal growth capacity. Candidates come from the free list
// first, then the tail, then the empty section.
func (img *Image) allocateTextBlock(tb *TextBlock, newSize, align uint64) (uint64, error) {
	text := img.textSection()
	idealCapacity := padToIdeal(newSize)

	// A block being relocated is detached first; its predecessor inherits
	// the vacated capacity and may become worth advertising.
	if tb.prev != nil || tb.next != nil || img.lastTextBlock == tb {
		img.removeBlockFromFreeList(tb)
		prev := tb.prev
		img.unlinkTextBlock(tb)
		if prev != nil && !img.blockInFreeList(prev) && prev.freeListEligible(img) {
			img.textBlockFreeList = append(img.textBlockFreeList, prev)
		}
	}

	var vaddr uint64
	var placedAfter *TextBlock
	found := false

	i := 0
	for i < len(img.textBlockFreeList) {
		big := img.textBlockFreeList[i]
		if big.next == nil {
			// Stale entry: the block became the tail after its old
			// successor went away.
			img.textBlockFreeList = append(img.textBlockFreeList[:i], img.textBlockFreeList[i+1:]...)
			continue
		}
		cap := big.capacity(img)
		idealEnd := big.Addr(img) + padToIdeal(big.Size)
		capEnd := big.Addr(img) + cap
		var candidate uint64
		if capEnd >= idealCapacity {
			candidate = utils.AlignDown(capEnd-idealCapacity, align)
		}
		if candidate < idealEnd {
			// The big block grew since it was listed; it no longer
			// fits a new neighbour.
			if !big.freeListEligible(img) {
				img.textBlockFreeList = append(img.textBlockFreeList[:i], img.textBlockFreeList[i+1:]...)
			} else {
				i++
			}
			continue
		}
		vaddr = candidate
		placedAfter = big
		if candidate-idealEnd < minTextCapacity {
			img.textBlockFreeList = append(img.textBlockFreeList[:i], img.textBlockFreeList[i+1:]...)
		}
		found = true
		break
	}
	if !found {
		if last := img.lastTextBlock; last != nil {
			vaddr = utils.AlignTo(last.Addr(img)+padToIdeal(last.Size), align)
			placedAfter = last
		} else {
			vaddr = text.Addr
		}
	}

	if placedAfter != nil {
		tb.next = placedAfter.next
		if tb.next != nil {
			tb.next.prev = tb
		}
		tb.prev = placedAfter
		placedAfter.next = tb
	}

	if tb.next == nil {
		neededSize := (vaddr + newSize) - text.Addr
		if neededSize > img.allocatedSize(uint64(text.Offset)) {
			// TODO: relocate every block and rewrite the section at a
			// larger file offset instead of failing.
			return 0, fmt.Errorf("could not grow __text to %#x bytes: must move the entire text section", neededSize)
		}
		text.Size = neededSize
		img.lastTextBlock = tb
	}
	img.cmdTableDirty = true

	log.Debugf("allocated text block at 0x%x (size %#x, align %d)", vaddr, newSize, align)
	return vaddr, nil
}

// growTextBlock keeps the block in place when its capacity and alignment
// already allow newSize, and relocates it otherwise. The caller must
// rewrite the block's offset-table slot when the address changes.
func (img *Image) growTextBlock(tb *TextBlock, newSize, align uint64) (uint64, error) {
	addr := tb.Addr(img)
	if utils.AlignDown(addr, align) == addr && newSize <= tb.capacity(img) {
		return addr, nil
	}
	return img.allocateTextBlock(tb, newSize, align)
}

// shrinkTextBlock is currently a no-op.
// TODO: push a free-list node for the shrinking block once the surplus
// crosses minTextCapacity.
func (img *Image) shrinkTextBlock(tb *TextBlock, newSize uint64) {
	_ = tb
	_ = newSize
}

// freeTextBlock unlinks the block and hands its capacity to the
// predecessor. The free list is a heuristic: duplicates would be harmless
// and omissions merely lose a reclaim opportunity.
func (img *Image) freeTextBlock(tb *TextBlock) {
	img.removeBlockFromFreeList(tb)

	alreadyHavePrev := tb.prev != nil && img.blockInFreeList(tb.prev)
	prev := tb.prev

	img.unlinkTextBlock(tb)

	if prev != nil && !alreadyHavePrev && prev.freeListEligible(img) {
		img.textBlockFreeList = append(img.textBlockFreeList, prev)
		log.Debugf("freed text block; predecessor at 0x%x joins the free list", prev.Addr(img))
	}
}
