package ld

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPadToIdeal(t *testing.T) {
	tests := []struct {
		in   uint64
		want uint64
	}{
		{0, 0},
		{3, 4},
		{16, 21},
		{64, 85},
		{math.MaxUint64, math.MaxUint64 / 3},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, padToIdeal(tt.in))
	}
}

func TestDetectAllocCollision(t *testing.T) {
	img, _ := newTestImage(t, ArchX8664)

	// The header always occupies the first 32 bytes.
	end, hit := img.detectAllocCollision(0, 16)
	require.True(t, hit)
	assert.Equal(t, uint64(fileHeaderSize), end)

	// Offsets inside the load-command area collide with it.
	end, hit = img.detectAllocCollision(fileHeaderSize, 16)
	require.True(t, hit)
	assert.Equal(t, uint64(fileHeaderSize)+padToIdeal(img.sizeofCmds()), end)

	// The reserved __text zone is protected with 4/3 slack.
	text := img.textSection()
	_, hit = img.detectAllocCollision(uint64(text.Offset), 16)
	require.True(t, hit)

	// Far past every occupant there is no collision.
	_, hit = img.detectAllocCollision(0x10000000, 16)
	assert.False(t, hit)
}

func TestFindFreeSpaceSkipsOccupants(t *testing.T) {
	img, _ := newTestImage(t, ArchX8664)

	off := img.findFreeSpace(0x100, img.pageSize)

	// The result lands past __text's inflated reservation and the GOT.
	text := img.textSection()
	gotEnd := uint64(img.gotSection().Offset) + padToIdeal(img.gotSection().Size)
	textEnd := uint64(text.Offset) + padToIdeal(text.Size)
	assert.GreaterOrEqual(t, off, textEnd)
	assert.GreaterOrEqual(t, off, gotEnd)
	assert.Zero(t, off%img.pageSize)

	_, hit := img.detectAllocCollision(off, 0x100)
	assert.False(t, hit)
}

func TestAllocatedSize(t *testing.T) {
	img, _ := newTestImage(t, ArchX8664)

	text := img.textSection()
	got := img.gotSection()

	// The gap from __text's offset runs up to the GOT.
	assert.Equal(t, uint64(got.Offset)-uint64(text.Offset), img.allocatedSize(uint64(text.Offset)))

	// Offset 0 is the header.
	assert.Equal(t, uint64(0), img.allocatedSize(0))
}
