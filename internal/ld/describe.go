package ld

// SectionInfo is a read-only view of one section, for tooling.
type SectionInfo struct {
	Name   string
	Addr   uint64
	Size   uint64
	Offset uint32
}

// SegmentInfo is a read-only view of one segment, for tooling.
type SegmentInfo struct {
	Name     string
	Addr     uint64
	VMSize   uint64
	Offset   uint64
	FileSize uint64
	Sections []SectionInfo
}

// Segments summarizes the image's segment commands in table order.
func (img *Image) Segments() []SegmentInfo {
	var out []SegmentInfo
	for _, cmd := range img.loadCommands {
		seg, ok := cmd.(*SegmentCommand)
		if !ok {
			continue
		}
		info := SegmentInfo{
			Name:     seg.SegName(),
			Addr:     seg.Addr,
			VMSize:   seg.Memsz,
			Offset:   seg.Offset,
			FileSize: seg.Filesz,
		}
		for i := range seg.Sections {
			sect := &seg.Sections[i]
			info.Sections = append(info.Sections, SectionInfo{
				Name:   cstring(sect.Name[:]),
				Addr:   sect.Addr,
				Size:   sect.Size,
				Offset: sect.Offset,
			})
		}
		out = append(out, info)
	}
	return out
}

// NumLoadCommands returns the current load-command count.
func (img *Image) NumLoadCommands() int { return len(img.loadCommands) }

// CodeSignature returns the signature blob's file range, if the image
// carries an LC_CODE_SIGNATURE command.
func (img *Image) CodeSignature() (off, size uint32, ok bool) {
	if img.codeSignatureCmdIndex == -1 {
		return 0, 0, false
	}
	cs := img.codeSignatureCmd()
	return cs.Offset, cs.CodeSignatureCmd.Size, true
}
