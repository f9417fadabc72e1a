package ld

import (
	"fmt"
	"os"

	"github.com/blacktop/go-macho/types"
)

// Arch is the target CPU architecture. Only the two 64-bit Darwin
// architectures are supported.
type Arch int

const (
	ArchX8664 Arch = iota
	ArchArm64
)

func (a Arch) String() string {
	switch a {
	case ArchX8664:
		return "x86_64"
	case ArchArm64:
		return "arm64"
	}
	return "unknown"
}

// ParseArch parses the architecture component of a target triple.
func ParseArch(s string) (Arch, error) {
	switch s {
	case "x86_64", "amd64":
		return ArchX8664, nil
	case "aarch64", "arm64":
		return ArchArm64, nil
	}
	return 0, fmt.Errorf("%w: %s", ErrUnsupportedArch, s)
}

// OS is the target Darwin flavor, used to pick the LC_VERSION_MIN_* kind.
type OS int

const (
	OSMacOS OS = iota
	OSiOS
	OSTvOS
	OSWatchOS
)

// OSVersion is the minimum deployment version encoded into
// LC_VERSION_MIN_* as (major<<16)|(minor<<8)|patch.
type OSVersion struct {
	Major int
	Minor int
	Patch int
}

func (v OSVersion) encode() uint32 {
	return uint32(v.Major)<<16 | uint32(v.Minor)<<8 | uint32(v.Patch)
}

// OutputMode selects what kind of artifact the image produces.
type OutputMode int

const (
	OutputModeExe OutputMode = iota
	OutputModeObj
	OutputModeLib
)

// Options configures an output image. The zero value is not usable; call
// setDefaults (done by Open) or fill the hint fields explicitly.
type Options struct {
	Arch       Arch
	OS         OS
	OSVersion  OSVersion
	OutputMode OutputMode

	// EmitPath is the output file path. Its basename doubles as the
	// code-signature identifier.
	EmitPath string

	// ProgramCodeSizeHint reserves file space for __text at image birth.
	ProgramCodeSizeHint uint64
	// SymbolCountHint sizes the initial __got reservation (8 bytes per
	// expected symbol).
	SymbolCountHint uint64

	// UseSystemLinker routes Flush through an external full link followed
	// by ad-hoc signature injection.
	UseSystemLinker bool
	SysLibRoot      string
	Objects         []string

	FileMode os.FileMode
}

func (o *Options) setDefaults() {
	if o.ProgramCodeSizeHint == 0 {
		o.ProgramCodeSizeHint = 256 * 1024
	}
	if o.SymbolCountHint == 0 {
		o.SymbolCountHint = 16
	}
	if o.FileMode == 0 {
		if o.OutputMode == OutputModeExe {
			o.FileMode = 0o755
		} else {
			o.FileMode = 0o644
		}
	}
	if o.OSVersion == (OSVersion{}) {
		o.OSVersion = OSVersion{Major: 10, Minor: 13}
	}
}

func (o *Options) pageSize() uint64 {
	if o.Arch == ArchArm64 {
		return 0x4000
	}
	return 0x1000
}

func (o *Options) cpu() (types.CPU, types.CPUSubtype) {
	if o.Arch == ArchArm64 {
		return types.CPUArm64, types.CPUSubtypeArm64All
	}
	return types.CPUAmd64, types.CPUSubtypeX8664All
}

func (o *Options) versionMinLoadCmd() types.LoadCmd {
	switch o.OS {
	case OSiOS:
		return types.LC_VERSION_MIN_IPHONEOS
	case OSTvOS:
		return types.LC_VERSION_MIN_TVOS
	case OSWatchOS:
		return types.LC_VERSION_MIN_WATCHOS
	}
	return types.LC_VERSION_MIN_MACOSX
}
