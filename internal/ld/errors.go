package ld

import "errors"

var (
	// ErrUnsupportedArch is returned for any architecture other than
	// x86_64 and arm64.
	ErrUnsupportedArch = errors.New("unsupported MachO architecture")
	// ErrWritingObjFiles names the unimplemented MH_OBJECT output. Open
	// and FlushModule do not return it: in object mode FlushModule writes
	// only the header and load commands.
	// TODO: implement writing MH_OBJECT relocatable files.
	ErrWritingObjFiles = errors.New("writing object files is not implemented")
	// ErrWritingLibFiles is returned when dylib output is requested.
	// TODO: implement writing MH_DYLIB files.
	ErrWritingLibFiles = errors.New("writing library files is not implemented")
	// ErrNotEnoughPadding is returned when the load-command table cannot
	// grow without overwriting the start of __text.
	ErrNotEnoughPadding = errors.New("not enough padding between load commands and start of __text")
)

// ErrorFlags accumulates non-fatal link conditions the driver can inspect
// after a flush.
type ErrorFlags struct {
	NoEntryPointFound bool
}
