package ld

// The types in this file model the linker's upstream collaborators: the
// declaration database and the per-decl code generator. The module owns
// decl and export records; the image links the decls' text blocks by
// pointer and otherwise holds indices into its own tables for them.

// Linkage is an export's linkage kind.
type Linkage int

const (
	LinkageInternal Linkage = iota
	LinkageStrong
	LinkageWeak
	LinkageLinkOnce
)

// A PieFixup asks the linker to patch a PC-relative reference to an
// absolute target vm-address into freshly generated code. It only lives
// for the duration of a single UpdateDecl call.
type PieFixup struct {
	// Target is the absolute vm-address being referenced.
	Target uint64
	// Offset of the fixup region within the decl's code.
	Offset uint64
	// Len of the fixup region; always 4 on arm64.
	Len uint64
}

// CodeGenFn produces machine code for a decl, plus any PIE fixups the
// linker must apply before the bytes hit the file.
type CodeGenFn func(d *Decl) ([]byte, []PieFixup, error)

// A Decl is one top-level declaration as the frontend sees it. The decl
// record owns its text block.
type Decl struct {
	Name string
	// Align is the code's required alignment, from the decl's type.
	Align uint64

	Block TextBlock

	Gen CodeGenFn
}

// An Export is a module-level export record pointing at a decl.
type Export struct {
	Name    string
	Linkage Linkage
	// Section optionally pins the export to a section; anything other
	// than __text is unsupported.
	Section string

	globalSymIndex int
}

// NewExport returns an export with no global symbol slot assigned yet.
func NewExport(name string, linkage Linkage) *Export {
	return &Export{Name: name, Linkage: linkage, globalSymIndex: -1}
}

// GlobalSymIndex returns the export's slot in the global symbol table, if
// one has been assigned by UpdateDeclExports.
func (e *Export) GlobalSymIndex() (uint32, bool) {
	if e.globalSymIndex < 0 {
		return 0, false
	}
	return uint32(e.globalSymIndex), true
}

// A Module is the decl database. Per-entity failures are recorded here and
// skipped rather than aborting the link.
type Module struct {
	Decls       []*Decl
	DeclExports map[*Decl][]*Export

	FailedDecls   map[*Decl]string
	FailedExports map[*Export]string
}

func NewModule() *Module {
	return &Module{
		DeclExports:   make(map[*Decl][]*Export),
		FailedDecls:   make(map[*Decl]string),
		FailedExports: make(map[*Export]string),
	}
}

// AddDecl registers a new decl with its code generator.
func (m *Module) AddDecl(name string, align uint64, gen CodeGenFn) *Decl {
	d := &Decl{Name: name, Align: align, Gen: gen}
	m.Decls = append(m.Decls, d)
	return d
}

// SetExports replaces the export list for a decl.
func (m *Module) SetExports(d *Decl, exports ...*Export) {
	m.DeclExports[d] = exports
}
