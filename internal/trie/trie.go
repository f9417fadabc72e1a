// Package trie serializes Mach-O export tries. The dyld shared-cache
// tooling ecosystem only ships parsers for this format, so the writer side
// lives here; the encoding mirrors what dyld's walker expects: each node is
// a ULEB128-sized terminal payload followed by edge labels and ULEB128
// child offsets.
package trie

import (
	"bytes"
	"fmt"
)

// An Export is one exported symbol: its name, its vm offset from the image
// base and its dyld export flags (0 for a plain regular export).
type Export struct {
	Name   string
	Offset uint64
	Flags  uint64
}

type edge struct {
	label string
	child *node
}

type node struct {
	terminal bool
	offset   uint64
	flags    uint64

	edges []edge

	trieOffset uint64
}

func (n *node) insert(name string, offset, flags uint64) error {
	if name == "" {
		if n.terminal {
			return fmt.Errorf("duplicate export")
		}
		n.terminal = true
		n.offset = offset
		n.flags = flags
		return nil
	}
	for i := range n.edges {
		e := &n.edges[i]
		common := commonPrefixLen(e.label, name)
		if common == 0 {
			continue
		}
		if common == len(e.label) {
			return e.child.insert(name[common:], offset, flags)
		}
		// Split the edge at the divergence point.
		mid := &node{}
		mid.edges = append(mid.edges, edge{label: e.label[common:], child: e.child})
		e.label = e.label[:common]
		e.child = mid
		return mid.insert(name[common:], offset, flags)
	}
	leaf := &node{terminal: true, offset: offset, flags: flags}
	n.edges = append(n.edges, edge{label: name, child: leaf})
	return nil
}

func commonPrefixLen(a, b string) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return i
		}
	}
	return n
}

func ulebLen(v uint64) uint64 {
	n := uint64(1)
	for v >= 0x80 {
		v >>= 7
		n++
	}
	return n
}

func putUleb(buf *bytes.Buffer, v uint64) {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		buf.WriteByte(b)
		if v == 0 {
			return
		}
	}
}

func (n *node) terminalSize() uint64 {
	if !n.terminal {
		return 0
	}
	return ulebLen(n.flags) + ulebLen(n.offset)
}

func (n *node) size() uint64 {
	ts := n.terminalSize()
	sz := ulebLen(ts) + ts + 1
	for _, e := range n.edges {
		sz += uint64(len(e.label)) + 1 + ulebLen(e.child.trieOffset)
	}
	return sz
}

func (n *node) walk(fn func(*node)) {
	fn(n)
	for _, e := range n.edges {
		e.child.walk(fn)
	}
}

func (n *node) emit(buf *bytes.Buffer) {
	ts := n.terminalSize()
	putUleb(buf, ts)
	if n.terminal {
		putUleb(buf, n.flags)
		putUleb(buf, n.offset)
	}
	buf.WriteByte(byte(len(n.edges)))
	for _, e := range n.edges {
		buf.WriteString(e.label)
		buf.WriteByte(0)
		putUleb(buf, e.child.trieOffset)
	}
	for _, e := range n.edges {
		e.child.emit(buf)
	}
}

// Write serializes exports as a Mach-O export trie.
func Write(exports []Export) ([]byte, error) {
	root := &node{}
	for _, exp := range exports {
		if err := root.insert(exp.Name, exp.Offset, exp.Flags); err != nil {
			return nil, fmt.Errorf("failed to insert %s: %v", exp.Name, err)
		}
	}

	// Child offsets are ULEB128-encoded, so node sizes depend on the
	// offsets they encode. Iterate until the layout settles.
	for {
		changed := false
		var off uint64
		root.walk(func(n *node) {
			if n.trieOffset != off {
				n.trieOffset = off
				changed = true
			}
			off += n.size()
		})
		if !changed {
			break
		}
	}

	var buf bytes.Buffer
	root.emit(&buf)
	return buf.Bytes(), nil
}
