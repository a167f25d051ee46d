package rete

import (
	"fmt"
	"sort"
	"strings"
)

// FactHandle identifies a fact in working memory. Handles are assigned
// sequentially at insert time and are never reused, even after the fact is
// retracted.
type FactHandle int64

// Fact is a unit of data in working memory: a fact type (declared by a
// schema) and a set of field values. Facts are immutable once inserted;
// Update retracts the fact and inserts a modified copy under a new handle.
type Fact struct {
	// Handle assigned at insert time
	Handle FactHandle

	// Name of the fact type; a schema for it must have been added
	Type string

	// Field values, normalized to the schema's canonical representations
	Fields map[string]interface{}

	// True if the fact was asserted by a rule action rather than from
	// outside the engine
	Logical bool
}

func (f *Fact) String() string {
	x := strings.Builder{}
	fmt.Fprintf(&x, "%s#%d{", f.Type, f.Handle)
	names := make([]string, 0, len(f.Fields))
	for n := range f.Fields {
		names = append(names, n)
	}
	sort.Strings(names)
	for i, n := range names {
		if i > 0 {
			x.WriteString(", ")
		}
		fmt.Fprintf(&x, "%s: %v", n, f.Fields[n])
	}
	x.WriteString("}")
	return x.String()
}

// identityKey returns the deterministic encoding of the fact's type and field
// values. Two facts with the same type and equal field values have the same
// key. Used to deduplicate logical assertions.
func (f *Fact) identityKey() string {
	x := strings.Builder{}
	x.WriteString(f.Type)
	names := make([]string, 0, len(f.Fields))
	for n := range f.Fields {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		x.WriteString("|")
		x.WriteString(n)
		x.WriteString("=")
		x.WriteString(encodeValue(f.Fields[n]))
	}
	return x.String()
}

// workingMemory holds all facts known to the engine, indexed by handle and
// by fact type. Retracted facts are removed from both indexes; their handles
// remain burned.
type workingMemory struct {
	nextHandle FactHandle
	facts      map[FactHandle]*Fact
	byType     map[string]map[FactHandle]*Fact
}

func newWorkingMemory() *workingMemory {
	return &workingMemory{
		nextHandle: 1,
		facts:      map[FactHandle]*Fact{},
		byType:     map[string]map[FactHandle]*Fact{},
	}
}

// add stores the fact and assigns it the next handle.
func (w *workingMemory) add(f *Fact) FactHandle {
	f.Handle = w.nextHandle
	w.nextHandle++
	w.facts[f.Handle] = f
	t, ok := w.byType[f.Type]
	if !ok {
		t = map[FactHandle]*Fact{}
		w.byType[f.Type] = t
	}
	t[f.Handle] = f
	return f.Handle
}

// allocate burns a handle without storing a fact. Used for logical facts
// that are known but not currently valid.
func (w *workingMemory) allocate() FactHandle {
	h := w.nextHandle
	w.nextHandle++
	return h
}

// restore puts a previously removed fact back under its existing handle.
// Used when an invalid logical fact regains a valid justification.
func (w *workingMemory) restore(f *Fact) {
	w.facts[f.Handle] = f
	t, ok := w.byType[f.Type]
	if !ok {
		t = map[FactHandle]*Fact{}
		w.byType[f.Type] = t
	}
	t[f.Handle] = f
}

// remove deletes the fact from both indexes. The handle is not reused.
func (w *workingMemory) remove(h FactHandle) {
	f, ok := w.facts[h]
	if !ok {
		return
	}
	delete(w.facts, h)
	delete(w.byType[f.Type], h)
}

func (w *workingMemory) get(h FactHandle) (*Fact, bool) {
	f, ok := w.facts[h]
	return f, ok
}

// all returns every fact in working memory, ordered by handle.
func (w *workingMemory) all() []*Fact {
	out := make([]*Fact, 0, len(w.facts))
	for _, f := range w.facts {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Handle < out[j].Handle })
	return out
}

// ofType returns every fact of the given type, ordered by handle.
func (w *workingMemory) ofType(factType string) []*Fact {
	m := w.byType[factType]
	out := make([]*Fact, 0, len(m))
	for _, f := range m {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Handle < out[j].Handle })
	return out
}
