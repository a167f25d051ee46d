package rete

import (
	"container/heap"
	"fmt"
	"sort"
)

// Activation is a complete match of one rule alternative, queued on the
// agenda until fired. The facts it matched are identified by handle;
// resolve them through the engine at fire time, since a handle may have
// been invalidated while the activation waited.
type Activation struct {
	// The matched rule
	Rule *Rule

	// Handles of the facts matched by the rule's patterns, in condition
	// order
	Handles []FactHandle

	// Binding name -> matched fact
	Bindings map[string]FactHandle

	// Salience of the rule at activation time
	Salience int

	// Creation order, the tie-break within equal salience
	seq int64

	key    string
	voided bool
}

func (a *Activation) String() string {
	return fmt.Sprintf("%s %v (salience %d)", a.Rule.ID, a.Handles, a.Salience)
}

func newActivation(term *terminalNode, tok *token) *Activation {
	a := &Activation{
		Rule:     term.rule,
		Salience: term.rule.Salience,
		Handles:  make([]FactHandle, len(tok.handles)),
		key:      term.activationKey(tok),
	}
	copy(a.Handles, tok.handles)
	if len(tok.bindings) > 0 {
		a.Bindings = make(map[string]FactHandle, len(tok.bindings))
		for k, v := range tok.bindings {
			a.Bindings[k] = v
		}
	}
	return a
}

// agenda holds pending activations ordered by descending salience, ties in
// creation order. Activations whose token disappears before firing are
// voided in place and skipped at pop time.
type agenda struct {
	h       activationHeap
	byKey   map[string]*Activation
	nextSeq int64
}

func newAgenda() *agenda {
	return &agenda{byKey: map[string]*Activation{}}
}

func (ag *agenda) add(a *Activation) {
	a.seq = ag.nextSeq
	ag.nextSeq++
	ag.byKey[a.key] = a
	heap.Push(&ag.h, a)
}

// void marks the pending activation for the key as dead. A no-op if the key
// is not pending (already fired or never activated).
func (ag *agenda) void(key string) {
	if a, ok := ag.byKey[key]; ok {
		a.voided = true
		delete(ag.byKey, key)
	}
}

// pop returns the next live activation, or nil when none remain.
func (ag *agenda) pop() *Activation {
	for ag.h.Len() > 0 {
		a := heap.Pop(&ag.h).(*Activation)
		if a.voided {
			continue
		}
		delete(ag.byKey, a.key)
		return a
	}
	return nil
}

func (ag *agenda) size() int {
	return len(ag.byKey)
}

// snapshot returns the live activations in fire order.
func (ag *agenda) snapshot() []*Activation {
	out := make([]*Activation, 0, len(ag.byKey))
	for _, a := range ag.byKey {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Salience != out[j].Salience {
			return out[i].Salience > out[j].Salience
		}
		return out[i].seq < out[j].seq
	})
	return out
}

type activationHeap []*Activation

func (h activationHeap) Len() int { return len(h) }

func (h activationHeap) Less(i, j int) bool {
	if h[i].Salience != h[j].Salience {
		return h[i].Salience > h[j].Salience
	}
	return h[i].seq < h[j].seq
}

func (h activationHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *activationHeap) Push(x interface{}) {
	*h = append(*h, x.(*Activation))
}

func (h *activationHeap) Pop() interface{} {
	old := *h
	n := len(old)
	a := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return a
}
