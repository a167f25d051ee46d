package rete

import (
	"sync"
)

// Locker shares one Engine between goroutines by serializing every
// operation behind a single read-write mutex. The engine itself is not
// safe for concurrent use; this is the supported way to use one from more
// than one goroutine.
//
// Methods lock for the duration of one engine call. For a sequence that
// must be atomic (insert several facts, then fire), take Lock or RLock
// yourself and use the bare engine:
//
//	l.Lock()
//	defer l.Unlock()
//	e := l.Engine()
//	e.Insert(...)
//	e.Insert(...)
//	e.FireAll()
//
// Do not call the wrapper methods while holding the lock.
type Locker struct {
	mu sync.RWMutex
	e  *Engine
}

func NewLocker(e *Engine) *Locker {
	return &Locker{e: e}
}

// Engine returns the wrapped engine. Callers must hold Lock (or RLock for
// the read-only methods) while using it.
func (l *Locker) Engine() *Engine { return l.e }

func (l *Locker) Lock()    { l.mu.Lock() }
func (l *Locker) Unlock()  { l.mu.Unlock() }
func (l *Locker) RLock()   { l.mu.RLock() }
func (l *Locker) RUnlock() { l.mu.RUnlock() }

func (l *Locker) AddSchema(schemas ...Schema) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.e.AddSchema(schemas...)
}

func (l *Locker) AddRule(rules ...*Rule) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.e.AddRule(rules...)
}

func (l *Locker) Insert(factType string, fields map[string]interface{}) (FactHandle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.e.Insert(factType, fields)
}

func (l *Locker) InsertLogical(factType string, fields map[string]interface{}, rule string, premises []FactHandle) (FactHandle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.e.InsertLogical(factType, fields, rule, premises)
}

func (l *Locker) AddJustification(h FactHandle, rule string, premises []FactHandle) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.e.AddJustification(h, rule, premises)
}

func (l *Locker) Retract(h FactHandle) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.e.Retract(h)
}

func (l *Locker) Update(h FactHandle, fields map[string]interface{}) (FactHandle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.e.Update(h, fields)
}

// FireAll holds the write lock for the whole firing run, including any
// action handler callbacks. Handlers must use the bare engine they are
// handed, never the Locker.
func (l *Locker) FireAll() (*FireResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.e.FireAll()
}

func (l *Locker) Fact(h FactHandle) (*Fact, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.e.Fact(h)
}

func (l *Locker) Facts() []*Fact {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.e.Facts()
}

func (l *Locker) FactsByType(factType string) []*Fact {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.e.FactsByType(factType)
}

func (l *Locker) Rule(id string) (*Rule, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.e.Rule(id)
}

func (l *Locker) Rules() []*Rule {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.e.Rules()
}

func (l *Locker) RuleCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.e.RuleCount()
}

func (l *Locker) Agenda() []*Activation {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.e.Agenda()
}

func (l *Locker) Stats() Stats {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.e.Stats()
}

func (l *Locker) Explain(h FactHandle) (*Explanation, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.e.Explain(h)
}
