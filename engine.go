package rete

import (
	"fmt"
	"sort"

	"github.com/rs/zerolog"
)

// DefaultMaxCycles is the firing budget of a FireAll call unless the
// MaxCycles option raises or lowers it.
const DefaultMaxCycles = 10_000

// Engine matches rules against facts incrementally. Schemas declare the
// fact types, rules are compiled into a shared match network when added,
// and every insert, update or retract re-evaluates only the part of the
// network that depends on the fact's type. The engine tracks why every
// derived fact holds, retracting it automatically when its support
// disappears.
//
// An Engine is not safe for concurrent use; all state is owned by one
// goroutine at a time. Wrap it in a Locker to share it between goroutines.
type Engine struct {

	// The schemas map holds the fact type declarations, by type name
	schemas map[string]*Schema

	// The rules map holds the rules added to the engine
	rules map[string]*Rule

	// Rule IDs in the order they were added
	ruleOrder []string

	wm     *workingMemory
	tms    *TMS
	net    *network
	agenda *agenda

	// Pending fact-level operations and the re-entrancy guard for the
	// drain loop (see propagate.go)
	ops      []factOp
	draining bool

	counts counters

	opts EngineOptions
	log  zerolog.Logger
}

type counters struct {
	alphaVisits int64
	betaVisits  int64
	tokens      int64
	activations int64
	firings     int64
	inserts     int64
	retracts    int64
}

// Initialize a new engine
func NewEngine(opts ...EngineOption) *Engine {
	e := Engine{
		schemas: make(map[string]*Schema),
		rules:   make(map[string]*Rule),
		wm:      newWorkingMemory(),
		tms:     newTMS(),
		net:     newNetwork(),
		agenda:  newAgenda(),
	}
	e.opts = EngineOptions{
		MaxCycles: DefaultMaxCycles,
		Logger:    zerolog.Nop(),
	}
	applyEngineOptions(&e.opts, opts...)
	e.log = e.opts.Logger
	return &e
}

// AddSchema declares a fact type. A schema must be added before facts of
// the type are inserted or rules referencing it are added.
func (e *Engine) AddSchema(schemas ...Schema) error {
	for i := range schemas {
		s := schemas[i]
		if s.Type == "" {
			return fmt.Errorf("schema has no type name")
		}
		if _, ok := e.schemas[s.Type]; ok {
			return fmt.Errorf("schema '%s' already added", s.Type)
		}
		seen := map[string]bool{}
		for j := range s.Elements {
			el := &s.Elements[j]
			if el.Name == "" {
				return fmt.Errorf("schema '%s': element %d has no name", s.Type, j)
			}
			if seen[el.Name] {
				return fmt.Errorf("schema '%s': duplicate field '%s'", s.Type, el.Name)
			}
			seen[el.Name] = true
			if el.Type == nil {
				el.Type = Any{}
			}
		}
		e.schemas[s.Type] = &s
		e.log.Debug().Str("type", s.Type).Int("fields", len(s.Elements)).Msg("schema added")
	}
	return nil
}

// AddRule compiles the rules into the match network, ready to activate.
// Facts already in working memory are matched immediately; activations they
// produce wait on the agenda for the next FireAll.
//
// A compilation error (unknown fact type or field, an operator that cannot
// apply to a field's type, an unbound variable) leaves the engine
// unchanged. A *ConditionErrors return reports tests that could not be
// evaluated against existing facts; the rule is in place.
func (e *Engine) AddRule(rules ...*Rule) error {
	for i := range rules {
		r := rules[i]
		if r == nil {
			return fmt.Errorf("nil rule")
		}
		if err := r.validate(); err != nil {
			return err
		}
		if _, ok := e.rules[r.ID]; ok {
			return fmt.Errorf("rule '%s' already added", r.ID)
		}

		errs, err := e.compileRule(r)
		if err != nil {
			return err
		}
		e.rules[r.ID] = r
		e.ruleOrder = append(e.ruleOrder, r.ID)
		e.log.Debug().Str("rule", r.ID).Int("salience", r.Salience).Msg("rule added")
		if len(errs) > 0 {
			return &ConditionErrors{Errs: errs}
		}
	}
	return nil
}

// Insert adds an explicit fact and propagates it through the network.
// Field values are checked against the fact type's schema; fields the
// schema declares but the caller omits are simply absent (tests on them do
// not pass).
//
// The returned handle identifies the fact for the rest of its life. A
// *ConditionErrors return reports condition tests that could not be
// evaluated against the new fact; the insert itself succeeded.
func (e *Engine) Insert(factType string, fields map[string]interface{}) (FactHandle, error) {
	f, err := e.makeFact(factType, fields)
	if err != nil {
		return 0, err
	}
	e.wm.add(f)
	e.tms.newExplicit(f)
	e.counts.inserts++
	e.enqueue(false, f)
	errs := e.submit()
	e.log.Debug().Int64("handle", int64(f.Handle)).Str("type", factType).Msg("fact inserted")
	return f.Handle, conditionErrs(errs)
}

// InsertLogical adds a fact derived by a rule, justified by the premises.
// The engine's own Assert actions with Logical set call this; external
// derivation machinery may too.
//
// If an equal fact (same type and field values) was inserted before, no new
// fact is created: the justification is appended to the existing one and
// its handle is returned. A fact whose justifications are all invalid stays
// known to the TMS but out of the match network until one becomes valid.
// A justification that would make the fact support its own premises is
// rejected with ErrJustificationCycle.
func (e *Engine) InsertLogical(factType string, fields map[string]interface{}, rule string, premises []FactHandle) (FactHandle, error) {
	f, err := e.makeFact(factType, fields)
	if err != nil {
		return 0, err
	}
	f.Logical = true
	for _, p := range premises {
		if !e.tms.Known(p) {
			return 0, fmt.Errorf("premise %d: %w", p, ErrUnknownFactHandle)
		}
	}
	j := Justification{Rule: rule, Premises: premises}

	if h, ok := e.tms.identityOf(f); ok {
		if err := e.tms.addJustification(h, j); err != nil {
			return 0, err
		}
		var errs []*ConditionError
		if !e.tms.IsValid(h) && e.tms.justificationValid(j) {
			e.tms.markValid(h)
			e.wm.restore(e.tms.factOf(h))
			e.enqueue(false, e.tms.factOf(h))
			errs = e.submit()
		}
		return h, conditionErrs(errs)
	}

	valid := e.tms.justificationValid(j)
	if !valid {
		f.Handle = e.wm.allocate()
		e.tms.newLogical(f, j, false)
		e.log.Debug().Int64("handle", int64(f.Handle)).Str("type", factType).Msg("logical fact withheld")
		return f.Handle, nil
	}
	e.wm.add(f)
	e.tms.newLogical(f, j, true)
	e.counts.inserts++
	e.enqueue(false, f)
	errs := e.submit()
	e.log.Debug().Int64("handle", int64(f.Handle)).Str("type", factType).Str("rule", rule).Msg("logical fact inserted")
	return f.Handle, conditionErrs(errs)
}

// AddJustification appends an alternative proof to an existing fact. If the
// fact was invalid and the new justification holds, the fact re-enters the
// match network under its original handle.
func (e *Engine) AddJustification(h FactHandle, rule string, premises []FactHandle) error {
	if !e.tms.Known(h) {
		return fmt.Errorf("fact %d: %w", h, ErrUnknownFactHandle)
	}
	for _, p := range premises {
		if !e.tms.Known(p) {
			return fmt.Errorf("premise %d: %w", p, ErrUnknownFactHandle)
		}
	}
	j := Justification{Rule: rule, Premises: premises}
	if err := e.tms.addJustification(h, j); err != nil {
		return err
	}
	var errs []*ConditionError
	if !e.tms.IsValid(h) && e.tms.justificationValid(j) {
		e.tms.markValid(h)
		e.wm.restore(e.tms.factOf(h))
		e.enqueue(false, e.tms.factOf(h))
		errs = e.submit()
	}
	return conditionErrs(errs)
}

// Retract removes a fact: it is withdrawn from the match network, its
// pending activations are voided, and every logical fact that loses its
// last valid justification follows it out, breadth-first. Retracting a
// handle that is not currently in working memory returns
// ErrUnknownFactHandle and changes nothing.
func (e *Engine) Retract(h FactHandle) error {
	f, ok := e.wm.get(h)
	if !ok {
		return fmt.Errorf("fact %d: %w", h, ErrUnknownFactHandle)
	}
	e.tms.markRetracted(h)
	e.wm.remove(h)
	e.counts.retracts++
	e.enqueue(true, f)
	errs := e.submit()
	e.log.Debug().Int64("handle", int64(h)).Str("type", f.Type).Msg("fact retracted")
	return conditionErrs(errs)
}

// Update replaces a fact with a copy whose fields are merged with the given
// ones (a nil value removes the field). The old handle is retracted —
// cascading to its dependents — and the merged fact is inserted as a new
// explicit fact under a new handle, which is returned. Justifications do
// not carry over; callers deriving facts from the old handle must justify
// the new one again.
func (e *Engine) Update(h FactHandle, fields map[string]interface{}) (FactHandle, error) {
	old, ok := e.wm.get(h)
	if !ok {
		return 0, fmt.Errorf("fact %d: %w", h, ErrUnknownFactHandle)
	}

	merged := make(map[string]interface{}, len(old.Fields)+len(fields))
	for k, v := range old.Fields {
		merged[k] = v
	}
	for k, v := range fields {
		if v == nil {
			delete(merged, k)
			continue
		}
		merged[k] = v
	}
	nf, err := e.makeFact(old.Type, merged)
	if err != nil {
		return 0, err
	}

	e.tms.markRetracted(h)
	e.wm.remove(h)
	e.counts.retracts++
	e.enqueue(true, old)

	e.wm.add(nf)
	e.tms.newExplicit(nf)
	e.counts.inserts++
	e.enqueue(false, nf)

	errs := e.submit()
	e.log.Debug().Int64("old", int64(h)).Int64("new", int64(nf.Handle)).Str("type", nf.Type).Msg("fact updated")
	return nf.Handle, conditionErrs(errs)
}

// makeFact validates the fields against the type's schema and returns a
// fact with canonical values, not yet in working memory.
func (e *Engine) makeFact(factType string, fields map[string]interface{}) (*Fact, error) {
	s, ok := e.schemas[factType]
	if !ok {
		return nil, fmt.Errorf("'%s': %w", factType, ErrUnknownFactType)
	}
	f := &Fact{Type: factType, Fields: make(map[string]interface{}, len(fields))}
	for k, v := range fields {
		elem, ok := s.element(k)
		if !ok {
			return nil, fmt.Errorf("fact type '%s' has no field '%s'", factType, k)
		}
		cv, err := coerce(elem.Type, v)
		if err != nil {
			return nil, fmt.Errorf("fact type '%s', field '%s': %w", factType, k, err)
		}
		f.Fields[k] = cv
	}
	return f, nil
}

// ---------------------------------------------------------------------------
// Firing

// ActionHandler executes the side effects of a rule firing. The engine
// applies the rule's declarative actions first, then hands the activation
// to the handler. The handler may call back into the engine (Insert,
// Retract, ...); new matches join the agenda and fire in their turn,
// bounded by the engine's cycle limit.
type ActionHandler interface {
	Handle(e *Engine, a *Activation) error
}

// ActionHandlerFunc adapts a function to the ActionHandler interface.
type ActionHandlerFunc func(e *Engine, a *Activation) error

func (f ActionHandlerFunc) Handle(e *Engine, a *Activation) error { return f(e, a) }

// FireAll fires pending activations until the agenda is empty: highest
// salience first, creation order within equal salience. Before each firing
// the activation is re-checked — if any matched fact has been retracted or
// invalidated since it was queued, it is skipped. Facts asserted or
// retracted by actions propagate fully before the next activation fires.
//
// Firing stops early if the cycle limit is reached (ErrMaxCyclesExceeded)
// or an action fails; effects applied so far are kept either way. The
// returned FireResult describes what fired regardless of error.
func (e *Engine) FireAll() (*FireResult, error) {
	res := &FireResult{}
	for {
		if e.agenda.size() == 0 {
			break
		}
		if res.Cycles >= e.opts.MaxCycles {
			e.log.Debug().Int("cycles", res.Cycles).Msg("cycle limit reached")
			return res, fmt.Errorf("after %d cycles: %w", res.Cycles, ErrMaxCyclesExceeded)
		}
		a := e.agenda.pop()
		if a == nil {
			break
		}
		if !e.activationLive(a) {
			continue
		}

		res.Cycles++
		e.counts.firings++
		firing := Firing{Rule: a.Rule.ID, Activation: a}
		err := e.executeActions(a, &firing, res)
		res.Firings = append(res.Firings, firing)
		if err != nil {
			return res, err
		}
		e.log.Debug().Str("rule", a.Rule.ID).Int("cycle", res.Cycles).Msg("rule fired")
	}
	return res, nil
}

// activationLive re-checks an activation at fire time: every fact it
// matched must still be valid.
func (e *Engine) activationLive(a *Activation) bool {
	for _, h := range a.Handles {
		if !e.tms.IsValid(h) {
			return false
		}
	}
	return true
}

func (e *Engine) executeActions(a *Activation, firing *Firing, res *FireResult) error {
	for _, act := range a.Rule.Actions {
		switch act := act.(type) {
		case Assert:
			fields, err := e.resolveActionFields(a, act)
			if err != nil {
				return fmt.Errorf("rule %s: %w", a.Rule.ID, err)
			}
			var h FactHandle
			if act.Logical {
				h, err = e.InsertLogical(act.Type, fields, a.Rule.ID, a.Handles)
			} else {
				h, err = e.Insert(act.Type, fields)
			}
			if ce := asConditionErrors(err); ce != nil {
				res.ConditionErrors = append(res.ConditionErrors, ce.Errs...)
			} else if err != nil {
				return fmt.Errorf("rule %s: assert %s: %w", a.Rule.ID, act.Type, err)
			}
			firing.Asserted = append(firing.Asserted, h)

		case Retract:
			h, ok := a.Bindings[act.Var]
			if !ok {
				return fmt.Errorf("rule %s: retract '%s': no such binding", a.Rule.ID, act.Var)
			}
			err := e.Retract(h)
			if ce := asConditionErrors(err); ce != nil {
				res.ConditionErrors = append(res.ConditionErrors, ce.Errs...)
			} else if err != nil {
				return fmt.Errorf("rule %s: retract '%s': %w", a.Rule.ID, act.Var, err)
			}
			firing.Retracted = append(firing.Retracted, h)
		}
	}

	if e.opts.Executor != nil {
		if err := e.opts.Executor.Handle(e, a); err != nil {
			return fmt.Errorf("rule %s: handler: %w", a.Rule.ID, err)
		}
	}
	return nil
}

// resolveActionFields produces the concrete field values of an Assert
// action: literals as written, FieldRefs read from the matched facts.
func (e *Engine) resolveActionFields(a *Activation, act Assert) (map[string]interface{}, error) {
	fields := make(map[string]interface{}, len(act.Fields))
	for k, v := range act.Fields {
		ref, ok := v.(FieldRef)
		if !ok {
			fields[k] = v
			continue
		}
		h, ok := a.Bindings[ref.Var]
		if !ok {
			return nil, fmt.Errorf("field '%s' references unbound variable '%s'", k, ref.Var)
		}
		f, ok := e.wm.get(h)
		if !ok {
			return nil, fmt.Errorf("field '%s': binding '%s' (fact %d) is no longer valid", k, ref.Var, h)
		}
		if fv, ok := f.Fields[ref.Field]; ok {
			fields[k] = fv
		}
	}
	return fields, nil
}

// ---------------------------------------------------------------------------
// Introspection

// Fact returns the fact for a handle, if it is currently valid.
func (e *Engine) Fact(h FactHandle) (*Fact, bool) {
	return e.wm.get(h)
}

// Facts returns every valid fact, ordered by handle.
func (e *Engine) Facts() []*Fact {
	return e.wm.all()
}

// FactsByType returns every valid fact of the type, ordered by handle.
func (e *Engine) FactsByType(factType string) []*Fact {
	return e.wm.ofType(factType)
}

// TMS exposes the justification graph for inspection.
func (e *Engine) TMS() *TMS {
	return e.tms
}

// Find a rule with the given ID
func (e *Engine) Rule(id string) (*Rule, bool) {
	r, ok := e.rules[id]
	return r, ok
}

// Rules returns the engine's rules in the order they were added.
func (e *Engine) Rules() []*Rule {
	out := make([]*Rule, 0, len(e.ruleOrder))
	for _, id := range e.ruleOrder {
		out = append(out, e.rules[id])
	}
	return out
}

// RuleCount is the number of rules in the engine.
func (e *Engine) RuleCount() int {
	return len(e.rules)
}

// Schema returns the schema declared for a fact type.
func (e *Engine) Schema(factType string) (Schema, bool) {
	s, ok := e.schemas[factType]
	if !ok {
		return Schema{}, false
	}
	return *s, true
}

// SchemaTypes returns the declared fact type names, sorted.
func (e *Engine) SchemaTypes() []string {
	out := make([]string, 0, len(e.schemas))
	for t := range e.schemas {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Agenda returns the pending activations in the order they would fire.
func (e *Engine) Agenda() []*Activation {
	return e.agenda.snapshot()
}

// ---------------------------------------------------------------------------
// Options

// See the functional definitions below for the meaning.
type EngineOptions struct {
	MaxCycles int
	Evaluator ExprEvaluator
	Executor  ActionHandler
	Logger    zerolog.Logger
}

type EngineOption func(f *EngineOptions)

// Given an array of EngineOption functions, apply their effect
// on the EngineOptions struct.
func applyEngineOptions(o *EngineOptions, opts ...EngineOption) {
	for _, opt := range opts {
		opt(o)
	}
}

// MaxCycles caps the number of rule firings in one FireAll call, the guard
// against rules that feed each other forever. Values below 1 are ignored.
// Default: DefaultMaxCycles.
func MaxCycles(n int) EngineOption {
	return func(f *EngineOptions) {
		if n > 0 {
			f.MaxCycles = n
		}
	}
}

// Evaluator provides the expression backend used to compile and evaluate
// Pattern.Expr conditions. Rules without expressions do not need one.
// Default: none.
func Evaluator(ev ExprEvaluator) EngineOption {
	return func(f *EngineOptions) {
		f.Evaluator = ev
	}
}

// Executor is called for each fired activation, after the rule's
// declarative actions have been applied.
// Default: none.
func Executor(h ActionHandler) EngineOption {
	return func(f *EngineOptions) {
		f.Executor = h
	}
}

// Logger sets the logger for engine debug events.
// Default: a no-op logger.
func Logger(l zerolog.Logger) EngineOption {
	return func(f *EngineOptions) {
		f.Logger = l
	}
}
