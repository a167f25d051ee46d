package rete

// The propagation driver. Every fact change is processed as a fact-level
// operation on a FIFO queue owned by the engine; each operation in turn
// runs a node-level task queue to quiescence before the next operation is
// taken. Deltas always flow downstream (alpha -> beta -> terminal), so
// FIFO processing visits nodes in topological order, and the two explicit
// queues keep stack depth constant no matter how deep a cascade runs.

type taskKind int

const (
	taskAlphaAssert taskKind = iota
	taskAlphaRetract
	taskRightAssert
	taskRightRetract
	taskLeftAssert
	taskLeftRetract
	taskTerminalAssert
	taskTerminalRetract
)

type task struct {
	kind  taskKind
	alpha *alphaNode
	beta  *betaNode
	role  rightRole
	term  *terminalNode
	fact  *Fact
	token *token
}

// factOp is one fact-level change: a fact entering or leaving the match
// network. Retractions produced by TMS cascade invalidation enter the queue
// as synthetic operations, indistinguishable from caller-initiated ones.
type factOp struct {
	retract bool
	fact    *Fact
}

// propagation runs the node-level task queue for a single fact operation.
type propagation struct {
	e     *Engine
	tasks []task
	head  int
	errs  []*ConditionError
}

func (p *propagation) push(t task) {
	p.tasks = append(p.tasks, t)
}

func (p *propagation) condErr(ruleID string, h FactHandle, field string, err error) {
	p.errs = append(p.errs, &ConditionError{
		RuleID: ruleID,
		Handle: h,
		Field:  field,
		Err:    err,
	})
}

func (p *propagation) run() {
	for p.head < len(p.tasks) {
		t := p.tasks[p.head]
		p.head++
		switch t.kind {
		case taskAlphaAssert:
			p.alphaAssert(t.alpha, t.fact)
		case taskAlphaRetract:
			p.alphaRetract(t.alpha, t.fact)
		case taskRightAssert:
			p.rightAssert(t.beta, t.role, t.fact)
		case taskRightRetract:
			p.rightRetract(t.beta, t.role, t.fact)
		case taskLeftAssert:
			p.leftAssert(t.beta, t.token)
		case taskLeftRetract:
			p.leftRetract(t.beta, t.token)
		case taskTerminalAssert:
			p.e.agenda.add(newActivation(t.term, t.token))
			p.e.counts.activations++
		case taskTerminalRetract:
			p.e.agenda.void(t.term.activationKey(t.token))
		}
	}
	p.tasks = p.tasks[:0]
	p.head = 0
}

// ---------------------------------------------------------------------------
// Alpha processing

func (p *propagation) alphaAssert(n *alphaNode, f *Fact) {
	n.visits++
	p.e.counts.alphaVisits++

	if n.test != nil {
		pass, err := n.test.eval(f, p.e.opts.Evaluator)
		if err != nil {
			for _, id := range n.rules {
				p.condErr(id, f.Handle, n.test.field, err)
			}
			return
		}
		if !pass {
			return
		}
	}
	if !n.memory.add(f) {
		return
	}
	for _, c := range n.children {
		p.push(task{kind: taskAlphaAssert, alpha: c, fact: f})
	}
	for _, s := range n.memory.succs {
		p.push(task{kind: taskRightAssert, beta: s.node, role: s.role, fact: f})
	}
}

// alphaRetract walks the type's whole subtree removing the fact wherever it
// is present. No tests are re-evaluated; a fact absent from a node's memory
// is absent from all of that node's descendants.
func (p *propagation) alphaRetract(n *alphaNode, f *Fact) {
	n.visits++
	p.e.counts.alphaVisits++

	if _, ok := n.memory.remove(f.Handle); !ok {
		return
	}
	for _, c := range n.children {
		p.push(task{kind: taskAlphaRetract, alpha: c, fact: f})
	}
	for _, s := range n.memory.succs {
		p.push(task{kind: taskRightRetract, beta: s.node, role: s.role, fact: f})
	}
}

// ---------------------------------------------------------------------------
// Beta processing

func (p *propagation) downAdd(n *betaNode, tok *token) {
	if n.child != nil {
		p.push(task{kind: taskLeftAssert, beta: n.child, token: tok})
	}
	if n.terminal != nil {
		p.push(task{kind: taskTerminalAssert, term: n.terminal, token: tok})
	}
}

func (p *propagation) downRemove(n *betaNode, tok *token) {
	if n.child != nil {
		p.push(task{kind: taskLeftRetract, beta: n.child, token: tok})
	}
	if n.terminal != nil {
		p.push(task{kind: taskTerminalRetract, term: n.terminal, token: tok})
	}
}

// reconcile flips the token's downstream presence when a quantified node's
// count condition changes, inserting or retracting it from the output
// memory.
func (p *propagation) reconcile(n *betaNode, le *leftEntry) {
	holds := n.holds(le)
	switch {
	case holds && !le.active:
		le.active = true
		if n.memory.add(le.token) {
			p.downAdd(n, le.token)
		}
	case !holds && le.active:
		le.active = false
		if _, ok := n.memory.remove(le.token.key); ok {
			p.downRemove(n, le.token)
		}
	}
}

func (p *propagation) rightAssert(n *betaNode, role rightRole, f *Fact) {
	n.visits++
	p.e.counts.betaVisits++

	switch n.kind {
	case nodeJoin:
		for _, tok := range n.leftCandidates(f) {
			pass, err := n.evalTests(p.e, n.tests, tok, f)
			if err != nil {
				p.condErr(n.ruleID, f.Handle, "", err)
				continue
			}
			if !pass {
				continue
			}
			nt := tok.extend(f.Handle, n.varName)
			if n.memory.add(nt) {
				p.e.counts.tokens++
				p.downAdd(n, nt)
			}
		}

	case nodeNot, nodeExists:
		for _, tok := range n.leftCandidates(f) {
			le, ok := n.left[tok.key]
			if !ok {
				// The token's own left activation is still queued; it
				// will count this fact when it runs.
				continue
			}
			pass, err := n.evalTests(p.e, n.tests, tok, f)
			if err != nil {
				p.condErr(n.ruleID, f.Handle, "", err)
				continue
			}
			if pass {
				le.blockers++
				p.reconcile(n, le)
			}
		}

	case nodeForall:
		for _, tok := range n.leftCandidates(f) {
			le, ok := n.left[tok.key]
			if !ok {
				continue
			}
			pass, err := n.evalTests(p.e, n.tests, tok, f)
			if err != nil {
				p.condErr(n.ruleID, f.Handle, "", err)
				continue
			}
			if !pass {
				continue
			}
			if role == roleDomain {
				le.total++
			} else {
				rp, err := n.evalTests(p.e, n.restrictTests, tok, f)
				if err != nil {
					p.condErr(n.ruleID, f.Handle, "", err)
					continue
				}
				if rp {
					le.matched++
				}
			}
			p.reconcile(n, le)
		}
	}
}

func (p *propagation) rightRetract(n *betaNode, role rightRole, f *Fact) {
	n.visits++
	p.e.counts.betaVisits++

	switch n.kind {
	case nodeJoin:
		for _, tok := range n.memory.removeWithFact(f.Handle) {
			p.downRemove(n, tok)
		}

	case nodeNot, nodeExists:
		for _, tok := range n.leftCandidates(f) {
			le, ok := n.left[tok.key]
			if !ok {
				continue
			}
			pass, err := n.evalTests(p.e, n.tests, tok, f)
			if err != nil {
				p.condErr(n.ruleID, f.Handle, "", err)
				continue
			}
			if pass {
				le.blockers--
				p.reconcile(n, le)
			}
		}

	case nodeForall:
		for _, tok := range n.leftCandidates(f) {
			le, ok := n.left[tok.key]
			if !ok {
				continue
			}
			pass, err := n.evalTests(p.e, n.tests, tok, f)
			if err != nil {
				p.condErr(n.ruleID, f.Handle, "", err)
				continue
			}
			if !pass {
				continue
			}
			if role == roleDomain {
				le.total--
			} else {
				rp, err := n.evalTests(p.e, n.restrictTests, tok, f)
				if err != nil {
					p.condErr(n.ruleID, f.Handle, "", err)
					continue
				}
				if rp {
					le.matched--
				}
			}
			p.reconcile(n, le)
		}
	}
}

func (p *propagation) leftAssert(n *betaNode, tok *token) {
	n.visits++
	p.e.counts.betaVisits++

	switch n.kind {
	case nodeJoin:
		for _, f := range n.rightCandidates(p.e, n.alpha, tok) {
			pass, err := n.evalTests(p.e, n.tests, tok, f)
			if err != nil {
				p.condErr(n.ruleID, f.Handle, "", err)
				continue
			}
			if !pass {
				continue
			}
			nt := tok.extend(f.Handle, n.varName)
			if n.memory.add(nt) {
				p.e.counts.tokens++
				p.downAdd(n, nt)
			}
		}

	case nodeNot, nodeExists:
		le := &leftEntry{token: tok}
		n.left[tok.key] = le
		for _, f := range n.rightCandidates(p.e, n.alpha, tok) {
			pass, err := n.evalTests(p.e, n.tests, tok, f)
			if err != nil {
				p.condErr(n.ruleID, f.Handle, "", err)
				continue
			}
			if pass {
				le.blockers++
			}
		}
		p.reconcile(n, le)

	case nodeForall:
		le := &leftEntry{token: tok}
		n.left[tok.key] = le
		for _, f := range n.rightCandidates(p.e, n.domain, tok) {
			pass, err := n.evalTests(p.e, n.tests, tok, f)
			if err != nil {
				p.condErr(n.ruleID, f.Handle, "", err)
				continue
			}
			if pass {
				le.total++
			}
		}
		for _, f := range n.rightCandidates(p.e, n.restrict, tok) {
			pass, err := n.evalTests(p.e, n.tests, tok, f)
			if err != nil {
				p.condErr(n.ruleID, f.Handle, "", err)
				continue
			}
			if !pass {
				continue
			}
			rp, err := n.evalTests(p.e, n.restrictTests, tok, f)
			if err != nil {
				p.condErr(n.ruleID, f.Handle, "", err)
				continue
			}
			if rp {
				le.matched++
			}
		}
		p.reconcile(n, le)
	}
}

func (p *propagation) leftRetract(n *betaNode, tok *token) {
	n.visits++
	p.e.counts.betaVisits++

	switch n.kind {
	case nodeJoin:
		for _, ext := range n.memory.removeExtensionsOf(tok.key) {
			p.downRemove(n, ext)
		}

	case nodeNot, nodeExists, nodeForall:
		le, ok := n.left[tok.key]
		if !ok {
			return
		}
		delete(n.left, tok.key)
		if le.active {
			if _, ok := n.memory.remove(tok.key); ok {
				p.downRemove(n, tok)
			}
		}
	}
}

// ---------------------------------------------------------------------------
// Fact-level queue

// enqueue appends a fact operation; submit drains the queue unless a drain
// is already running further up the stack, in which case that drain picks
// the operation up.
func (e *Engine) enqueue(retract bool, f *Fact) {
	e.ops = append(e.ops, factOp{retract: retract, fact: f})
}

func (e *Engine) submit() []*ConditionError {
	if e.draining {
		return nil
	}
	e.draining = true
	defer func() { e.draining = false }()

	var errs []*ConditionError
	p := &propagation{e: e}
	for len(e.ops) > 0 {
		op := e.ops[0]
		e.ops = e.ops[1:]
		if op.retract {
			e.processRetract(p, op.fact)
		} else {
			e.processAssert(p, op.fact)
		}
		errs = append(errs, p.errs...)
		p.errs = nil
	}
	return errs
}

// processAssert pushes the fact through the alpha network of its type and,
// once the network is quiescent, re-checks the fact's dependents: a
// justification that cites it may have become valid, revalidating withheld
// logical facts.
func (e *Engine) processAssert(p *propagation, f *Fact) {
	if root, ok := e.net.typeRoots[f.Type]; ok {
		p.push(task{kind: taskAlphaAssert, alpha: root, fact: f})
		p.run()
	}
	for _, h := range e.tms.revalidatedDependents(f.Handle) {
		rf := e.tms.factOf(h)
		e.wm.restore(rf)
		e.enqueue(false, rf)
		e.log.Debug().Int64("handle", int64(h)).Str("type", rf.Type).Msg("logical fact revalidated")
	}
}

// processRetract removes the fact from the alpha network and re-checks its
// dependents: logical facts whose last valid justification cited it flip to
// invalid and re-enter the queue as synthetic retractions.
func (e *Engine) processRetract(p *propagation, f *Fact) {
	if root, ok := e.net.typeRoots[f.Type]; ok {
		p.push(task{kind: taskAlphaRetract, alpha: root, fact: f})
		p.run()
	}
	for _, h := range e.tms.invalidatedDependents(f.Handle) {
		rf := e.tms.factOf(h)
		e.wm.remove(h)
		e.enqueue(true, rf)
		e.log.Debug().Int64("handle", int64(h)).Str("type", rf.Type).Msg("logical fact invalidated")
	}
}
