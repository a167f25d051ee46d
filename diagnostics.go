package rete

import (
	"fmt"
	"strings"

	"github.com/Delta456/box-cli-maker/v2"
	"github.com/alexeyco/simpletable"
)

// Explanation describes why a fact currently holds (or doesn't): whether it
// was asserted explicitly, and the justifications that derive it, each with
// its own premises explained recursively. Justification graphs are acyclic,
// so the recursion terminates; a fact supporting several others appears
// once under each.
type Explanation struct {
	// Handle of the fact being explained
	Handle FactHandle

	// The fact's type and fields. Set even when the fact is currently
	// invalid (known to the engine, out of the match network).
	Fact *Fact

	Valid    bool
	Explicit bool
	Logical  bool

	// One entry per justification recorded for the fact
	Supports []Support
}

// Support is one recorded justification: the rule that derived the fact and
// the explanation of each premise.
type Support struct {
	Rule     string
	Valid    bool
	Premises []*Explanation
}

// Explain reports why the fact holds. Works on invalid facts too: the
// explanation then shows which justifications failed. Returns
// ErrUnknownFactHandle if the engine has never seen the handle.
func (e *Engine) Explain(h FactHandle) (*Explanation, error) {
	if !e.tms.Known(h) {
		return nil, fmt.Errorf("fact %d: %w", h, ErrUnknownFactHandle)
	}
	return e.explain(h), nil
}

func (e *Engine) explain(h FactHandle) *Explanation {
	x := &Explanation{
		Handle:   h,
		Fact:     e.tms.factOf(h),
		Valid:    e.tms.IsValid(h),
		Explicit: e.tms.IsExplicit(h),
		Logical:  e.tms.IsLogical(h),
	}
	for _, j := range e.tms.Justifications(h) {
		s := Support{Rule: j.Rule, Valid: e.tms.justificationValid(j)}
		for _, p := range j.Premises {
			s.Premises = append(s.Premises, e.explain(p))
		}
		x.Supports = append(x.Supports, s)
	}
	return x
}

// AsString renders the explanation as a boxed report with the support tree
// as a table, one row per fact, indented by derivation depth.
func (x *Explanation) AsString() string {
	Box := box.New(box.Config{Px: 2, Py: 1, Type: "Double", Color: "Cyan", TitlePos: "Top", ContentAlign: "Left"})

	s := strings.Builder{}
	s.WriteString("Fact:\n")
	s.WriteString("-----\n")
	if x.Fact != nil {
		s.WriteString(wordWrap(x.Fact.String(), 100))
	} else {
		s.WriteString(fmt.Sprintf("#%d", x.Handle))
	}
	s.WriteString("\n\n")

	s.WriteString("Support:\n")
	s.WriteString("--------\n")
	s.WriteString(x.supportTable().String())

	return Box.String("FACT EXPLANATION REPORT", s.String())
}

func (x *Explanation) supportTable() *simpletable.Table {
	table := simpletable.New()
	table.Header = &simpletable.Header{
		Cells: []*simpletable.Cell{
			{Align: simpletable.AlignCenter, Text: "Fact"},
			{Align: simpletable.AlignCenter, Text: "Status"},
			{Align: simpletable.AlignCenter, Text: "Kind"},
			{Align: simpletable.AlignCenter, Text: "Via Rule"},
		},
	}
	x.appendRows(table, 0, "")

	table.SetStyle(simpletable.StyleUnicode)

	return table
}

func (x *Explanation) appendRows(table *simpletable.Table, depth int, via string) {
	indent := strings.Repeat("  ", depth)
	label := fmt.Sprintf("#%d", x.Handle)
	if x.Fact != nil {
		label = x.Fact.String()
	}
	r := []*simpletable.Cell{
		{Text: indent + label},
		{Text: validString(x.Valid)},
		{Text: kindString(x)},
		{Text: via},
	}
	table.Body.Cells = append(table.Body.Cells, r)

	for _, sup := range x.Supports {
		for _, p := range sup.Premises {
			p.appendRows(table, depth+1, sup.Rule)
		}
	}
}

func validString(b bool) string {
	switch b {
	case true:
		return "VALID"
	default:
		return "INVALID"
	}
}

func kindString(x *Explanation) string {
	switch {
	case x.Explicit && x.Logical:
		return "explicit+logical"
	case x.Explicit:
		return "explicit"
	case x.Logical:
		return "logical"
	}
	return "retracted"
}

func wordWrap(text string, lineWidth int) string {
	words := strings.Fields(strings.TrimSpace(text))
	if len(words) == 0 {
		return text
	}
	wrapped := words[0]
	spaceLeft := lineWidth - len(wrapped)
	for _, word := range words[1:] {
		if len(word)+1 > spaceLeft {
			wrapped += "\n" + word
			spaceLeft = lineWidth - len(word)
		} else {
			wrapped += " " + word
			spaceLeft -= 1 + len(word)
		}
	}

	return wrapped

}
