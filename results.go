package rete

import (
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

// FireResult describes one FireAll call: which rules fired, in order, and
// what their actions did. It is returned even when FireAll stops early on
// an error, covering the firings that did happen.
type FireResult struct {
	// The firings in the order they happened
	Firings []Firing

	// Number of activations fired; a FireAll that fires nothing returns 0
	Cycles int

	// Condition tests that could not be evaluated while propagating the
	// effects of actions. These do not stop firing; see ConditionError.
	ConditionErrors []*ConditionError
}

// Firing is one rule execution: the activation that triggered it and the
// facts its declarative actions produced or removed.
type Firing struct {
	// ID of the rule that fired
	Rule string

	// The activation, with the matched facts and variable bindings
	Activation *Activation

	// Handles asserted by the rule's Assert actions, in action order
	Asserted []FactHandle

	// Handles retracted by the rule's Retract actions, in action order
	Retracted []FactHandle
}

// String produces a table of the firings in the order they happened.
func (u *FireResult) String() string {

	tw := table.NewWriter()
	tw.SetTitle("\nFIRING SUMMARY\n")
	tw.AppendHeader(table.Row{"\nCycle", "\nRule", "\nSalience", "Matched\nFacts", "\nAsserted", "\nRetracted"})

	for i, f := range u.Firings {
		tw.AppendRow(table.Row{
			fmt.Sprintf("%d", i+1),
			f.Rule,
			fmt.Sprintf("%d", f.Activation.Salience),
			handleList(f.Activation.Handles),
			handleList(f.Asserted),
			handleList(f.Retracted),
		})
	}
	tw.AppendFooter(table.Row{"", "", "", "", "Condition errors", fmt.Sprintf("%d", len(u.ConditionErrors))})
	style := table.StyleLight
	style.Format.Header = text.FormatDefault
	style.Format.Footer = text.FormatDefault
	tw.SetStyle(style)
	return tw.Render()
}

func handleList(hs []FactHandle) string {
	if len(hs) == 0 {
		return ""
	}
	s := make([]string, len(hs))
	for i, h := range hs {
		s[i] = fmt.Sprintf("%d", h)
	}
	return strings.Join(s, ", ")
}
