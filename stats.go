package rete

import (
	"fmt"
	"sort"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

// Stats is a snapshot of the engine: network shape, work counters and the
// state of the justification graph. Counters accumulate over the engine's
// life; compare two snapshots to measure one operation.
type Stats struct {
	// Declared schemas, compiled rules, facts currently valid
	Schemas int
	Rules   int
	Facts   int

	// Network shape
	AlphaNodes    int
	BetaNodes     int
	TerminalNodes int

	// Fact type -> number of nodes a change to a fact of the type can
	// visit. The unit of incremental cost.
	DependencySetSizes map[string]int

	// Work done since the engine was created
	AlphaVisits int64
	BetaVisits  int64
	Tokens      int64
	Activations int64
	Firings     int64
	Inserts     int64
	Retracts    int64

	// Justification graph
	TMSNodes       int
	TMSValid       int
	TMSLogical     int
	Justifications int
	SupportEdges   int
}

// Stats returns a snapshot of the engine's current state and counters.
func (e *Engine) Stats() Stats {
	ts := e.tms.stats()
	s := Stats{
		Schemas:            len(e.schemas),
		Rules:              len(e.rules),
		Facts:              len(e.wm.facts),
		AlphaNodes:         len(e.net.alphas),
		BetaNodes:          len(e.net.betas),
		TerminalNodes:      len(e.net.terminals),
		DependencySetSizes: map[string]int{},
		AlphaVisits:        e.counts.alphaVisits,
		BetaVisits:         e.counts.betaVisits,
		Tokens:             e.counts.tokens,
		Activations:        e.counts.activations,
		Firings:            e.counts.firings,
		Inserts:            e.counts.inserts,
		Retracts:           e.counts.retracts,
		TMSNodes:           ts.nodes,
		TMSValid:           ts.valid,
		TMSLogical:         ts.logical,
		Justifications:     ts.justifications,
		SupportEdges:       ts.edges,
	}
	for t := range e.net.deps {
		s.DependencySetSizes[t] = len(e.net.deps[t])
	}
	return s
}

// Visits is the total number of network nodes evaluated since the engine
// was created.
func (s Stats) Visits() int64 {
	return s.AlphaVisits + s.BetaVisits
}

// String produces a table of the engine state and counters.
func (s Stats) String() string {

	tw := table.NewWriter()
	tw.SetTitle("\nENGINE STATISTICS\n")
	tw.AppendHeader(table.Row{"Metric", "Value"})

	tw.AppendRow(table.Row{"Schemas", humanize.Comma(int64(s.Schemas))})
	tw.AppendRow(table.Row{"Rules", humanize.Comma(int64(s.Rules))})
	tw.AppendRow(table.Row{"Facts", humanize.Comma(int64(s.Facts))})
	tw.AppendSeparator()
	tw.AppendRow(table.Row{"Alpha nodes", humanize.Comma(int64(s.AlphaNodes))})
	tw.AppendRow(table.Row{"Beta nodes", humanize.Comma(int64(s.BetaNodes))})
	tw.AppendRow(table.Row{"Terminal nodes", humanize.Comma(int64(s.TerminalNodes))})

	types := make([]string, 0, len(s.DependencySetSizes))
	for t := range s.DependencySetSizes {
		types = append(types, t)
	}
	sort.Strings(types)
	for _, t := range types {
		tw.AppendRow(table.Row{fmt.Sprintf("Dependency set: %s", t), humanize.Comma(int64(s.DependencySetSizes[t]))})
	}

	tw.AppendSeparator()
	tw.AppendRow(table.Row{"Alpha visits", humanize.Comma(s.AlphaVisits)})
	tw.AppendRow(table.Row{"Beta visits", humanize.Comma(s.BetaVisits)})
	tw.AppendRow(table.Row{"Tokens built", humanize.Comma(s.Tokens)})
	tw.AppendRow(table.Row{"Activations", humanize.Comma(s.Activations)})
	tw.AppendRow(table.Row{"Firings", humanize.Comma(s.Firings)})
	tw.AppendRow(table.Row{"Inserts", humanize.Comma(s.Inserts)})
	tw.AppendRow(table.Row{"Retracts", humanize.Comma(s.Retracts)})
	tw.AppendSeparator()
	tw.AppendRow(table.Row{"TMS nodes", humanize.Comma(int64(s.TMSNodes))})
	tw.AppendRow(table.Row{"TMS valid", humanize.Comma(int64(s.TMSValid))})
	tw.AppendRow(table.Row{"TMS logical", humanize.Comma(int64(s.TMSLogical))})
	tw.AppendRow(table.Row{"Justifications", humanize.Comma(int64(s.Justifications))})
	tw.AppendRow(table.Row{"Support edges", humanize.Comma(int64(s.SupportEdges))})

	style := table.StyleLight
	style.Format.Header = text.FormatDefault
	tw.SetStyle(style)
	return tw.Render()
}
