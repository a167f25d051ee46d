package rete

import (
	"bytes"
	"fmt"
	"io/ioutil"
	"strings"
	"text/template"
)

// This file contains functions that enable users to inspect the compiled
// match network.

// StructureToTmpFile is a convenience wrapper around StructureToHTML.
// It writes the HTML to a temporary file and returns the file name.
func StructureToTmpFile(e *Engine) (string, error) {
	html, err := StructureToHTML(e)
	if err != nil {
		return "", err
	}

	f, err := ioutil.TempFile("", "network_*.html")
	if err != nil {
		return "", err
	}
	_, err = f.WriteString(html)
	if err != nil {
		return "", err
	}
	return f.Name(), nil

}

// nodeView is the template-facing shape of a network node: its printable
// label, a CSS class for the node kind, and the nodes below it.
type nodeView struct {
	Label    string
	Class    string
	Children []nodeView
}

// StructureToHTML walks the engine's match network, printing information
// about each node. It returns a standalone HTML page with the results: one
// tree per fact type with the shared test chain, and one tree per rule with
// its join steps.
func StructureToHTML(e *Engine) (string, error) {

	page, err := template.New("page").Parse(`
	<html>
	<head>

	<style>
	body {
		padding-left: 50px;
		padding-top: 50px;
		padding-right: 30px;
		padding-bottom: 100px;
		max-width: 700px;
		font-family: 'SF Pro Text', 'Roboto', 'Arial', sans-serif;
	}

	.title {
		font-size: 20px;
		font-weight: 600;
		color: #7F7F7F;
		padding-bottom: 30px;
	}
	.section {
		font-size: 16px;
		font-weight: 600;
		color: #7F7F7F;
		padding-top: 30px;
	}
	.nodeText {
		font-size: 12px;
		color: #7F7F7F;
	}

	ul {
		padding-left: 2em;
		margin: 0.5em;
		list-style: none;
		vertical-align: top;
	}

	ul > li {
		padding-top: 5px;
		clear: left;
	}

	li:before {
		content: "";
		height: 0.7em;
		width: 0.7em;
		display: block;
		float: left;
		margin-left: -20px;
		margin-top: 3px;
		border-radius: 50%;
	}

	li.root:before     { background-color: #008AFF; }
	li.alpha:before    { background-color: #00CCE6; }
	li.join:before     { background-color: #F47A00; }
	li.not:before      { background-color: #DD3300; }
	li.exists:before   { background-color: #A100DD; }
	li.forall:before   { background-color: #7F00AA; }
	li.terminal:before { background-color: #00AA55; }
	</style>
	</head>

	<body>

	{{define "node"}}
		<li class="{{.Class}}">
			<span class="nodeText">{{.Label}}</span>
			{{if .Children}}
				<ul>
					{{range .Children}}
						{{template "node" .}}
					{{end}}
				</ul>
			{{end}}
		</li>
	{{end}}

	<span class="title">Match Network</span>

	<div class="section">Test chains by fact type</div>
	{{if .Alphas}}
		{{range .Alphas}}
			<ul>
				{{template "node" .}}
			</ul>
		{{end}}
	{{else}}
		No fact types in the network
	{{end}}

	<div class="section">Join chains by rule</div>
	{{if .Betas}}
		{{range .Betas}}
			<ul>
				{{template "node" .}}
			</ul>
		{{end}}
	{{else}}
		No rules in the network
	{{end}}
	</body>
	</html>
   `)

	if err != nil {
		return "", err
	}

	view := struct {
		Alphas []nodeView
		Betas  []nodeView
	}{}
	for _, t := range e.SchemaTypes() {
		root, ok := e.net.typeRoots[t]
		if !ok {
			continue
		}
		view.Alphas = append(view.Alphas, alphaView(root))
	}
	for _, id := range e.ruleOrder {
		view.Betas = append(view.Betas, e.ruleChains(id)...)
	}

	buf := new(bytes.Buffer)
	err = page.ExecuteTemplate(buf, "page", view)
	if err != nil {
		return "", err
	}
	return buf.String(), nil
}

func alphaView(n *alphaNode) nodeView {
	v := nodeView{Label: n.label(), Class: "alpha"}
	if n.test == nil {
		v.Class = "root"
	}
	for _, c := range n.children {
		v.Children = append(v.Children, alphaView(c))
	}
	return v
}

// ruleChains returns one tree per disjunct of the rule, each a linear chain
// of join steps ending in the terminal.
func (e *Engine) ruleChains(ruleID string) []nodeView {
	var out []nodeView
	for _, term := range e.net.terminals {
		if term.rule.ID != ruleID {
			continue
		}
		// walk up to the head of the chain, then render downward
		var chain []*betaNode
		for n := e.betaByTerminal(term); n != nil; n = n.parent {
			chain = append([]*betaNode{n}, chain...)
		}
		node := nodeView{Label: term.label(), Class: "terminal"}
		for i := len(chain) - 1; i >= 0; i-- {
			node = nodeView{
				Label:    betaLabel(chain[i]),
				Class:    chain[i].kind.String(),
				Children: []nodeView{node},
			}
		}
		out = append(out, node)
	}
	return out
}

func (e *Engine) betaByTerminal(term *terminalNode) *betaNode {
	for _, b := range e.net.betas {
		if b.terminal == term {
			return b
		}
	}
	return nil
}

func betaLabel(n *betaNode) string {
	var parts []string
	switch n.kind {
	case nodeJoin:
		if n.varName != "" {
			parts = append(parts, fmt.Sprintf("%s: %s", n.varName, n.factType))
		} else {
			parts = append(parts, n.factType)
		}
	case nodeNot:
		parts = append(parts, fmt.Sprintf("not %s", n.factType))
	case nodeExists:
		parts = append(parts, fmt.Sprintf("exists %s", n.factType))
	case nodeForall:
		parts = append(parts, fmt.Sprintf("forall %s", n.factType))
	}
	for _, jt := range n.tests {
		parts = append(parts, fmt.Sprintf("%s %s %s.%s", jt.field, jt.op, jt.refVar, jt.refField))
	}
	return strings.Join(parts, ", ")
}
