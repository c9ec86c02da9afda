package regen

import (
	"strings"

	"golang.org/x/net/html"

	"github.com/morphlab/adapt/internal/guardrail"
)

// Graft forces the seed's structural skeleton onto generated markup. The
// top-level tag always matches the seed's, and every data-ai-* marker the
// seed carries survives, grafted onto the top-level element when the
// model dropped it. Returns "" when the generated markup is unusable.
func Graft(seedHTML, generated string) string {
	seedNodes, err := guardrail.ParseFragment(seedHTML)
	if err != nil {
		return generated
	}
	seedTop := firstElement(seedNodes)
	if seedTop == nil {
		return generated
	}

	genNodes, err := guardrail.ParseFragment(generated)
	if err != nil || len(genNodes) == 0 {
		return ""
	}

	top := firstElement(genNodes)
	if len(genNodes) != 1 || top == nil || top.Data != seedTop.Data {
		top = wrap(seedTop, genNodes)
		genNodes = []*html.Node{top}
	}

	for name, want := range guardrail.SeedMarkers(seedHTML) {
		if !guardrail.MarkerPresent(genNodes, name, want) {
			setAttr(top, name, want)
		}
	}
	return render(genNodes)
}

func firstElement(nodes []*html.Node) *html.Node {
	for _, n := range nodes {
		if n.Type == html.ElementNode {
			return n
		}
	}
	return nil
}

// wrap rebuilds the seed's top-level element around the generated nodes.
func wrap(seedTop *html.Node, children []*html.Node) *html.Node {
	top := &html.Node{
		Type:     html.ElementNode,
		Data:     seedTop.Data,
		DataAtom: seedTop.DataAtom,
		Attr:     append([]html.Attribute(nil), seedTop.Attr...),
	}
	for _, c := range children {
		top.AppendChild(c)
	}
	return top
}

func setAttr(n *html.Node, key, val string) {
	for i := range n.Attr {
		if strings.ToLower(n.Attr[i].Key) == key {
			n.Attr[i].Val = val
			return
		}
	}
	n.Attr = append(n.Attr, html.Attribute{Key: key, Val: val})
}

func render(nodes []*html.Node) string {
	var sb strings.Builder
	for _, n := range nodes {
		if err := html.Render(&sb, n); err != nil {
			return ""
		}
	}
	return sb.String()
}
