// Package guardrail validates candidate markup before it is served or
// installed: size bound, script and inline-handler scan, data-ai-* marker
// preservation against the seed, and a configurable phrase policy.
package guardrail

import (
	"fmt"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/morphlab/adapt/internal/config"
)

// Rejection reasons carried into the audit log.
const (
	ReasonTooLarge      = "html_too_large"
	ReasonUnparsable    = "unparsable_html"
	ReasonScript        = "script_content"
	ReasonMarkerDropped = "marker_dropped"
	ReasonFlaggedPhrase = "flagged_phrase"
)

// Elements that never appear in a served variant.
var forbiddenElements = map[string]bool{
	"script": true,
	"iframe": true,
	"object": true,
	"embed":  true,
}

// Attributes whose values can smuggle a script URL.
var urlAttributes = map[string]bool{
	"href":       true,
	"src":        true,
	"action":     true,
	"formaction": true,
}

// No inline handlers are allowed; the embed script owns all event wiring.
var allowedEventHandlers = map[string]bool{}

// Verdict is the outcome of one validation.
type Verdict struct {
	Approved bool   `json:"approved"`
	Reason   string `json:"reason,omitempty"`
	Detail   string `json:"detail,omitempty"`
}

// Validator applies the policy. Pure; safe for concurrent use.
type Validator struct {
	maxBytes int
	phrases  []string
}

// New creates a Validator from config.
func New(cfg config.GuardrailConfig) *Validator {
	phrases := make([]string, 0, len(cfg.FlaggedPhrases))
	for _, p := range cfg.FlaggedPhrases {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			phrases = append(phrases, p)
		}
	}
	return &Validator{maxBytes: cfg.MaxHTMLBytes, phrases: phrases}
}

// Validate checks candidate markup against the seed fragment it derives
// from. The seed supplies the data-ai-* markers that must survive.
func (v *Validator) Validate(seedHTML, candidateHTML string) Verdict {
	if len(candidateHTML) > v.maxBytes {
		return reject(ReasonTooLarge, fmt.Sprintf("%d bytes over the %d byte bound", len(candidateHTML), v.maxBytes))
	}

	nodes, err := ParseFragment(candidateHTML)
	if err != nil || len(nodes) == 0 {
		return reject(ReasonUnparsable, "candidate did not parse as markup")
	}

	for _, n := range nodes {
		if verdict, ok := scanNode(n); !ok {
			return verdict
		}
	}

	lowered := strings.ToLower(candidateHTML)
	for name, want := range SeedMarkers(seedHTML) {
		if !MarkerPresent(nodes, name, want) {
			return reject(ReasonMarkerDropped, fmt.Sprintf("missing %s=%q", name, want))
		}
	}

	for _, phrase := range v.phrases {
		if strings.Contains(lowered, phrase) {
			return reject(ReasonFlaggedPhrase, fmt.Sprintf("contains %q", phrase))
		}
	}

	return Verdict{Approved: true}
}

func reject(reason, detail string) Verdict {
	return Verdict{Reason: reason, Detail: detail}
}

func scanNode(n *html.Node) (Verdict, bool) {
	if n.Type == html.ElementNode {
		if forbiddenElements[n.Data] {
			return reject(ReasonScript, fmt.Sprintf("<%s> element", n.Data)), false
		}
		for _, a := range n.Attr {
			key := strings.ToLower(a.Key)
			if strings.HasPrefix(key, "on") && !allowedEventHandlers[key] {
				return reject(ReasonScript, fmt.Sprintf("inline handler %s", key)), false
			}
			if urlAttributes[key] && strings.HasPrefix(strings.ToLower(strings.TrimSpace(a.Val)), "javascript:") {
				return reject(ReasonScript, fmt.Sprintf("script url in %s", key)), false
			}
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if verdict, ok := scanNode(c); !ok {
			return verdict, false
		}
	}
	return Verdict{}, true
}

// ParseFragment parses markup as body content, the shape variants arrive
// in. Returns the top-level nodes.
func ParseFragment(fragment string) ([]*html.Node, error) {
	ctxNode := &html.Node{Type: html.ElementNode, Data: "body", DataAtom: atom.Body}
	nodes, err := html.ParseFragment(strings.NewReader(fragment), ctxNode)
	if err != nil {
		return nil, fmt.Errorf("parsing fragment: %w", err)
	}
	// Whitespace-only text nodes around the fragment are noise.
	var out []*html.Node
	for _, n := range nodes {
		if n.Type == html.TextNode && strings.TrimSpace(n.Data) == "" {
			continue
		}
		out = append(out, n)
	}
	return out, nil
}

// SeedMarkers collects every data-ai-* attribute in the fragment, keyed
// by attribute name. An unparsable seed yields no markers.
func SeedMarkers(fragment string) map[string]string {
	markers := make(map[string]string)
	nodes, err := ParseFragment(fragment)
	if err != nil {
		return markers
	}
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			for _, a := range n.Attr {
				if strings.HasPrefix(strings.ToLower(a.Key), "data-ai-") {
					markers[strings.ToLower(a.Key)] = a.Val
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	for _, n := range nodes {
		walk(n)
	}
	return markers
}

// MarkerPresent reports whether any element in nodes carries the marker
// attribute with the expected value.
func MarkerPresent(nodes []*html.Node, name, want string) bool {
	var found bool
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if found {
			return
		}
		if n.Type == html.ElementNode {
			for _, a := range n.Attr {
				if strings.ToLower(a.Key) == name && a.Val == want {
					found = true
					return
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	for _, n := range nodes {
		walk(n)
	}
	return found
}
