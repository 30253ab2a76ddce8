package router

import (
	"errors"
	"fmt"

	"github.com/melih/lighthouse/internal/tag"
)

// MatchAny matches every first segment.
const MatchAny = "*"

// ErrNoRoute is returned when no rule matches a tag.
var ErrNoRoute = errors.New("no route for tag")

// Rule routes tags whose first segment equals Match.
type Rule struct {
	Match    string `validate:"required"`
	Template string `validate:"required"`
}

// DefaultRules keeps container output and deployment logs of a workspace side by side.
func DefaultRules() []Rule {
	return []Rule{
		{Match: "service", Template: "${tag[1]}.${tag[2]}/${tag[3]}/logs/app.log"},
		{Match: "internal", Template: "${tag[1]}.${tag[2]}/${tag[3]}/logs/deploy.log"},
	}
}

type compiledRule struct {
	match   string
	project Projection
}

// Table is an ordered routing table; the first matching rule wins.
type Table struct {
	rules []compiledRule
}

// NewTable compiles the rules.
func NewTable(rules []Rule) (*Table, error) {
	t := &Table{}
	for i, r := range rules {
		if r.Match == "" {
			return nil, fmt.Errorf("route %d: empty match", i)
		}
		p, err := CompileTemplate(r.Template)
		if err != nil {
			return nil, fmt.Errorf("route %d (%s): %w", i, r.Match, err)
		}
		t.rules = append(t.rules, compiledRule{match: r.Match, project: p})
	}
	return t, nil
}

// Resolve returns the destination for t.
func (t *Table) Resolve(tg tag.Tag) (string, error) {
	first, _ := tg.Segment(1)
	for _, r := range t.rules {
		if r.match == MatchAny || r.match == first {
			return r.project(tg)
		}
	}
	return "", fmt.Errorf("%w %q", ErrNoRoute, tg)
}
