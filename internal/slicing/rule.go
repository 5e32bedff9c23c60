package slicing

import (
	"path"
	"strings"

	"github.com/born-ml/tensorparallel/internal/nn"
	"github.com/born-ml/tensorparallel/internal/tperr"
)

// Rule is the slicing record for the operators matched by Pattern.
//
// Pattern is a glob over the dotted operator path: "*" matches one path
// component or part of one ("block.*.fc1", "fc*"), and a pattern without
// wildcards matches exactly one path. When Kind is set the rule only matches
// operators of that kind.
type Rule struct {
	Pattern string
	Kind    nn.Kind

	// Params maps local parameter names ("weight", "bias") to actions.
	// Parameters not listed are replicated.
	Params map[string]Action
	// Attrs overrides integer module attributes per shard.
	Attrs map[string]ShardOffset

	Input    InputAction
	Consumes Layout
	Produces Layout
	// Output is the action that recombines the operator's output into a
	// full tensor. Nil derives it from Produces.
	Output *CombineAction
}

// Action returns the action for a local parameter name.
func (r *Rule) Action(param string) Action {
	if a, ok := r.Params[param]; ok {
		return a
	}
	return Replicate()
}

// Sliced reports whether the rule splits or transforms any parameter.
func (r *Rule) Sliced() bool {
	for _, a := range r.Params {
		if a.Kind != ActionReplicate {
			return true
		}
	}
	return false
}

func isGlob(pattern string) bool {
	return strings.ContainsAny(pattern, "*?[")
}

// Match reports whether the rule applies to the operator at opPath.
func (r *Rule) Match(opPath string, kind nn.Kind) (bool, error) {
	if r.Kind != "" && r.Kind != kind {
		return false, nil
	}
	if !isGlob(r.Pattern) {
		return r.Pattern == opPath, nil
	}
	ok, err := path.Match(toSlashes(r.Pattern), toSlashes(opPath))
	if err != nil {
		return false, tperr.Configf("malformed rule pattern %q: %v", r.Pattern, err)
	}
	return ok, nil
}

func toSlashes(dotted string) string {
	return strings.ReplaceAll(dotted, ".", "/")
}

// selectRule returns the rule for an operator. An exact pattern wins over
// globs; two matching rules of the same precedence are ambiguous.
func selectRule(rules []Rule, opPath string, kind nn.Kind) (*Rule, error) {
	var exact, glob []*Rule
	for i := range rules {
		r := &rules[i]
		ok, err := r.Match(opPath, kind)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		if isGlob(r.Pattern) {
			glob = append(glob, r)
		} else {
			exact = append(exact, r)
		}
	}
	for _, group := range [][]*Rule{exact, glob} {
		switch len(group) {
		case 0:
			continue
		case 1:
			return group[0], nil
		default:
			return nil, &tperr.ConfigError{
				Operators: []string{displayPath(opPath)},
				Reason:    "ambiguous rules: patterns " + quoted(group[0].Pattern) + " and " + quoted(group[1].Pattern) + " both match",
			}
		}
	}
	return nil, nil
}

func quoted(s string) string { return `"` + s + `"` }

func displayPath(p string) string {
	if p == "" {
		return "<root>"
	}
	return p
}
