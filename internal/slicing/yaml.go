package slicing

import (
	"bytes"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/born-ml/tensorparallel/internal/nn"
	"github.com/born-ml/tensorparallel/internal/tperr"
)

// fileConfig is the YAML form of a Config:
//
//	num_parts: 2
//	policy: contiguous
//	output: sum
//	inputs:
//	  "0": replicate
//	rules:
//	  - pattern: fc1
//	    kind: linear
//	    params: {weight: split(0), bias: split(0)}
//	    produces: sharded(-1)
//	    output: concat(-1)
//	  - pattern: act
//	    consumes: any
//	    produces: same
//	  - pattern: fc2
//	    params: {weight: split(1), bias: custom(scale)}
//	    consumes: sharded(-1)
//	    produces: partial
type fileConfig struct {
	NumParts int               `yaml:"num_parts"`
	Policy   string            `yaml:"policy,omitempty"`
	Output   string            `yaml:"output,omitempty"`
	Inputs   map[string]string `yaml:"inputs,omitempty"`
	Rules    []fileRule        `yaml:"rules"`
}

type fileRule struct {
	Pattern  string                `yaml:"pattern"`
	Kind     string                `yaml:"kind,omitempty"`
	Params   map[string]string     `yaml:"params,omitempty"`
	Attrs    map[string]fileOffset `yaml:"attrs,omitempty"`
	Input    string                `yaml:"input,omitempty"`
	Consumes string                `yaml:"consumes,omitempty"`
	Produces string                `yaml:"produces,omitempty"`
	Output   string                `yaml:"output,omitempty"`
}

type fileOffset struct {
	Param string `yaml:"param"`
	Axis  int    `yaml:"axis"`
}

// LoadConfig reads a YAML config. Malformed documents fail with a
// ConfigError.
func LoadConfig(r io.Reader) (*Config, error) {
	var fc fileConfig
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&fc); err != nil {
		return nil, tperr.Configf("decoding slicing config: %v", err)
	}
	return fc.toConfig()
}

// LoadConfigFile reads a YAML config from path.
func LoadConfigFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening slicing config %s", path)
	}
	defer func() { _ = f.Close() }()
	return LoadConfig(f)
}

// MarshalConfig renders cfg as YAML. Custom combines and roles are written
// by name; custom transforms must be registered to load the result back.
func MarshalConfig(cfg *Config) ([]byte, error) {
	fc := fileConfig{
		NumParts: cfg.NumParts,
		Policy:   cfg.Policy.String(),
	}
	if cfg.Output != nil {
		fc.Output = cfg.Output.String()
	}
	if len(cfg.Inputs) > 0 {
		fc.Inputs = make(map[string]string, len(cfg.Inputs))
		for k, r := range cfg.Inputs {
			fc.Inputs[k] = r.String()
		}
	}
	for _, r := range cfg.Rules {
		fr := fileRule{
			Pattern:  r.Pattern,
			Kind:     string(r.Kind),
			Consumes: r.Consumes.String(),
			Produces: r.Produces.String(),
		}
		if r.Input.Kind != InputNone {
			fr.Input = r.Input.String()
		}
		if r.Output != nil {
			fr.Output = r.Output.String()
		}
		if len(r.Params) > 0 {
			fr.Params = make(map[string]string, len(r.Params))
			for name, a := range r.Params {
				fr.Params[name] = a.String()
			}
		}
		if len(r.Attrs) > 0 {
			fr.Attrs = make(map[string]fileOffset, len(r.Attrs))
			for name, off := range r.Attrs {
				fr.Attrs[name] = fileOffset(off)
			}
		}
		fc.Rules = append(fc.Rules, fr)
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&fc); err != nil {
		return nil, errors.Wrap(err, "encoding slicing config")
	}
	if err := enc.Close(); err != nil {
		return nil, errors.Wrap(err, "encoding slicing config")
	}
	return buf.Bytes(), nil
}

func (fc *fileConfig) toConfig() (*Config, error) {
	policy, err := ParseSplitPolicy(fc.Policy)
	if err != nil {
		return nil, tperr.Configf("%v", err)
	}
	cfg := &Config{NumParts: fc.NumParts, Policy: policy}
	if fc.Output != "" {
		c, err := parseCombine(fc.Output)
		if err != nil {
			return nil, tperr.Configf("output: %v", err)
		}
		cfg.Output = &c
	}
	if len(fc.Inputs) > 0 {
		cfg.Inputs = make(map[string]InputRole, len(fc.Inputs))
		keys := make([]string, 0, len(fc.Inputs))
		for k := range fc.Inputs {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			role, err := parseRole(fc.Inputs[k])
			if err != nil {
				return nil, tperr.Configf("input %q: %v", k, err)
			}
			cfg.Inputs[k] = role
		}
	}
	for i, fr := range fc.Rules {
		r, err := fr.toRule()
		if err != nil {
			return nil, tperr.Configf("rule %d (%q): %v", i, fr.Pattern, err)
		}
		cfg.Rules = append(cfg.Rules, r)
	}
	return cfg, nil
}

func (fr *fileRule) toRule() (Rule, error) {
	r := Rule{Pattern: fr.Pattern, Kind: nn.Kind(fr.Kind)}
	var err error
	if r.Input, err = parseInput(fr.Input); err != nil {
		return r, err
	}
	if r.Consumes, err = parseLayout(fr.Consumes); err != nil {
		return r, err
	}
	if r.Produces, err = parseLayout(fr.Produces); err != nil {
		return r, err
	}
	if fr.Output != "" {
		c, err := parseCombine(fr.Output)
		if err != nil {
			return r, err
		}
		r.Output = &c
	}
	if len(fr.Params) > 0 {
		r.Params = make(map[string]Action, len(fr.Params))
		for name, s := range fr.Params {
			a, err := parseAction(s)
			if err != nil {
				return r, errors.Wrapf(err, "param %q", name)
			}
			r.Params[name] = a
		}
	}
	if len(fr.Attrs) > 0 {
		r.Attrs = make(map[string]ShardOffset, len(fr.Attrs))
		for name, off := range fr.Attrs {
			r.Attrs[name] = ShardOffset(off)
		}
	}
	return r, nil
}

// parseCall splits "name(arg)" into name and arg; "name" has no arg.
func parseCall(s string) (name, arg string, hasArg bool, err error) {
	s = strings.TrimSpace(s)
	open := strings.IndexByte(s, '(')
	if open < 0 {
		return s, "", false, nil
	}
	if !strings.HasSuffix(s, ")") {
		return "", "", false, errors.Errorf("malformed %q", s)
	}
	return s[:open], strings.TrimSpace(s[open+1 : len(s)-1]), true, nil
}

func parseIntArg(s, arg string, hasArg bool) (int, error) {
	if !hasArg {
		return 0, errors.Errorf("%q needs an integer argument", s)
	}
	v, err := strconv.Atoi(arg)
	if err != nil {
		return 0, errors.Errorf("%q: bad integer %q", s, arg)
	}
	return v, nil
}

func parseAction(s string) (Action, error) {
	name, arg, hasArg, err := parseCall(s)
	if err != nil {
		return Action{}, err
	}
	switch name {
	case "replicate":
		return Replicate(), nil
	case "split":
		axis, err := parseIntArg(s, arg, hasArg)
		return Split(axis), err
	case "custom":
		t, ok := LookupTransform(arg)
		if !ok {
			return Action{}, errors.Errorf("unknown transform %q", arg)
		}
		return Custom(t), nil
	default:
		return Action{}, errors.Errorf("unknown action %q", s)
	}
}

func parseCombine(s string) (CombineAction, error) {
	name, arg, hasArg, err := parseCall(s)
	if err != nil {
		return CombineAction{}, err
	}
	switch name {
	case "none":
		return CombineAction{}, nil
	case "concat":
		axis, err := parseIntArg(s, arg, hasArg)
		return Concat(axis), err
	case "sum":
		return Sum(), nil
	case "mean":
		return Mean(), nil
	case "select":
		idx, err := parseIntArg(s, arg, hasArg)
		return SelectOne(idx), err
	default:
		return CombineAction{}, errors.Errorf("unknown combine %q", s)
	}
}

func parseLayout(s string) (Layout, error) {
	name, arg, hasArg, err := parseCall(s)
	if err != nil {
		return Layout{}, err
	}
	switch name {
	case "", "full":
		return Full(), nil
	case "sharded":
		axis, err := parseIntArg(s, arg, hasArg)
		return Sharded(axis), err
	case "partial":
		return Partial(), nil
	case "any":
		return Any(), nil
	case "same":
		return Same(), nil
	default:
		return Layout{}, errors.Errorf("unknown layout %q", s)
	}
}

func parseInput(s string) (InputAction, error) {
	name, arg, hasArg, err := parseCall(s)
	if err != nil {
		return InputAction{}, err
	}
	switch name {
	case "", "none":
		return InputAction{}, nil
	case "gather":
		return Gather(), nil
	case "scatter":
		axis, err := parseIntArg(s, arg, hasArg)
		return Scatter(axis), err
	default:
		return InputAction{}, errors.Errorf("unknown input action %q", s)
	}
}

func parseRole(s string) (InputRole, error) {
	name, arg, hasArg, err := parseCall(s)
	if err != nil {
		return InputRole{}, err
	}
	switch name {
	case "auto":
		return InputRole{}, nil
	case "replicate":
		return ReplicateRole(), nil
	case "split":
		axis, err := parseIntArg(s, arg, hasArg)
		return SplitBatchRole(axis), err
	default:
		return InputRole{}, errors.Errorf("unknown input role %q", s)
	}
}
