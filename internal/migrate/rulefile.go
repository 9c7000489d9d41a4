package migrate

import (
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/google/cel-go/cel"
	"gopkg.in/yaml.v3"

	"rosbag/internal/expr"
	"rosbag/internal/schema"
)

// RuleFileExt is the suffix of migration rule files.
const RuleFileExt = ".bmr.yaml"

// ruleFile is one YAML document of a rule file.
type ruleFile struct {
	Rules []ruleDoc `yaml:"rules"`
}

// ruleDoc describes one rule. The old definition is the full definition
// text of the recorded layout. The new definition defaults to the installed
// one. Explicit hashes override the computed ones. Fields maps new field
// names to CEL expressions over `old`; other new fields are copied from
// same-named fields of the old message when the layouts match.
type ruleDoc struct {
	OldType       string            `yaml:"old_type"`
	OldMD5        string            `yaml:"old_md5,omitempty"`
	OldDefinition string            `yaml:"old_definition"`
	NewType       string            `yaml:"new_type,omitempty"`
	NewMD5        string            `yaml:"new_md5,omitempty"`
	NewDefinition string            `yaml:"new_definition,omitempty"`
	Fields        map[string]string `yaml:"fields,omitempty"`
}

// Loader turns rule files into rules, resolving nested and new types
// through a registry.
type Loader struct {
	registry *schema.Registry
	env      *cel.Env
}

// NewLoader returns a Loader.
func NewLoader(registry *schema.Registry) (*Loader, error) {
	env, err := cel.NewEnv(cel.Variable("old", cel.MapType(cel.StringType, cel.DynType)))
	if err != nil {
		return nil, fmt.Errorf("create expression environment: %w", err)
	}
	return &Loader{registry: registry, env: env}, nil
}

// LoadPaths loads every rule file named in paths. Directories are searched
// recursively for files ending in RuleFileExt.
func (l *Loader) LoadPaths(paths []string) ([]*Rule, error) {
	var rules []*Rule
	for _, p := range paths {
		files, err := expandRulePath(p)
		if err != nil {
			return nil, err
		}
		for _, f := range files {
			rs, err := l.LoadFile(f)
			if err != nil {
				return nil, err
			}
			rules = append(rules, rs...)
		}
	}
	return rules, nil
}

func expandRulePath(p string) ([]string, error) {
	fi, err := os.Stat(p)
	if err != nil {
		return nil, err
	}
	if !fi.IsDir() {
		return []string{p}, nil
	}
	matches, err := doublestar.Glob(os.DirFS(p), "**/*"+RuleFileExt)
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", p, err)
	}
	slices.Sort(matches)
	out := make([]string, len(matches))
	for i, m := range matches {
		out[i] = filepath.Join(p, filepath.FromSlash(m))
	}
	return out, nil
}

// LoadFile loads the rules of one file.
func (l *Loader) LoadFile(path string) ([]*Rule, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	return l.Load(f, path)
}

// Load reads rules from a stream of YAML documents. name identifies the
// source in errors and in Rule.Source.
func (l *Loader) Load(r io.Reader, name string) ([]*Rule, error) {
	dec := yaml.NewDecoder(r)
	var rules []*Rule
	for n := 0; ; n++ {
		var doc ruleFile
		err := dec.Decode(&doc)
		if errors.Is(err, io.EOF) {
			return rules, nil
		}
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", name, err)
		}
		for i, d := range doc.Rules {
			rule, err := l.build(d)
			if err != nil {
				return nil, fmt.Errorf("%s: document %d rule %d: %w", name, n+1, i+1, err)
			}
			rule.Source = name
			rules = append(rules, rule)
		}
	}
}

func (l *Loader) build(d ruleDoc) (*Rule, error) {
	if d.OldType == "" {
		return nil, fmt.Errorf("%w: old_type is required", ErrInvalidRule)
	}
	if strings.TrimSpace(d.OldDefinition) == "" {
		return nil, fmt.Errorf("%w: %s: old_definition is required", ErrInvalidRule, d.OldType)
	}
	old, err := schema.ParseFull(d.OldType, d.OldDefinition, l.registry.Current)
	if err != nil {
		return nil, err
	}
	old = withMD5(old, d.OldMD5)

	if d.NewType == "" {
		d.NewType = d.OldType
	}
	var nw *schema.Spec
	if strings.TrimSpace(d.NewDefinition) == "" {
		if nw, err = l.registry.Current(d.NewType); err != nil {
			return nil, err
		}
		if d.NewMD5 != "" && d.NewMD5 != nw.MD5 {
			return nil, fmt.Errorf("%w: %s: new_md5 %s is not the installed hash %s", ErrInvalidRule, d.NewType, d.NewMD5, nw.MD5)
		}
	} else {
		if nw, err = schema.ParseFull(d.NewType, d.NewDefinition, l.registry.Current); err != nil {
			return nil, err
		}
		nw = withMD5(nw, d.NewMD5)
	}

	exprs := map[string]*expr.Program{}
	for name, src := range d.Fields {
		if nw.Field(name) < 0 {
			return nil, fmt.Errorf("%w: %s has no field %q", ErrInvalidRule, nw.Type, name)
		}
		prog, err := expr.Compile(l.env, src)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", name, err)
		}
		exprs[name] = prog
	}
	for _, f := range nw.Fields {
		if _, ok := exprs[f.Name]; ok {
			continue
		}
		if j := old.Field(f.Name); j >= 0 && !compatible(old.Fields[j], f) {
			return nil, fmt.Errorf("%w: field %s changed layout and has no expression", ErrInvalidRule, f.Name)
		}
	}

	rule := &Rule{Old: old, New: nw, Transform: exprTransform(exprs)}
	if err := rule.validate(); err != nil {
		return nil, err
	}
	return rule, nil
}

// withMD5 returns s with its hash replaced by md5, when given.
func withMD5(s *schema.Spec, md5 string) *schema.Spec {
	if md5 == "" || md5 == s.MD5 {
		return s
	}
	c := *s
	c.MD5 = md5
	return &c
}

// exprTransform copies matching fields, then assigns every field that has
// an expression.
func exprTransform(exprs map[string]*expr.Program) Transform {
	names := slices.Sorted(maps.Keys(exprs))
	return func(in, out *schema.Message) error {
		CopyFields(in, out)
		vars := map[string]any{"old": schema.ToMap(in)}
		for _, name := range names {
			v, err := exprs[name].Eval(vars)
			if err != nil {
				return fmt.Errorf("field %s: %w", name, err)
			}
			if err := out.Set(name, v); err != nil {
				return err
			}
		}
		return nil
	}
}
