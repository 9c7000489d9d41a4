// Package expr compiles and evaluates CEL expressions over decoded
// messages.
package expr

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/common/types/traits"
)

// ErrEmpty is returned when compiling a blank expression.
var ErrEmpty = errors.New("empty expression")

// Program is a compiled expression.
type Program struct {
	src  string
	prog cel.Program
}

// Compile parses, type checks and plans src in env.
func Compile(env *cel.Env, src string) (*Program, error) {
	src = strings.TrimSpace(src)
	if src == "" {
		return nil, ErrEmpty
	}
	ast, iss := env.Parse(src)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("parse %q: %w", src, iss.Err())
	}
	checked, iss := env.Check(ast)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("check %q: %w", src, iss.Err())
	}
	prog, err := env.Program(checked)
	if err != nil {
		return nil, fmt.Errorf("plan %q: %w", src, err)
	}
	return &Program{src: src, prog: prog}, nil
}

func (p *Program) String() string { return p.src }

// Eval evaluates the program and converts the result to plain Go values:
// int64, uint64, float64, bool, string, []byte, []any, map[string]any or
// nil.
func (p *Program) Eval(vars map[string]any) (any, error) {
	out, _, err := p.prog.Eval(vars)
	if err != nil {
		return nil, fmt.Errorf("eval %q: %w", p.src, err)
	}
	return Native(out)
}

// Bool evaluates a predicate.
func (p *Program) Bool(vars map[string]any) (bool, error) {
	v, err := p.Eval(vars)
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("eval %q: result is %T, not bool", p.src, v)
	}
	return b, nil
}

// Native converts a CEL value to plain Go values.
func Native(v ref.Val) (any, error) {
	switch x := v.(type) {
	case types.Null:
		return nil, nil
	case *types.Err:
		return nil, x
	case traits.Mapper:
		out := map[string]any{}
		it := x.Iterator()
		for it.HasNext() == types.True {
			k := it.Next()
			name, ok := k.Value().(string)
			if !ok {
				return nil, fmt.Errorf("map key %v is not a string", k.Value())
			}
			val, err := Native(x.Get(k))
			if err != nil {
				return nil, err
			}
			out[name] = val
		}
		return out, nil
	case traits.Lister:
		n, ok := x.Size().(types.Int)
		if !ok {
			return nil, errors.New("list without size")
		}
		out := make([]any, int(n))
		for i := range out {
			val, err := Native(x.Get(types.Int(i)))
			if err != nil {
				return nil, err
			}
			out[i] = val
		}
		return out, nil
	}
	return v.Value(), nil
}
