package migrate

import (
	"bytes"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"rosbag/internal/schema"
)

// Scaffold writes a rule file document with one stub per missing gap of
// failures. Fields that cannot be copied from the old layout get an empty
// expression, which the loader rejects until it is filled in.
func Scaffold(w io.Writer, failures []Failure) (int, error) {
	var doc ruleFile
	for _, f := range failures {
		for _, g := range f.Missing {
			if g.To == "" {
				continue
			}
			doc.Rules = append(doc.Rules, stub(g))
		}
	}
	if len(doc.Rules) == 0 {
		return 0, nil
	}

	var buf bytes.Buffer
	buf.WriteString("# Migration rule stubs. Old definitions may be missing for bags without\n")
	buf.WriteString("# embedded definitions; every empty field expression must be filled in.\n")
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return 0, fmt.Errorf("encode rule stubs: %w", err)
	}
	if err := enc.Close(); err != nil {
		return 0, fmt.Errorf("encode rule stubs: %w", err)
	}
	if _, err := w.Write(buf.Bytes()); err != nil {
		return 0, err
	}
	return len(doc.Rules), nil
}

func stub(g Gap) ruleDoc {
	d := ruleDoc{OldType: g.Type, OldMD5: g.From, NewType: g.Type, NewMD5: g.To}
	if g.ToSpec != nil {
		d.NewType = g.ToSpec.Type
	}
	if g.FromSpec != nil {
		d.OldDefinition = schema.FullText(g.FromSpec) + "\n"
	}
	if g.FromSpec == nil || g.ToSpec == nil {
		return d
	}
	for _, f := range g.ToSpec.Fields {
		j := g.FromSpec.Field(f.Name)
		if j >= 0 && compatible(g.FromSpec.Fields[j], f) {
			continue
		}
		if d.Fields == nil {
			d.Fields = map[string]string{}
		}
		d.Fields[f.Name] = ""
	}
	return d
}
