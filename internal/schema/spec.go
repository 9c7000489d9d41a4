// Package schema resolves message types to wire codecs.
//
// A message type is described by definition text (one "type name" field or
// "type NAME=value" constant per line). The content hash of a type is the MD5
// of its normalized definition, in which every nested message type is
// replaced by that type's own hash, so the hash changes exactly when the wire
// layout changes.
//
// Specs come from two places: a Catalog of installed types, and the full
// definition text embedded in V1.2 bags. The Registry caches codecs by hash,
// never by name, because one name can map to several layouts across bags.
package schema

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	ErrBadDefinition = errors.New("malformed message definition")
	ErrUnresolvable  = errors.New("schema unresolvable")
	ErrHashMismatch  = errors.New("schema hash mismatch")
)

// HeaderType is the package-qualified type a bare "Header" field refers to.
const HeaderType = "roslib/Header"

// Kind identifies how a field is laid out on the wire.
type Kind uint8

const (
	KindBool Kind = iota + 1
	KindInt8
	KindUint8
	KindInt16
	KindUint16
	KindInt32
	KindUint32
	KindInt64
	KindUint64
	KindFloat32
	KindFloat64
	KindString
	KindTime
	KindDuration
	KindMessage
)

var builtinKinds = map[string]Kind{
	"bool":     KindBool,
	"byte":     KindInt8,
	"char":     KindUint8,
	"int8":     KindInt8,
	"uint8":    KindUint8,
	"int16":    KindInt16,
	"uint16":   KindUint16,
	"int32":    KindInt32,
	"uint32":   KindUint32,
	"int64":    KindInt64,
	"uint64":   KindUint64,
	"float32":  KindFloat32,
	"float64":  KindFloat64,
	"string":   KindString,
	"time":     KindTime,
	"duration": KindDuration,
}

// Field is one field of a message type.
type Field struct {
	Name string
	// Type is the builtin name as written ("byte", "int32", ...) or the
	// package-qualified message type.
	Type  string
	Kind  Kind
	Array bool
	// Len is the fixed array length, or -1 for variable-length arrays.
	Len  int
	Spec *Spec
}

// TypeString renders the field type the way it appears in definition text.
func (f Field) TypeString() string {
	switch {
	case !f.Array:
		return f.Type
	case f.Len < 0:
		return f.Type + "[]"
	default:
		return f.Type + "[" + strconv.Itoa(f.Len) + "]"
	}
}

// Constant is a named constant declared by a message type.
type Constant struct {
	Type  string
	Name  string
	Value string
}

// Spec is a parsed message type.
type Spec struct {
	Type      string
	Text      string
	MD5       string
	Fields    []Field
	Constants []Constant
}

// Descriptor returns the descriptor of s with its full definition text.
func (s *Spec) Descriptor() Descriptor {
	return Descriptor{Type: s.Type, MD5: s.MD5, Definition: FullText(s)}
}

// Field returns the index of the named field, or -1.
func (s *Spec) Field(name string) int {
	for i := range s.Fields {
		if s.Fields[i].Name == name {
			return i
		}
	}
	return -1
}

// Resolver returns the spec of a dependent message type.
type Resolver func(typeName string) (*Spec, error)

// Parse parses the definition text of typeName. Nested message types are
// obtained from resolve.
func Parse(typeName, text string, resolve Resolver) (*Spec, error) {
	pkg, _, ok := strings.Cut(typeName, "/")
	if !ok || pkg == "" {
		return nil, fmt.Errorf("%w: type %q is not package-qualified", ErrBadDefinition, typeName)
	}

	spec := &Spec{Type: typeName, Text: text}
	for lineNo, orig := range strings.Split(text, "\n") {
		line := strings.TrimSpace(stripComment(orig))
		if line == "" {
			continue
		}
		if strings.Contains(line, "=") {
			c, err := parseConstant(orig, line)
			if err != nil {
				return nil, fmt.Errorf("%w: %s line %d: %v", ErrBadDefinition, typeName, lineNo+1, err)
			}
			spec.Constants = append(spec.Constants, c)
			continue
		}
		f, err := parseField(pkg, line, resolve)
		if err != nil {
			return nil, fmt.Errorf("%s line %d: %w", typeName, lineNo+1, err)
		}
		spec.Fields = append(spec.Fields, f)
	}

	spec.MD5 = computeMD5(spec)
	return spec, nil
}

func stripComment(line string) string {
	if i := strings.IndexByte(line, '#'); i >= 0 {
		return line[:i]
	}
	return line
}

func parseConstant(orig, line string) (Constant, error) {
	typ, rest, ok := strings.Cut(strings.TrimSpace(orig), " ")
	if !ok {
		return Constant{}, fmt.Errorf("invalid constant %q", line)
	}
	if _, builtin := builtinKinds[typ]; !builtin || typ == "time" || typ == "duration" {
		return Constant{}, fmt.Errorf("invalid constant type %q", typ)
	}

	var name, value string
	if typ == "string" {
		// String constants keep everything after '=' verbatim, '#' included.
		n, v, _ := strings.Cut(rest, "=")
		name, value = strings.TrimSpace(n), strings.TrimSpace(v)
	} else {
		_, decl, _ := strings.Cut(line, " ")
		n, v, _ := strings.Cut(decl, "=")
		name, value = strings.TrimSpace(n), strings.TrimSpace(v)
	}
	if !validName(name) {
		return Constant{}, fmt.Errorf("invalid constant name %q", name)
	}
	return Constant{Type: typ, Name: name, Value: value}, nil
}

func parseField(pkg, line string, resolve Resolver) (Field, error) {
	parts := strings.Fields(line)
	if len(parts) != 2 {
		return Field{}, fmt.Errorf("%w: invalid field declaration %q", ErrBadDefinition, line)
	}
	typ, name := parts[0], parts[1]
	if !validName(name) {
		return Field{}, fmt.Errorf("%w: invalid field name %q", ErrBadDefinition, name)
	}

	f := Field{Name: name, Len: -1}
	if open := strings.IndexByte(typ, '['); open >= 0 {
		if !strings.HasSuffix(typ, "]") {
			return Field{}, fmt.Errorf("%w: invalid array type %q", ErrBadDefinition, typ)
		}
		f.Array = true
		if size := typ[open+1 : len(typ)-1]; size != "" {
			n, err := strconv.Atoi(size)
			if err != nil || n < 0 {
				return Field{}, fmt.Errorf("%w: invalid array length in %q", ErrBadDefinition, typ)
			}
			f.Len = n
		}
		typ = typ[:open]
	}

	if kind, ok := builtinKinds[typ]; ok {
		f.Type, f.Kind = typ, kind
		return f, nil
	}

	switch {
	case typ == "Header":
		typ = HeaderType
	case !strings.Contains(typ, "/"):
		typ = pkg + "/" + typ
	}
	if resolve == nil {
		return Field{}, fmt.Errorf("%w: no resolver for %s", ErrUnresolvable, typ)
	}
	sub, err := resolve(typ)
	if err != nil {
		return Field{}, err
	}
	f.Type, f.Kind, f.Spec = typ, KindMessage, sub
	return f, nil
}

func validName(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case i > 0 && (r == '_' || r >= '0' && r <= '9'):
		default:
			return false
		}
	}
	return true
}

// MD5Text returns the normalized text the content hash is computed over.
func MD5Text(s *Spec) string {
	var b strings.Builder
	for _, c := range s.Constants {
		fmt.Fprintf(&b, "%s %s=%s\n", c.Type, c.Name, c.Value)
	}
	for _, f := range s.Fields {
		if f.Kind == KindMessage {
			fmt.Fprintf(&b, "%s %s\n", f.Spec.MD5, f.Name)
		} else {
			fmt.Fprintf(&b, "%s %s\n", f.TypeString(), f.Name)
		}
	}
	return strings.TrimSpace(b.String())
}

func computeMD5(s *Spec) string {
	sum := md5.Sum([]byte(MD5Text(s)))
	return hex.EncodeToString(sum[:])
}

// definitionSeparator divides the blocks of a full definition text.
var definitionSeparator = strings.Repeat("=", 80)

// FullText renders s followed by the text of every nested type it depends
// on, each introduced by a separator line and a "MSG: pkg/Type" line.
func FullText(s *Spec) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(s.Text))
	b.WriteByte('\n')

	seen := map[string]bool{s.Type: true}
	var walk func(*Spec)
	walk = func(sp *Spec) {
		for _, f := range sp.Fields {
			if f.Kind != KindMessage || seen[f.Spec.Type] {
				continue
			}
			seen[f.Spec.Type] = true
			b.WriteString(definitionSeparator)
			b.WriteString("\nMSG: ")
			b.WriteString(f.Spec.Type)
			b.WriteByte('\n')
			b.WriteString(strings.TrimSpace(f.Spec.Text))
			b.WriteByte('\n')
			walk(f.Spec)
		}
	}
	walk(s)
	return strings.TrimSpace(b.String())
}

// ParseFull parses a full definition text as produced by FullText. Nested
// types missing from the text are looked up with fallback, which may be nil.
func ParseFull(typeName, full string, fallback Resolver) (*Spec, error) {
	texts := map[string]string{}
	main, rest, _ := strings.Cut(full, definitionSeparator+"\n")
	blocks := []string{}
	if rest != "" {
		blocks = strings.Split(rest, definitionSeparator+"\n")
	}
	for _, blk := range blocks {
		head, body, _ := strings.Cut(blk, "\n")
		name, ok := strings.CutPrefix(strings.TrimSpace(head), "MSG:")
		if !ok {
			return nil, fmt.Errorf("%w: %s: dependency block without MSG line", ErrBadDefinition, typeName)
		}
		texts[strings.TrimSpace(name)] = body
	}

	parsed := map[string]*Spec{}
	inProgress := map[string]bool{}
	var resolve Resolver
	resolve = func(name string) (*Spec, error) {
		if s, ok := parsed[name]; ok {
			return s, nil
		}
		text, ok := texts[name]
		if !ok {
			if fallback != nil {
				return fallback(name)
			}
			return nil, fmt.Errorf("%w: %s: definition of %s not embedded", ErrUnresolvable, typeName, name)
		}
		if inProgress[name] {
			return nil, fmt.Errorf("%w: %s: recursive type %s", ErrBadDefinition, typeName, name)
		}
		inProgress[name] = true
		s, err := Parse(name, text, resolve)
		if err != nil {
			return nil, err
		}
		parsed[name] = s
		return s, nil
	}

	return Parse(typeName, main, resolve)
}
