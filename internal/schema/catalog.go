package schema

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// ErrUnknownType is returned by a Catalog that has no definition for a type.
var ErrUnknownType = errors.New("unknown message type")

// Catalog provides the specs of installed message types by name.
type Catalog interface {
	Lookup(typeName string) (*Spec, error)
}

// MapCatalog is a Catalog of definition texts registered in code.
type MapCatalog struct {
	mu     sync.Mutex
	texts  map[string]string
	parsed map[string]*Spec
}

// NewMapCatalog returns a catalog holding the given type → text pairs.
func NewMapCatalog(texts map[string]string) *MapCatalog {
	c := &MapCatalog{texts: make(map[string]string), parsed: make(map[string]*Spec)}
	for name, text := range texts {
		c.texts[name] = text
	}
	return c
}

// Register adds or replaces the definition of typeName. Specs parsed before
// the call are discarded.
func (c *MapCatalog) Register(typeName, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.texts[typeName] = text
	clear(c.parsed)
}

func (c *MapCatalog) Lookup(typeName string) (*Spec, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lookup(typeName, map[string]bool{})
}

func (c *MapCatalog) lookup(typeName string, visiting map[string]bool) (*Spec, error) {
	if s, ok := c.parsed[typeName]; ok {
		return s, nil
	}
	text, ok := c.texts[typeName]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, typeName)
	}
	if visiting[typeName] {
		return nil, fmt.Errorf("%w: recursive type %s", ErrBadDefinition, typeName)
	}
	visiting[typeName] = true
	s, err := Parse(typeName, text, func(dep string) (*Spec, error) {
		return c.lookup(dep, visiting)
	})
	if err != nil {
		return nil, err
	}
	c.parsed[typeName] = s
	return s, nil
}

// DirCatalog reads "<root>/<pkg>/msg/<Type>.msg" files from a search path.
// Earlier roots shadow later ones. Parsed specs are cached; files changed
// after the first lookup are not reread.
type DirCatalog struct {
	roots []string

	mu     sync.Mutex
	parsed map[string]*Spec
}

// NewDirCatalog returns a catalog searching roots in order.
func NewDirCatalog(roots ...string) *DirCatalog {
	return &DirCatalog{roots: roots, parsed: make(map[string]*Spec)}
}

func (c *DirCatalog) Lookup(typeName string) (*Spec, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lookup(typeName, map[string]bool{})
}

func (c *DirCatalog) lookup(typeName string, visiting map[string]bool) (*Spec, error) {
	if s, ok := c.parsed[typeName]; ok {
		return s, nil
	}
	if visiting[typeName] {
		return nil, fmt.Errorf("%w: recursive type %s", ErrBadDefinition, typeName)
	}
	text, err := c.read(typeName)
	if err != nil {
		return nil, err
	}
	visiting[typeName] = true
	s, err := Parse(typeName, text, func(dep string) (*Spec, error) {
		return c.lookup(dep, visiting)
	})
	if err != nil {
		return nil, err
	}
	c.parsed[typeName] = s
	return s, nil
}

func (c *DirCatalog) read(typeName string) (string, error) {
	pkg, name, ok := strings.Cut(typeName, "/")
	if !ok || pkg == "" || name == "" || strings.ContainsAny(name, `/\`) || strings.Contains(pkg, "..") {
		return "", fmt.Errorf("%w: %s", ErrUnknownType, typeName)
	}
	for _, root := range c.roots {
		data, err := os.ReadFile(filepath.Join(root, pkg, "msg", name+".msg"))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("read definition of %s: %w", typeName, err)
		}
		return string(data), nil
	}
	return "", fmt.Errorf("%w: %s not found in %d search roots", ErrUnknownType, typeName, len(c.roots))
}

// Catalogs is a Catalog that returns the first match from a list.
type Catalogs []Catalog

func (cs Catalogs) Lookup(typeName string) (*Spec, error) {
	for _, c := range cs {
		s, err := c.Lookup(typeName)
		if errors.Is(err, ErrUnknownType) {
			continue
		}
		return s, err
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownType, typeName)
}

// StdTypes holds the definitions every catalog is expected to know.
var StdTypes = map[string]string{
	HeaderType:        "uint32 seq\ntime stamp\nstring frame_id\n",
	"std_msgs/String": "string data\n",
	"std_msgs/Header": "uint32 seq\ntime stamp\nstring frame_id\n",
	"roslib/Time":     "time rostime\n",
	"roslib/Log": "byte DEBUG=1\nbyte INFO=2\nbyte WARN=4\nbyte ERROR=8\nbyte FATAL=16\n" +
		"Header header\nbyte level\nstring name\nstring msg\nstring file\nstring function\nuint32 line\nstring[] topics\n",
}
