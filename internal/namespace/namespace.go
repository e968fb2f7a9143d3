// Package namespace implements the tree of named containers that modules are
// provided into. A dotted path such as "BE.time.display" names a container three
// levels below the root; the leading root token is optional.
package namespace

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrInvalidArgument is returned for empty or malformed dotted names.
	ErrInvalidArgument = errors.New("invalid dotted name")
	// ErrNotNamespace is returned when a path walks through a plain value.
	ErrNotNamespace = errors.New("path segment is not a namespace")
)

// Node is a namespace container. Entries are either child Nodes or opaque values
// attached by module factories.
type Node struct {
	name    string
	entries map[string]any
}

// NewNode creates an empty container. name is its dotted path relative to the root
// it was created under ("" for a root).
func NewNode(name string) *Node {
	return &Node{name: name, entries: make(map[string]any)}
}

// Name returns the dotted path of the node, without the root token.
func (n *Node) Name() string {
	return n.name
}

// Get returns the entry stored under key.
func (n *Node) Get(key string) (any, bool) {
	v, ok := n.entries[key]
	return v, ok
}

// Has reports whether key is present.
func (n *Node) Has(key string) bool {
	_, ok := n.entries[key]
	return ok
}

// Put assigns an entry. A nil value removes the key.
func (n *Node) Put(key string, value any) {
	if value == nil {
		delete(n.entries, key)
		return
	}
	n.entries[key] = value
}

// Child returns the entry under key if it is a container.
func (n *Node) Child(key string) (*Node, bool) {
	child, ok := n.entries[key].(*Node)
	return child, ok
}

// Keys returns the entry names in sorted order.
func (n *Node) Keys() []string {
	keys := make([]string, 0, len(n.entries))
	for k := range n.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of entries.
func (n *Node) Len() int {
	return len(n.entries)
}

func (n *Node) childName(key string) string {
	if n.name == "" {
		return key
	}
	return n.name + "." + key
}

// String implements fmt.Stringer.
func (n *Node) String() string {
	return fmt.Sprintf("namespace(%s)", n.name)
}

// Split breaks a dotted name into segments, dropping a leading root token.
// Only the root token itself yields no segments.
func Split(token, name string) ([]string, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: empty name", ErrInvalidArgument)
	}
	parts := strings.Split(name, ".")
	for _, p := range parts {
		if p == "" {
			return nil, fmt.Errorf("%w: %q has an empty segment", ErrInvalidArgument, name)
		}
	}
	if token != "" && parts[0] == token {
		parts = parts[1:]
	}
	return parts, nil
}

// Tree is a rooted namespace tree whose root answers to Token.
type Tree struct {
	Token string
	root  *Node
}

// NewTree creates an empty tree.
func NewTree(token string) *Tree {
	return &Tree{Token: token, root: NewNode("")}
}

// Root returns the root container.
func (t *Tree) Root() *Node {
	return t.root
}

// ExportPath ensures every segment of path exists under the root and returns the
// container named by the last segment.
func (t *Tree) ExportPath(path string) (*Node, error) {
	return t.ExportPathIn(t.root, path)
}

// ExportPathIn is ExportPath rooted at an alternate container. Absent segments are
// filled with empty containers; existing entries are only descended into.
func (t *Tree) ExportPathIn(root *Node, path string) (*Node, error) {
	parts, err := Split(t.Token, path)
	if err != nil {
		return nil, err
	}
	if root == nil {
		root = t.root
	}
	return exportParts(root, parts)
}

func exportParts(root *Node, parts []string) (*Node, error) {
	cur := root
	for _, part := range parts {
		v, ok := cur.entries[part]
		if !ok {
			child := NewNode(cur.childName(part))
			cur.entries[part] = child
			cur = child
			continue
		}
		child, isNode := v.(*Node)
		if !isNode {
			return nil, fmt.Errorf("%w: %s holds %T", ErrNotNamespace, cur.childName(part), v)
		}
		cur = child
	}
	return cur, nil
}

// Lookup resolves a dotted name without creating anything. The result is either a
// *Node or a value attached by a factory.
func (t *Tree) Lookup(name string) (any, bool) {
	parts, err := Split(t.Token, name)
	if err != nil {
		return nil, false
	}
	var cur any = t.root
	for _, part := range parts {
		node, ok := cur.(*Node)
		if !ok {
			return nil, false
		}
		if cur, ok = node.entries[part]; !ok {
			return nil, false
		}
	}
	return cur, true
}

// Set assigns value to the last segment of name, creating the parent path first.
func (t *Tree) Set(name string, value any) error {
	parts, err := Split(t.Token, name)
	if err != nil {
		return err
	}
	if len(parts) == 0 {
		return fmt.Errorf("%w: cannot replace the root", ErrInvalidArgument)
	}
	parent, err := exportParts(t.root, parts[:len(parts)-1])
	if err != nil {
		return err
	}
	parent.Put(parts[len(parts)-1], value)
	return nil
}
