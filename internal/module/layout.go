package module

import (
	"fmt"
	"strings"

	"github.com/zot/modns/internal/namespace"
)

// DefaultExt is the source unit extension used when a Layout has none.
const DefaultExt = ".lua"

// Layout maps dotted module names onto source unit paths. Every segment is a
// folder and the last segment names the file as well, so "BE.time" lives at
// "time/time.lua". Aliases override the convention for individual modules.
type Layout struct {
	Token   string
	Ext     string
	aliases map[string]string
}

// NewLayout creates a Layout. Alias keys may be written with or without the root
// token; alias values are slash-separated paths relative to the script root.
func NewLayout(token, ext string, aliases map[string]string) (Layout, error) {
	if ext == "" {
		ext = DefaultExt
	} else if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	l := Layout{Token: token, Ext: ext, aliases: make(map[string]string, len(aliases))}
	for name, path := range aliases {
		key, err := l.Normalize(name)
		if err != nil {
			return Layout{}, fmt.Errorf("alias %q: %w", name, err)
		}
		if path == "" {
			return Layout{}, fmt.Errorf("alias %q: %w: empty path", name, ErrInvalidArgument)
		}
		l.aliases[key] = path
	}
	return l, nil
}

// Normalize returns the root-relative dotted name used as the module's identity.
func (l Layout) Normalize(name string) (string, error) {
	parts, err := namespace.Split(l.Token, name)
	if err != nil {
		return "", err
	}
	if len(parts) == 0 {
		return "", fmt.Errorf("%w: %q names the root, not a module", ErrInvalidArgument, name)
	}
	return strings.Join(parts, "."), nil
}

// NameToPath returns the source unit path of a module.
func (l Layout) NameToPath(name string) (string, error) {
	key, err := l.Normalize(name)
	if err != nil {
		return "", err
	}
	if path, ok := l.aliases[key]; ok {
		return path, nil
	}
	parts := strings.Split(key, ".")
	return strings.Join(parts, "/") + "/" + parts[len(parts)-1] + l.ext(), nil
}

// PathToName is the inverse of NameToPath for conventional paths and aliases.
// It reports false for paths that no module name maps to.
func (l Layout) PathToName(path string) (string, bool) {
	for name, alias := range l.aliases {
		if alias == path {
			return name, true
		}
	}
	ext := l.ext()
	if !strings.HasSuffix(path, ext) {
		return "", false
	}
	parts := strings.Split(path, "/")
	if len(parts) < 2 {
		return "", false
	}
	file := strings.TrimSuffix(parts[len(parts)-1], ext)
	dirs := parts[:len(parts)-1]
	if file == "" || file != dirs[len(dirs)-1] {
		return "", false
	}
	name := strings.Join(dirs, ".")
	if _, ok := l.aliases[name]; ok {
		return "", false
	}
	return name, true
}

func (l Layout) ext() string {
	if l.Ext == "" {
		return DefaultExt
	}
	return l.Ext
}
