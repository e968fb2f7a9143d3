package module

import "sort"

// Status is the load state of one module.
type Status int

const (
	// Unseen modules have never been required, or their last load was rolled back.
	Unseen Status = iota
	// Visiting modules are being evaluated right now.
	Visiting
	// Included modules loaded successfully.
	Included
)

func (s Status) String() string {
	switch s {
	case Visiting:
		return "visiting"
	case Included:
		return "included"
	default:
		return "unseen"
	}
}

// State records which modules were visited and included, and the version each
// provided module declared. Keys are normalized module names.
type State struct {
	visited  map[string]bool
	included map[string]bool
	versions map[string]string
}

// ModuleVersion pairs a module name with its provided version.
type ModuleVersion struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// NewState creates empty dependency state.
func NewState() *State {
	return &State{
		visited:  make(map[string]bool),
		included: make(map[string]bool),
		versions: make(map[string]string),
	}
}

// Status returns the load state of name.
func (s *State) Status(name string) Status {
	switch {
	case s.included[name]:
		return Included
	case s.visited[name]:
		return Visiting
	default:
		return Unseen
	}
}

// Visited reports whether a load of name started and was not rolled back.
func (s *State) Visited(name string) bool {
	return s.visited[name]
}

// Included reports whether name loaded successfully.
func (s *State) Included(name string) bool {
	return s.included[name]
}

// Version returns the version name was provided with.
func (s *State) Version(name string) (string, bool) {
	v, ok := s.versions[name]
	return v, ok
}

// Versions returns every provided module sorted by name.
func (s *State) Versions() []ModuleVersion {
	result := make([]ModuleVersion, 0, len(s.versions))
	for name, v := range s.versions {
		result = append(result, ModuleVersion{Name: name, Version: v})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}

// IncludedNames returns the included modules in sorted order.
func (s *State) IncludedNames() []string {
	names := make([]string, 0, len(s.included))
	for name := range s.included {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *State) forget(name string) {
	delete(s.visited, name)
	delete(s.included, name)
	delete(s.versions, name)
}
