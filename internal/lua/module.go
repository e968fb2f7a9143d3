package lua

import (
	"path"
	"slices"
	"time"
)

// Module tracks what a single source unit did when it was last evaluated.
// The hot loader uses it to map a changed file back to the module that owns it.
type Module struct {
	// Name is the module the unit was required as
	Name string
	// Path is the unit's path relative to the script root
	Path string
	// Directory is the directory containing the unit
	Directory string
	// Provided lists the modules the unit provided, in order
	Provided []string
	// Required lists the modules the unit required, in order
	Required []string
	// LoadedAt is when the unit last finished evaluating
	LoadedAt time.Time
	// Err is the last evaluation error, if any
	Err error
}

// NewModule creates a Module for the unit at p.
func NewModule(name, p string) *Module {
	return &Module{
		Name:      name,
		Path:      p,
		Directory: path.Dir(p),
	}
}

// AddProvided tracks a module provided by this unit.
func (m *Module) AddProvided(name string) {
	m.Provided = append(m.Provided, name)
}

// AddRequired tracks a module required by this unit, once per name.
func (m *Module) AddRequired(name string) {
	if slices.Contains(m.Required, name) {
		return
	}
	m.Required = append(m.Required, name)
}

// reset clears what the previous evaluation recorded.
func (m *Module) reset() {
	m.Provided = nil
	m.Required = nil
	m.Err = nil
}
