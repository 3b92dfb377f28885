package persona

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
)

// Catalog is an immutable, validated set of modules, traits and modes.
// Mutations return a new Catalog.
type Catalog struct {
	modules    map[string]IdentityModule
	traits     map[string]Trait
	modes      map[string]Mode
	defaultKey string
}

// NewCatalog validates the definitions and builds a catalog. Exactly one
// mode must be marked default.
func NewCatalog(modules []IdentityModule, traits []Trait, modes []Mode) (*Catalog, error) {
	c := &Catalog{
		modules: make(map[string]IdentityModule, len(modules)),
		traits:  make(map[string]Trait, len(traits)),
		modes:   make(map[string]Mode, len(modes)),
	}

	var errs []error
	for _, m := range modules {
		if m.Name == "" {
			errs = append(errs, errors.New("identity module without name"))
			continue
		}
		if _, dup := c.modules[m.Name]; dup {
			errs = append(errs, fmt.Errorf("duplicate identity module %q", m.Name))
		}
		c.modules[m.Name] = m
	}
	for _, t := range traits {
		if t.Name == "" {
			errs = append(errs, errors.New("trait without name"))
			continue
		}
		if _, dup := c.traits[t.Name]; dup {
			errs = append(errs, fmt.Errorf("duplicate trait %q", t.Name))
		}
		c.traits[t.Name] = t
	}

	var defaults []string
	for _, m := range modes {
		if m.Key == "" {
			errs = append(errs, errors.New("mode without key"))
			continue
		}
		if _, dup := c.modes[m.Key]; dup {
			errs = append(errs, fmt.Errorf("duplicate mode %q", m.Key))
		}
		for _, name := range m.Modules {
			if _, ok := c.modules[name]; !ok {
				errs = append(errs, fmt.Errorf("mode %q: unknown identity module %q", m.Key, name))
			}
		}
		for name, v := range m.Traits {
			if _, ok := c.traits[name]; !ok {
				errs = append(errs, fmt.Errorf("mode %q: unknown trait %q", m.Key, name))
			}
			if v < MinTrait || v > MaxTrait {
				errs = append(errs, fmt.Errorf("mode %q: trait %q value %d outside [%d,%d]", m.Key, name, v, MinTrait, MaxTrait))
			}
		}
		if m.Default {
			defaults = append(defaults, m.Key)
		}
		m.Modules = slices.Clone(m.Modules)
		m.Traits = maps.Clone(m.Traits)
		c.modes[m.Key] = m
	}

	switch len(defaults) {
	case 1:
		c.defaultKey = defaults[0]
	case 0:
		errs = append(errs, errors.New("no default mode"))
	default:
		slices.Sort(defaults)
		errs = append(errs, fmt.Errorf("multiple default modes: %s", strings.Join(defaults, ", ")))
	}

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return c, nil
}

// Default returns the default mode.
func (c *Catalog) Default() Mode {
	return c.modes[c.defaultKey]
}

// DefaultKey returns the key of the default mode.
func (c *Catalog) DefaultKey() string {
	return c.defaultKey
}

// Mode looks up a mode by key.
func (c *Catalog) Mode(key string) (Mode, bool) {
	m, ok := c.modes[key]
	return m, ok
}

// Resolve returns the mode for key, or the default when key is empty or
// no longer defined.
func (c *Catalog) Resolve(key string) Mode {
	if m, ok := c.modes[key]; ok {
		return m
	}
	return c.Default()
}

// Modes returns all modes sorted by key.
func (c *Catalog) Modes() []Mode {
	out := slices.Collect(maps.Values(c.modes))
	slices.SortFunc(out, func(a, b Mode) int { return strings.Compare(a.Key, b.Key) })
	return out
}

// Prompt composes the persona prompt for mode using this catalog's
// modules and traits.
func (c *Catalog) Prompt(mode Mode) string {
	return Compose(mode, c.modules, c.traits)
}

// WithDefault returns a copy of the catalog with key as the default mode.
func (c *Catalog) WithDefault(key string) (*Catalog, error) {
	if _, ok := c.modes[key]; !ok {
		return nil, fmt.Errorf("unknown mode %q", key)
	}
	next := &Catalog{
		modules:    c.modules,
		traits:     c.traits,
		modes:      make(map[string]Mode, len(c.modes)),
		defaultKey: key,
	}
	for k, m := range c.modes {
		m.Default = k == key
		next.modes[k] = m
	}
	return next, nil
}
