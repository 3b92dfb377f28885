// Package persona turns administrator-defined identity modules and
// personality sliders into the system prompt that shapes every reply.
package persona

import (
	"fmt"
	"sort"
	"strings"
)

// Trait slider bounds. Values equal to Midpoint add no instruction.
const (
	MinTrait = 0
	MaxTrait = 10
	Midpoint = 5
)

// IdentityModule is a reusable block of persona text.
type IdentityModule struct {
	Name     string `yaml:"name" json:"name"`
	Category string `yaml:"category" json:"category"`
	Content  string `yaml:"content" json:"content"`
	Active   bool   `yaml:"active" json:"active"`
}

// Trait is a personality dimension. High and Low are optional
// instructions appended when a mode pushes the slider above or below
// the midpoint.
type Trait struct {
	Name string `yaml:"name" json:"name"`
	High string `yaml:"high" json:"high,omitempty"`
	Low  string `yaml:"low" json:"low,omitempty"`
}

// Mode is a named persona configuration.
type Mode struct {
	Key     string         `yaml:"key" json:"key"`
	Name    string         `yaml:"name" json:"name"`
	Modules []string       `yaml:"modules" json:"modules"`
	Traits  map[string]int `yaml:"traits" json:"traits"`
	Default bool           `yaml:"default" json:"default"`
	// Model overrides the default language model for turns in this mode.
	Model string `yaml:"model" json:"model,omitempty"`
}

var intensities = [...]string{"", "slightly", "moderately", "noticeably", "strongly", "extremely"}

// Compose builds the persona prompt for mode. It is a pure function:
// active modules in the order the mode lists them, then one line per
// trait that differs from the midpoint, sorted by trait name.
func Compose(mode Mode, modules map[string]IdentityModule, traits map[string]Trait) string {
	var parts []string
	for _, name := range mode.Modules {
		m, ok := modules[name]
		if !ok || !m.Active {
			continue
		}
		if text := strings.TrimSpace(m.Content); text != "" {
			parts = append(parts, text)
		}
	}

	if lines := traitLines(mode.Traits, traits); len(lines) > 0 {
		parts = append(parts, "Personality adjustments:\n"+strings.Join(lines, "\n"))
	}

	return strings.Join(parts, "\n\n")
}

func traitLines(values map[string]int, traits map[string]Trait) []string {
	names := make([]string, 0, len(values))
	for name, v := range values {
		if v != Midpoint {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	lines := make([]string, 0, len(names))
	for _, name := range names {
		v := clamp(values[name])
		dist := v - Midpoint
		direction, phrase := "above", traits[name].High
		if dist < 0 {
			dist = -dist
			direction, phrase = "below", traits[name].Low
		}

		line := fmt.Sprintf("- %s (%d/10): %s %s neutral.", name, v, intensities[dist], direction)
		if phrase = strings.TrimSpace(phrase); phrase != "" {
			line += " " + phrase
		}
		lines = append(lines, line)
	}
	return lines
}

func clamp(v int) int {
	return max(MinTrait, min(MaxTrait, v))
}
