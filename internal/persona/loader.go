package persona

import (
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// File is the YAML layout of a persona definition file. Modules listed
// inline are merged with the markdown modules found on disk.
type File struct {
	Modules []IdentityModule `yaml:"modules"`
	Traits  []Trait          `yaml:"traits"`
	Modes   []Mode           `yaml:"modes"`
}

type moduleFrontmatter struct {
	Name     string `yaml:"name"`
	Category string `yaml:"category"`
	Active   *bool  `yaml:"active"`
}

// UnmarshalYAML decodes a module listed inline in a persona file. Like
// markdown modules, it is active unless it says "active: false".
func (m *IdentityModule) UnmarshalYAML(node *yaml.Node) error {
	type plain IdentityModule
	p := plain{Active: true}
	if err := node.Decode(&p); err != nil {
		return err
	}
	*m = IdentityModule(p)
	return nil
}

// LoadFS reads a catalog from fsys. file is the YAML definition file;
// modulesDir holds identity modules as markdown files whose name (minus
// .md) is the module name unless the frontmatter sets one. Modules are
// active unless they say "active: false".
func LoadFS(fsys fs.FS, file, modulesDir string) (*Catalog, error) {
	var def File
	if file != "" {
		data, err := fs.ReadFile(fsys, file)
		if err != nil {
			return nil, fmt.Errorf("read persona file: %w", err)
		}
		if err := yaml.Unmarshal(data, &def); err != nil {
			return nil, fmt.Errorf("parse persona file %s: %w", file, err)
		}
	}

	modules := def.Modules
	if modulesDir != "" {
		loaded, err := loadModules(fsys, modulesDir)
		if err != nil {
			return nil, err
		}
		modules = append(modules, loaded...)
	}

	return NewCatalog(modules, def.Traits, def.Modes)
}

func loadModules(fsys fs.FS, dir string) ([]IdentityModule, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read modules dir: %w", err)
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".md") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	modules := make([]IdentityModule, 0, len(files))
	for _, f := range files {
		data, err := fs.ReadFile(fsys, path.Join(dir, f))
		if err != nil {
			return nil, fmt.Errorf("read module %s: %w", f, err)
		}
		m, err := parseModule(strings.TrimSuffix(f, ".md"), string(data))
		if err != nil {
			return nil, fmt.Errorf("module %s: %w", f, err)
		}
		modules = append(modules, m)
	}
	return modules, nil
}

func parseModule(name, raw string) (IdentityModule, error) {
	m := IdentityModule{Name: name, Active: true}

	front, body, ok := splitFrontmatter(raw)
	if !ok {
		m.Content = strings.TrimSpace(raw)
		return m, nil
	}

	var fm moduleFrontmatter
	if err := yaml.Unmarshal([]byte(front), &fm); err != nil {
		return m, fmt.Errorf("parse frontmatter: %w", err)
	}
	if fm.Name != "" {
		m.Name = fm.Name
	}
	m.Category = fm.Category
	if fm.Active != nil {
		m.Active = *fm.Active
	}
	m.Content = strings.TrimSpace(body)
	return m, nil
}

// splitFrontmatter separates a leading "---" delimited block from the
// markdown body.
func splitFrontmatter(raw string) (front, body string, ok bool) {
	raw = strings.ReplaceAll(raw, "\r\n", "\n")
	rest, found := strings.CutPrefix(raw, "---\n")
	if !found {
		return "", raw, false
	}
	end := strings.Index(rest, "\n---")
	if end < 0 {
		return "", raw, false
	}
	body = strings.TrimPrefix(rest[end+4:], "\n")
	return rest[:end], body, true
}
