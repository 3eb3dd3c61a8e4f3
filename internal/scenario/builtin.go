package scenario

import (
	"embed"
	"fmt"
	"path"
	"sort"
)

//go:embed builtin/*.yaml
var builtinFS embed.FS

// Default is the scenario run when none is named.
const Default = "merge-and-recommend"

// Builtins parses the embedded scenarios, sorted by name.
func Builtins() ([]*Scenario, error) {
	entries, err := builtinFS.ReadDir("builtin")
	if err != nil {
		return nil, err
	}

	scenarios := make([]*Scenario, 0, len(entries))
	for _, entry := range entries {
		data, err := builtinFS.ReadFile(path.Join("builtin", entry.Name()))
		if err != nil {
			return nil, err
		}
		sc, err := Parse(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", entry.Name(), err)
		}
		scenarios = append(scenarios, sc)
	}

	sort.Slice(scenarios, func(i, j int) bool { return scenarios[i].Name < scenarios[j].Name })
	return scenarios, nil
}

// Builtin returns the embedded scenario called name.
func Builtin(name string) (*Scenario, error) {
	scenarios, err := Builtins()
	if err != nil {
		return nil, err
	}
	for _, sc := range scenarios {
		if sc.Name == name {
			return sc, nil
		}
	}
	return nil, fmt.Errorf("unknown scenario %q", name)
}

// Resolve loads file when set, otherwise the built-in called name.
func Resolve(name, file string) (*Scenario, error) {
	if file != "" {
		return LoadScenario(file)
	}
	if name == "" {
		name = Default
	}
	return Builtin(name)
}
