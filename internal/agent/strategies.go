// Package agent runs the interactive strategy-chat loop: declarative YAML
// strategies compose the system prompt, and a bounded ReAct loop executes
// registered market tools.
package agent

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed strategies/*.yaml
var builtinStrategies embed.FS

// Strategy is one declarative analysis style.
type Strategy struct {
	Name          string   `yaml:"name" json:"name"`
	DisplayName   string   `yaml:"display_name" json:"display_name"`
	Description   string   `yaml:"description" json:"description"`
	Category      string   `yaml:"category" json:"category"` // trend, pattern, reversal, framework
	CoreRules     []int    `yaml:"core_rules" json:"core_rules,omitempty"`
	RequiredTools []string `yaml:"required_tools" json:"required_tools,omitempty"`
	Instructions  string   `yaml:"instructions" json:"instructions"`
	Builtin       bool     `yaml:"-" json:"builtin"`
}

// StrategyLibrary holds the merged built-in and user strategies. On a name
// conflict the user file wins.
type StrategyLibrary struct {
	byName map[string]Strategy
}

// LoadStrategies reads the embedded built-ins and, when userDir is set, the
// user's YAML files on top.
func LoadStrategies(userDir string) (*StrategyLibrary, error) {
	lib := &StrategyLibrary{byName: make(map[string]Strategy)}

	entries, err := builtinStrategies.ReadDir("strategies")
	if err != nil {
		return nil, fmt.Errorf("failed to read built-in strategies: %w", err)
	}
	for _, entry := range entries {
		data, err := builtinStrategies.ReadFile("strategies/" + entry.Name())
		if err != nil {
			return nil, fmt.Errorf("failed to read built-in strategy %s: %w", entry.Name(), err)
		}
		strategy, err := parseStrategy(data)
		if err != nil {
			return nil, fmt.Errorf("invalid built-in strategy %s: %w", entry.Name(), err)
		}
		strategy.Builtin = true
		lib.byName[strategy.Name] = strategy
	}

	if userDir != "" {
		if err := lib.loadUserDir(userDir); err != nil {
			return nil, err
		}
	}
	return lib, nil
}

func (l *StrategyLibrary) loadUserDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read strategy dir %s: %w", dir, err)
	}

	for _, entry := range entries {
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if entry.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return fmt.Errorf("failed to read strategy %s: %w", entry.Name(), err)
		}
		strategy, err := parseStrategy(data)
		if err != nil {
			return fmt.Errorf("invalid strategy %s: %w", entry.Name(), err)
		}
		// User file replaces a built-in of the same name.
		strategy.Builtin = false
		l.byName[strategy.Name] = strategy
	}
	return nil
}

func parseStrategy(data []byte) (Strategy, error) {
	var strategy Strategy
	if err := yaml.Unmarshal(data, &strategy); err != nil {
		return Strategy{}, err
	}
	if strategy.Name == "" {
		return Strategy{}, fmt.Errorf("strategy is missing a name")
	}
	if strategy.Instructions == "" {
		return Strategy{}, fmt.Errorf("strategy %s has no instructions", strategy.Name)
	}
	return strategy, nil
}

// List returns all strategies sorted by name.
func (l *StrategyLibrary) List() []Strategy {
	out := make([]Strategy, 0, len(l.byName))
	for _, s := range l.byName {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Get returns one strategy by name.
func (l *StrategyLibrary) Get(name string) (Strategy, bool) {
	s, ok := l.byName[name]
	return s, ok
}

// Select resolves the requested names; unknown names are skipped. An empty
// request returns nothing (the caller uses the base prompt alone).
func (l *StrategyLibrary) Select(names []string) []Strategy {
	var out []Strategy
	for _, name := range names {
		if s, ok := l.byName[strings.TrimSpace(name)]; ok {
			out = append(out, s)
		}
	}
	return out
}

// ComposePrompt concatenates the base system prompt with the selected
// strategies' instructions.
func ComposePrompt(base string, strategies []Strategy) string {
	if len(strategies) == 0 {
		return base
	}
	var sb strings.Builder
	sb.WriteString(base)
	for _, s := range strategies {
		sb.WriteString("\n\n## 策略: ")
		if s.DisplayName != "" {
			sb.WriteString(s.DisplayName)
		} else {
			sb.WriteString(s.Name)
		}
		sb.WriteString("\n")
		sb.WriteString(strings.TrimSpace(s.Instructions))
	}
	return sb.String()
}
