package trigger

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"
)

// RulesSchemaVersion is the only rule-file schema accepted.
const RulesSchemaVersion = "1.0.0"

// RuleFile is the on-disk form of additional trigger rules.
type RuleFile struct {
	SchemaVersion string `yaml:"schema_version"`
	Rules         []Rule `yaml:"rules"`
}

// LoadRules reads every *.yaml / *.yml file under dir in lexical order and
// returns their rules concatenated. A missing directory yields no rules.
func LoadRules(dir string) ([]Rule, error) {
	if dir == "" {
		return nil, nil
	}
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil, nil
	}

	var files []string
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		switch filepath.Ext(path) {
		case ".yaml", ".yml":
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk rules dir: %w", err)
	}
	sort.Strings(files)

	var rules []Rule
	seen := make(map[string]string)
	for _, path := range files {
		rf, err := loadRuleFile(path)
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", path, err)
		}
		for i, r := range rf.Rules {
			if r.Name == "" {
				return nil, fmt.Errorf("%s: rule %d: missing name", path, i)
			}
			if prev, dup := seen[r.Name]; dup {
				return nil, fmt.Errorf("%s: duplicate rule name %q (first defined in %s)", path, r.Name, prev)
			}
			seen[r.Name] = path
			if err := validateRule(r); err != nil {
				return nil, fmt.Errorf("%s: rule %s: %w", path, r.Name, err)
			}
			if _, err := compileGlob(NormalizePath(r.Pattern)); err != nil {
				return nil, fmt.Errorf("%s: rule %s: %w", path, r.Name, err)
			}
			rules = append(rules, r)
		}
	}
	return rules, nil
}

func loadRuleFile(path string) (*RuleFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var rf RuleFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if rf.SchemaVersion == "" {
		return nil, fmt.Errorf("schema_version is required")
	}
	if rf.SchemaVersion != RulesSchemaVersion {
		return nil, fmt.Errorf("unsupported schema version: %s", rf.SchemaVersion)
	}
	return &rf, nil
}

// Load builds a matrix from the builtin table followed by the rules in dir.
func Load(dir string, cacheSize int) (*Matrix, error) {
	extra, err := LoadRules(dir)
	if err != nil {
		return nil, err
	}
	return NewMatrix(append(BuiltinRules(), extra...), cacheSize)
}
