package rules

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const rulesFileVersion = "1"

type rulesFile struct {
	SchemaVersion string  `json:"schemaVersion" yaml:"schemaVersion"`
	Rules         []*Rule `json:"rules" yaml:"rules"`
}

// LoadRulesFile reads a rule set from a YAML or JSON file, chosen by extension.
// Rule IDs must be present and unique.
func LoadRulesFile(path string) ([]*Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}

	var file rulesFile
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &file)
	case ".json":
		err = json.Unmarshal(data, &file)
	default:
		return nil, fmt.Errorf("unsupported rules file extension %q", filepath.Ext(path))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse rules file %s: %w", path, err)
	}

	if file.SchemaVersion != rulesFileVersion {
		return nil, fmt.Errorf("unsupported rules file schemaVersion %q, want %q", file.SchemaVersion, rulesFileVersion)
	}

	seen := make(map[string]bool, len(file.Rules))
	for i, r := range file.Rules {
		if r == nil || r.ID == "" {
			return nil, fmt.Errorf("rule %d: id is required", i)
		}
		if r.BoardID == "" {
			return nil, fmt.Errorf("rule %s: boardId is required", r.ID)
		}
		if seen[r.ID] {
			return nil, fmt.Errorf("rule %s: duplicate id", r.ID)
		}
		seen[r.ID] = true
	}

	if file.Rules == nil {
		return []*Rule{}, nil
	}
	return file.Rules, nil
}
