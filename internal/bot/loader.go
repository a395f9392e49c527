package bot

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// RuleFile is the YAML schema of a rules file.
type RuleFile struct {
	Fallback string `yaml:"fallback,omitempty"`
	Rules    []Rule `yaml:"rules"`
}

// LoadFile reads rules from a YAML file. A missing file yields no rules.
func LoadFile(path string, logger *slog.Logger) (*RuleFile, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		logger.Debug("rules file does not exist, skipping", "path", path)
		return &RuleFile{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read rules file: %w", err)
	}

	var rf RuleFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return nil, fmt.Errorf("parse rules file %s: %w", path, err)
	}

	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	kept := rf.Rules[:0]
	for i, rule := range rf.Rules {
		if rule.Reply == "" || (len(rule.Keywords) == 0 && rule.Pattern == "") {
			logger.Warn("skipping incomplete rule", "path", path, "index", i, "name", rule.Name)
			continue
		}
		if rule.Name == "" {
			rule.Name = fmt.Sprintf("%s_%d", base, i)
		}
		kept = append(kept, rule)
	}
	rf.Rules = kept

	logger.Info("loaded bot rules", "path", path, "rules", len(rf.Rules))
	return &rf, nil
}

// New builds a responder with the built-in rules, overlaid by rulesFile when set.
func New(rulesFile string, logger *slog.Logger) (*Responder, error) {
	r := NewResponder(logger)
	r.RegisterBuiltins()
	if rulesFile == "" {
		return r, nil
	}
	rf, err := LoadFile(rulesFile, r.logger)
	if err != nil {
		return nil, err
	}
	for _, rule := range rf.Rules {
		r.Register(rule)
	}
	if rf.Fallback != "" {
		r.SetFallback(rf.Fallback)
	}
	return r, nil
}
