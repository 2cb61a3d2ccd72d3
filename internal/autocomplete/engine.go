package autocomplete

import (
	"bytes"
	"embed"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"pairprog/internal/models"
)

//go:embed rules/*.yaml
var rulesFS embed.FS

// Condition describes the shape of the last line a rule applies to.
// Empty fields are ignored; a rule matches when every set field holds.
type Condition struct {
	TrimmedEquals string `yaml:"trimmed_equals"`
	TrimmedPrefix string `yaml:"trimmed_prefix"`
	TrimmedSuffix string `yaml:"trimmed_suffix"`
	Suffix        string `yaml:"suffix"`
	Excludes      string `yaml:"excludes"`
}

type Rule struct {
	Name    string    `yaml:"name"`
	When    Condition `yaml:"when"`
	Suggest string    `yaml:"suggest"`
}

// RuleSet is one rules/<language>.yaml file
type RuleSet struct {
	Language models.Language `yaml:"language"`
	Rules    []Rule          `yaml:"rules"`
}

type Engine struct {
	rules map[models.Language][]Rule
}

// NewEngine loads every embedded rule table.
func NewEngine() (*Engine, error) {
	e := &Engine{rules: make(map[models.Language][]Rule)}
	if err := e.loadRules(); err != nil {
		return nil, fmt.Errorf("failed to load autocomplete rules: %w", err)
	}
	return e, nil
}

// Suggest returns the completion for the last line of code, or "" when no
// rule applies. Languages without a table of their own use the python table.
func (e *Engine) Suggest(code string, language models.Language) string {
	if code == "" {
		return ""
	}
	rules, ok := e.rules[normalizeLanguage(language)]
	if !ok {
		rules = e.rules[models.LangPython]
	}

	line := code[strings.LastIndex(code, "\n")+1:]
	trimmed := strings.TrimSpace(line)
	for _, rule := range rules {
		if rule.When.matches(line, trimmed) {
			return rule.Suggest
		}
	}
	return ""
}

func (c Condition) matches(line, trimmed string) bool {
	if c.TrimmedEquals != "" && trimmed != c.TrimmedEquals {
		return false
	}
	if c.TrimmedPrefix != "" && !strings.HasPrefix(trimmed, c.TrimmedPrefix) {
		return false
	}
	if c.TrimmedSuffix != "" && !strings.HasSuffix(trimmed, c.TrimmedSuffix) {
		return false
	}
	if c.Suffix != "" && !strings.HasSuffix(line, c.Suffix) {
		return false
	}
	if c.Excludes != "" && strings.Contains(line, c.Excludes) {
		return false
	}
	return true
}

func (c Condition) empty() bool {
	return c == Condition{}
}

// TextBeforeCursor cuts code at a rune offset. Offsets of zero or past the end
// of the buffer select the whole buffer.
func TextBeforeCursor(code string, cursor int) string {
	if cursor <= 0 {
		return code
	}
	runes := 0
	for i := range code {
		if runes == cursor {
			return code[:i]
		}
		runes++
	}
	return code
}

func normalizeLanguage(lang models.Language) models.Language {
	if lang == "" {
		return models.LangPython
	}
	return models.Language(strings.ToLower(strings.TrimSpace(string(lang))))
}

func (e *Engine) loadRules() error {
	entries, err := rulesFS.ReadDir("rules")
	if err != nil {
		return fmt.Errorf("failed to read rules directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".yaml") {
			continue
		}
		data, err := rulesFS.ReadFile("rules/" + entry.Name())
		if err != nil {
			return fmt.Errorf("failed to read rule file %s: %w", entry.Name(), err)
		}
		set, err := parseRuleSet(data)
		if err != nil {
			return fmt.Errorf("failed to parse rule file %s: %w", entry.Name(), err)
		}
		e.rules[normalizeLanguage(set.Language)] = set.Rules
	}
	return nil
}

func parseRuleSet(data []byte) (*RuleSet, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var set RuleSet
	if err := dec.Decode(&set); err != nil {
		return nil, err
	}
	if set.Language == "" {
		return nil, fmt.Errorf("missing language")
	}
	for i, rule := range set.Rules {
		if rule.When.empty() {
			return nil, fmt.Errorf("rule %d (%s) has no conditions", i, rule.Name)
		}
	}
	return &set, nil
}
