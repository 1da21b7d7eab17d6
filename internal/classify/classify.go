// Package classify maps issue text to tracker labels with keyword rules.
//
// Classification is a pure function of the text and the rules: the same
// input always yields the same sorted label set.
package classify

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Rules is the YAML form of the classifier configuration:
//
//	labels:
//	  bug: [crash, error, exception]
//	default: improvement
//	severity:
//	  4: severity::critical
type Rules struct {
	Labels   map[string][]string `yaml:"labels"`
	Default  string              `yaml:"default"`
	Severity map[int]string      `yaml:"severity"`
}

// DefaultRules returns the built-in rule set.
func DefaultRules() Rules {
	return Rules{
		Labels: map[string][]string{
			"bug":         {"bug", "error", "crash", "fail", "exception", "broken", "报错", "异常", "失败", "崩溃"},
			"performance": {"slow", "latency", "timeout", "performance", "卡顿", "慢", "超时"},
			"data":        {"data", "missing", "duplicate", "数据", "丢失", "重复"},
			"ui":          {"display", "layout", "button", "page", "界面", "显示", "页面"},
		},
		Default: "improvement",
		Severity: map[int]string{
			1: "severity::low",
			2: "severity::medium",
			3: "severity::high",
			4: "severity::critical",
		},
	}
}

// ParseRules decodes YAML rules. Keys that are absent keep their defaults.
func ParseRules(data []byte) (Rules, error) {
	var r Rules
	if err := yaml.Unmarshal(data, &r); err != nil {
		return Rules{}, fmt.Errorf("parse classifier rules: %w", err)
	}
	def := DefaultRules()
	if r.Labels == nil {
		r.Labels = def.Labels
	}
	if r.Default == "" {
		r.Default = def.Default
	}
	if r.Severity == nil {
		r.Severity = def.Severity
	}
	return r, nil
}

// LoadRules reads rules from a YAML file. An empty path yields the defaults.
func LoadRules(path string) (Rules, error) {
	if path == "" {
		return DefaultRules(), nil
	}
	data, err := os.ReadFile(path) // #nosec G304 - path comes from operator config
	if err != nil {
		return Rules{}, fmt.Errorf("read classifier rules: %w", err)
	}
	return ParseRules(data)
}

type rule struct {
	label    string
	keywords []string
}

// Classifier applies compiled rules.
type Classifier struct {
	rules    []rule
	def      string
	severity map[int]string
}

// New compiles rules. Keywords are matched case-insensitively as substrings.
func New(r Rules) (*Classifier, error) {
	c := &Classifier{def: r.Default, severity: make(map[int]string, len(r.Severity))}
	for label, kws := range r.Labels {
		label = strings.TrimSpace(label)
		if label == "" {
			return nil, fmt.Errorf("classifier rule with empty label")
		}
		ru := rule{label: label}
		for _, kw := range kws {
			kw = strings.ToLower(strings.TrimSpace(kw))
			if kw != "" {
				ru.keywords = append(ru.keywords, kw)
			}
		}
		if len(ru.keywords) == 0 {
			return nil, fmt.Errorf("classifier rule %q has no keywords", label)
		}
		c.rules = append(c.rules, ru)
	}
	sort.Slice(c.rules, func(i, j int) bool { return c.rules[i].label < c.rules[j].label })
	for sev, label := range r.Severity {
		c.severity[sev] = label
	}
	return c, nil
}

// MustDefault returns a classifier over DefaultRules.
func MustDefault() *Classifier {
	c, err := New(DefaultRules())
	if err != nil {
		panic(err)
	}
	return c
}

// Classify returns the sorted labels whose keywords occur in text, or the
// default label when none match.
func (c *Classifier) Classify(text string) []string {
	lower := strings.ToLower(text)
	var out []string
	for _, ru := range c.rules {
		for _, kw := range ru.keywords {
			if strings.Contains(lower, kw) {
				out = append(out, ru.label)
				break
			}
		}
	}
	if len(out) == 0 && c.def != "" {
		return []string{c.def}
	}
	return out
}

// SeverityLabel returns the label for a severity, or "".
func (c *Classifier) SeverityLabel(severity int) string {
	return c.severity[severity]
}
