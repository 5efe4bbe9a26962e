package category

import (
	"fmt"
	"regexp"
)

type Rule struct {
	Pattern  string   `yaml:"pattern" json:"pattern"`
	Category Category `yaml:"category" json:"category"`
}

type compiledRule struct {
	re       *regexp.Regexp
	category Category
}

// Classifier maps (method, path) onto a category. Rules are tried in order and
// the first match wins; without a match the method decides.
type Classifier struct {
	rules []compiledRule
}

func DefaultRules() []Rule {
	return []Rule{
		{Pattern: `^/api/v\d+/(patients|phi|records|clinical)(/|$)`, Category: PHIOperation},
		{Pattern: `(?i)(crisis|emergency)`, Category: CrisisIntervention},
		{Pattern: `^/(health|healthz|readyz|metrics|status)(/|$)`, Category: System},
		{Pattern: `(?i)(/public(/|$)|/auth/login$|/docs(/|$))`, Category: Public},
	}
}

func NewClassifier(rules []Rule) (*Classifier, error) {
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	out := make([]compiledRule, 0, len(rules))
	for i, r := range rules {
		if _, err := Parse(string(r.Category)); err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("rule %d: compile %q: %w", i, r.Pattern, err)
		}
		out = append(out, compiledRule{re: re, category: r.Category})
	}
	return &Classifier{rules: out}, nil
}

func DefaultClassifier() *Classifier {
	c, err := NewClassifier(DefaultRules())
	if err != nil {
		panic(err)
	}
	return c
}

func (c *Classifier) Classify(method, path string, authenticated bool) Category {
	for _, r := range c.rules {
		if r.re.MatchString(path) {
			return r.category
		}
	}
	if isSafeMethod(method) {
		return ReadOnly
	}
	if authenticated {
		return Authenticated
	}
	return Public
}
