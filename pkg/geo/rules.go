package geo

import "strings"

type Rule struct {
	Country     string `yaml:"country" json:"country"`
	RateLimit   int    `yaml:"rate_limit" json:"rate_limit"`
	BurstLimit  int    `yaml:"burst_limit" json:"burst_limit"`
	Quota       int64  `yaml:"quota" json:"quota"`
	Blacklisted bool   `yaml:"is_blacklisted" json:"is_blacklisted"`
}

type Rules struct {
	byCountry map[string]Rule
}

func NewRules(rules []Rule) Rules {
	m := make(map[string]Rule, len(rules))
	for _, r := range rules {
		r.Country = strings.ToUpper(strings.TrimSpace(r.Country))
		if r.Country != "" {
			m[r.Country] = r
		}
	}
	return Rules{byCountry: m}
}

func (r Rules) For(country string) (Rule, bool) {
	rule, ok := r.byCountry[strings.ToUpper(country)]
	return rule, ok
}

// Restrict returns the stricter of the category limits and the country rule.
// A zero rule field leaves the category value in place.
func (rule Rule) Restrict(limit, burstLimit int) (int, int) {
	if rule.RateLimit > 0 && rule.RateLimit < limit {
		limit = rule.RateLimit
	}
	if rule.BurstLimit > 0 && rule.BurstLimit < burstLimit {
		burstLimit = rule.BurstLimit
	}
	if burstLimit < limit {
		burstLimit = limit
	}
	return limit, burstLimit
}
