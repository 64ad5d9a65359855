package redact

import (
	"fmt"
	"regexp"
	"strings"
)

// Sentinel replaces every redacted value.
const Sentinel = "[REDACTED]"

// Rule is a named pattern whose matches are replaced with Sentinel.
type Rule struct {
	Name    string
	Pattern *regexp.Regexp
}

// DefaultFieldDenylist lists keys whose values are always replaced, whatever
// they contain. Keys are compared after normalization (see normalizeKey).
var DefaultFieldDenylist = []string{
	"authorization",
	"proxy_authorization",
	"x_api_key",
	"api_key",
	"apikey",
	"password",
	"passwd",
	"secret",
	"client_secret",
	"token",
	"access_token",
	"refresh_token",
	"id_token",
	"private_key",
	"cookie",
	"set_cookie",
}

// DefaultRules returns the built-in rules in application order. Card numbers
// run before phone numbers so a card is never half-consumed as a phone.
func DefaultRules() []Rule {
	return []Rule{
		{Name: "bearer", Pattern: regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9._~+/=-]+`)},
		{Name: "jwt", Pattern: regexp.MustCompile(`eyJ[A-Za-z0-9_-]*\.eyJ[A-Za-z0-9_-]*\.[A-Za-z0-9_-]*`)},
		{Name: "api_key", Pattern: regexp.MustCompile(`\b(?:sk-ant-[A-Za-z0-9_-]{8,}|sk-[A-Za-z0-9_-]{16,}|(?:AKIA|ASIA)[0-9A-Z]{16}|gh[pousr]_[A-Za-z0-9]{20,})`)},
		{Name: "email", Pattern: regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)},
		{Name: "card", Pattern: regexp.MustCompile(`\b(?:\d[ -]?){12,18}\d\b`)},
		{Name: "phone", Pattern: regexp.MustCompile(`(?:\+\d{1,3}[\s.-]?)?(?:\(\d{3}\)|\b\d{3})[\s.-]?\d{3}[\s.-]?\d{4}\b`)},
	}
}

// PatternConfig is an operator-supplied rule in source form.
type PatternConfig struct {
	Name  string
	Regex string
}

// CompileRules compiles operator rules, failing on the first invalid pattern.
func CompileRules(patterns []PatternConfig) ([]Rule, error) {
	rules := make([]Rule, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p.Regex)
		if err != nil {
			return nil, fmt.Errorf("redaction pattern %q: %w", p.Name, err)
		}
		rules = append(rules, Rule{Name: p.Name, Pattern: re})
	}
	return rules, nil
}

// normalizeKey folds case and treats '-' and '_' alike, so "X-Api-Key" and
// "x_api_key" hit the same denylist entry.
func normalizeKey(k string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(k)), "-", "_")
}
