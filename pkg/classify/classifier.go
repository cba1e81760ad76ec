package classify

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/gobwas/glob"
	"golang.org/x/net/publicsuffix"
)

// Classifier is the injected domain-classification capability. It may be
// unavailable at any time; callers treat failures as CategoryUnclassified.
type Classifier interface {
	Classify(ctx context.Context, rawURL string) (Category, error)
}

// Rule maps a host pattern to a category. Patterns are glob expressions
// matched against the full hostname and the registrable domain, so
// "*.example.com" and "example.com" behave the way people expect.
type Rule struct {
	Pattern  string   `yaml:"pattern"`
	Category Category `yaml:"category"`
}

type compiledRule struct {
	glob     glob.Glob
	category Category
}

// RuleClassifier classifies URLs with an ordered list of host-pattern rules.
// The first matching rule wins; a URL matching no rule is CategoryAllowed.
type RuleClassifier struct {
	rules []compiledRule
}

// NewRuleClassifier compiles the given rules. Compilation failures surface
// immediately rather than at classification time.
func NewRuleClassifier(rules []Rule) (*RuleClassifier, error) {
	compiled := make([]compiledRule, 0, len(rules))
	for _, r := range rules {
		g, err := glob.Compile(strings.ToLower(r.Pattern), '.')
		if err != nil {
			return nil, fmt.Errorf("invalid classification pattern %q: %w", r.Pattern, err)
		}
		compiled = append(compiled, compiledRule{glob: g, category: r.Category})
	}
	return &RuleClassifier{rules: compiled}, nil
}

// Classify returns the category for rawURL's host.
func (c *RuleClassifier) Classify(_ context.Context, rawURL string) (Category, error) {
	host, err := hostOf(rawURL)
	if err != nil {
		return CategoryUnclassified, err
	}
	if host == "" {
		// about:blank, chrome://, data: and friends carry no host.
		return CategoryAllowed, nil
	}

	candidates := []string{host}
	if domain, err := publicsuffix.EffectiveTLDPlusOne(host); err == nil && domain != host {
		candidates = append(candidates, domain)
	}

	for _, r := range c.rules {
		for _, candidate := range candidates {
			if r.glob.Match(candidate) {
				return r.category, nil
			}
		}
	}
	return CategoryAllowed, nil
}

func hostOf(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("unparseable url: %w", err)
	}
	return strings.ToLower(u.Hostname()), nil
}
