package ratelimit

import (
	"sort"
	"time"

	"github.com/Sternrassler/ce-gateway/pkg/config"
	"github.com/Sternrassler/ce-gateway/pkg/reqctx"
)

// Rule is one quota: Limit requests per Window.
type Rule struct {
	Limit  int64
	Window time.Duration
}

// WindowSeconds returns the window length in whole seconds.
func (r Rule) WindowSeconds() int64 {
	return int64(r.Window / time.Second)
}

// Rules selects the quota for a request. A route prefix override beats a
// client class override, which beats the default.
type Rules struct {
	Default Rule
	Routes  map[string]Rule
	Classes map[reqctx.ClientClass]Rule

	// route prefixes, longest first
	prefixes []string
}

// NewRules builds a rule set.
func NewRules(def Rule, routes map[string]Rule, classes map[reqctx.ClientClass]Rule) *Rules {
	r := &Rules{Default: def, Routes: routes, Classes: classes}
	for p := range routes {
		r.prefixes = append(r.prefixes, p)
	}
	sort.Slice(r.prefixes, func(i, j int) bool {
		if len(r.prefixes[i]) != len(r.prefixes[j]) {
			return len(r.prefixes[i]) > len(r.prefixes[j])
		}
		return r.prefixes[i] < r.prefixes[j]
	})
	return r
}

// RulesFromConfig converts the configuration section.
func RulesFromConfig(cfg config.RateLimitConfig) *Rules {
	toRule := func(rc config.RuleConfig) Rule {
		return Rule{Limit: int64(rc.Limit), Window: time.Duration(rc.WindowSeconds) * time.Second}
	}

	routes := make(map[string]Rule, len(cfg.Routes))
	for prefix, rc := range cfg.Routes {
		routes[prefix] = toRule(rc)
	}
	classes := make(map[reqctx.ClientClass]Rule, len(cfg.Classes))
	for class, rc := range cfg.Classes {
		classes[reqctx.ClientClass(class)] = toRule(rc)
	}

	return NewRules(toRule(config.RuleConfig{Limit: cfg.Limit, WindowSeconds: cfg.WindowSeconds}), routes, classes)
}

// Resolve returns the rule for a request and the counter scope it is
// tracked under. Requests under different route overrides use separate
// counters.
func (r *Rules) Resolve(path string, class reqctx.ClientClass) (Rule, string) {
	for _, prefix := range r.prefixes {
		if reqctx.HasPathPrefix(path, prefix) {
			return r.Routes[prefix], "route:" + prefix
		}
	}
	if rule, ok := r.Classes[class]; ok {
		return rule, string(class)
	}
	return r.Default, string(class)
}
