// Package routing maps inbound request paths to backend targets.
package routing

import (
	"fmt"
	"sort"
	"strings"

	"myst-proxy/internal/config"
	"myst-proxy/internal/model"
)

// Table resolves request paths to backend targets. It is built once at
// startup and only read afterwards, so it is safe for concurrent use.
type Table struct {
	targets []model.BackendTarget
	byRole  map[model.Role]model.BackendTarget
	rules   []model.RouteRule // longest prefix first
	def     model.BackendTarget
}

// New builds the routing table from configuration.
func New(cfg *config.Config) (*Table, error) {
	t := &Table{byRole: make(map[model.Role]model.BackendTarget, len(cfg.Targets))}

	for _, tc := range cfg.Targets {
		target := model.BackendTarget{Role: model.Role(tc.Role), Host: tc.Host, Port: tc.Port}
		if !target.Role.Valid() {
			return nil, fmt.Errorf("routing: unknown role %q", tc.Role)
		}
		if _, dup := t.byRole[target.Role]; dup {
			return nil, fmt.Errorf("routing: duplicate target role %q", tc.Role)
		}
		t.targets = append(t.targets, target)
		t.byRole[target.Role] = target
	}

	def, ok := t.byRole[model.RoleSingle]
	if !ok {
		def, ok = t.byRole[model.RoleTheme]
	}
	if !ok {
		return nil, fmt.Errorf("routing: no %q or %q target for unmatched paths", model.RoleTheme, model.RoleSingle)
	}
	t.def = def

	for _, rc := range cfg.Routes {
		role := model.Role(rc.Role)
		if _, ok := t.byRole[role]; !ok {
			return nil, fmt.Errorf("routing: route %q references missing target %q", rc.Prefix, rc.Role)
		}
		t.rules = append(t.rules, model.RouteRule{Prefix: rc.Prefix, Role: role})
	}

	// Most specific prefix first; equal lengths keep configuration order.
	sort.SliceStable(t.rules, func(i, j int) bool {
		return len(t.rules[i].Prefix) > len(t.rules[j].Prefix)
	})

	return t, nil
}

// Resolve returns the target for a request path.
func (t *Table) Resolve(path string) model.BackendTarget {
	for _, r := range t.rules {
		if strings.HasPrefix(path, r.Prefix) {
			return t.byRole[r.Role]
		}
	}
	return t.def
}

// Default returns the target that serves unmatched paths.
func (t *Table) Default() model.BackendTarget {
	return t.def
}

// Targets returns all configured targets in configuration order.
func (t *Table) Targets() []model.BackendTarget {
	out := make([]model.BackendTarget, len(t.targets))
	copy(out, t.targets)
	return out
}

// Rules returns the route rules in evaluation order.
func (t *Table) Rules() []model.RouteRule {
	out := make([]model.RouteRule, len(t.rules))
	copy(out, t.rules)
	return out
}
