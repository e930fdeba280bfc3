package routing

import (
	"testing"

	"myst-proxy/internal/config"
	"myst-proxy/internal/model"
)

func dualConfig() *config.Config {
	return &config.Config{
		Targets: []config.TargetConfig{
			{Role: "theme", Host: "127.0.0.1", Port: 3000},
			{Role: "content", Host: "127.0.0.1", Port: 3100},
		},
		Routes: []config.RouteConfig{
			{Prefix: "/api/", Role: "content"},
			{Prefix: "/content/", Role: "content"},
			{Prefix: "/content/theme/", Role: "theme"},
			{Prefix: "/config.json", Role: "content"},
		},
	}
}

func TestResolve_Dual(t *testing.T) {
	table, err := New(dualConfig())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	tests := []struct {
		path string
		want model.Role
	}{
		{"/", model.RoleTheme},
		{"/index.html", model.RoleTheme},
		{"/api/search", model.RoleContent},
		{"/content/page.json", model.RoleContent},
		{"/content/theme/app.css", model.RoleTheme},
		{"/config.json", model.RoleContent},
		{"/config.json?x=1", model.RoleContent},
		{"/apis", model.RoleTheme},
		{"", model.RoleTheme},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got := table.Resolve(tt.path)
			if got.Role != tt.want {
				t.Errorf("Resolve(%q) = %s, want role %s", tt.path, got, tt.want)
			}
		})
	}
}

func TestResolve_Deterministic(t *testing.T) {
	table, err := New(dualConfig())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	for range 100 {
		if got := table.Resolve("/content/a.png"); got.Role != model.RoleContent || got.Port != 3100 {
			t.Fatalf("Resolve(/content/a.png) = %s, want content on 3100", got)
		}
		if got := table.Resolve("/docs/a"); got.Role != model.RoleTheme || got.Port != 3000 {
			t.Fatalf("Resolve(/docs/a) = %s, want theme on 3000", got)
		}
	}
}

func TestResolve_Single(t *testing.T) {
	cfg := &config.Config{
		Targets: []config.TargetConfig{{Role: "single", Host: "127.0.0.1", Port: 3100}},
	}
	table, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	for _, p := range []string{"/", "/content/x", "/api/y"} {
		if got := table.Resolve(p); got.Role != model.RoleSingle {
			t.Errorf("Resolve(%q) = %s, want single", p, got)
		}
	}
	if got := table.Default(); got.Port != 3100 {
		t.Errorf("Default().Port = %d, want 3100", got.Port)
	}
}

func TestRules_LongestPrefixFirst(t *testing.T) {
	table, err := New(dualConfig())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	rules := table.Rules()
	for i := 1; i < len(rules); i++ {
		if len(rules[i-1].Prefix) < len(rules[i].Prefix) {
			t.Errorf("rules[%d]=%q before longer rules[%d]=%q", i-1, rules[i-1].Prefix, i, rules[i].Prefix)
		}
	}
	if rules[0].Prefix != "/content/theme/" {
		t.Errorf("rules[0] = %q, want %q", rules[0].Prefix, "/content/theme/")
	}
}

func TestNew_Errors(t *testing.T) {
	tests := []struct {
		name string
		cfg  *config.Config
	}{
		{
			name: "no default target",
			cfg: &config.Config{Targets: []config.TargetConfig{
				{Role: "content", Host: "127.0.0.1", Port: 3100},
			}},
		},
		{
			name: "unknown role",
			cfg: &config.Config{Targets: []config.TargetConfig{
				{Role: "assets", Host: "127.0.0.1", Port: 3100},
			}},
		},
		{
			name: "route to missing target",
			cfg: &config.Config{
				Targets: []config.TargetConfig{{Role: "theme", Host: "127.0.0.1", Port: 3000}},
				Routes:  []config.RouteConfig{{Prefix: "/content/", Role: "content"}},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.cfg); err == nil {
				t.Error("New() expected error, got nil")
			}
		})
	}
}

func TestTargets_ReturnsCopy(t *testing.T) {
	table, err := New(dualConfig())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	targets := table.Targets()
	targets[0].Port = 9999
	if got := table.Targets()[0].Port; got != 3000 {
		t.Errorf("Targets()[0].Port = %d after caller mutation, want 3000", got)
	}
}
