package rewrite

import (
	"regexp"
	"sort"
	"strconv"
	"strings"

	"myst-proxy/internal/model"
)

// loopbackHosts are the spellings a backend uses for itself regardless of
// the configured target host.
var loopbackHosts = []string{"localhost", "127.0.0.1", "[::1]"}

// Pattern is one substitution applied to rewritable bodies.
type Pattern struct {
	Name    string
	Matcher *regexp.Regexp
	replace func(model.Origin) string
}

// Replacement returns the text that replaces every match for origin o.
func (p Pattern) Replacement(o model.Origin) string {
	return p.replace(o)
}

// BuildPatterns returns the fixed-order pattern list covering every
// host:port spelling of the given targets plus extraPorts.
//
// Scheme-qualified forms run before the protocol-relative ones so that the
// scheme is replaced together with the host. Inside each pattern longer
// host:port literals are tried first, and the trailing \b keeps port 3000
// from matching the start of 30001.
func BuildPatterns(targets []model.BackendTarget, extraPorts []int) []Pattern {
	alt := hostPortAlternation(targets, extraPorts)
	if alt == "" {
		return nil
	}

	return []Pattern{
		{
			Name:    "absolute",
			Matcher: regexp.MustCompile(`(?i)https?://(?:` + alt + `)\b`),
			replace: func(o model.Origin) string { return o.Scheme + "://" + o.Host },
		},
		{
			Name:    "websocket",
			Matcher: regexp.MustCompile(`(?i)wss?://(?:` + alt + `)\b`),
			replace: func(o model.Origin) string { return wsScheme(o) + "://" + o.Host },
		},
		{
			Name:    "escaped-absolute",
			Matcher: regexp.MustCompile(`(?i)https?:\\/\\/(?:` + alt + `)\b`),
			replace: func(o model.Origin) string { return o.Scheme + `:\/\/` + o.Host },
		},
		{
			Name:    "protocol-relative",
			Matcher: regexp.MustCompile(`(?i)//(?:` + alt + `)\b`),
			replace: func(o model.Origin) string { return "//" + o.Host },
		},
		{
			Name:    "escaped-protocol-relative",
			Matcher: regexp.MustCompile(`(?i)\\/\\/(?:` + alt + `)\b`),
			replace: func(o model.Origin) string { return `\/\/` + o.Host },
		},
	}
}

func wsScheme(o model.Origin) string {
	if o.Scheme == "https" {
		return "wss"
	}
	return "ws"
}

func hostPortAlternation(targets []model.BackendTarget, extraPorts []int) string {
	seen := make(map[string]bool)
	var literals []string
	add := func(host string, port int) {
		hp := strings.ToLower(host) + ":" + strconv.Itoa(port)
		if !seen[hp] {
			seen[hp] = true
			literals = append(literals, hp)
		}
	}
	addPort := func(port int) {
		for _, h := range loopbackHosts {
			add(h, port)
		}
	}

	for _, t := range targets {
		host := t.Host
		if strings.Contains(host, ":") && !strings.HasPrefix(host, "[") {
			host = "[" + host + "]"
		}
		add(host, t.Port)
		addPort(t.Port)
	}
	for _, p := range extraPorts {
		addPort(p)
	}

	sort.Slice(literals, func(i, j int) bool {
		if len(literals[i]) != len(literals[j]) {
			return len(literals[i]) > len(literals[j])
		}
		return literals[i] < literals[j]
	})

	quoted := make([]string, len(literals))
	for i, l := range literals {
		quoted[i] = regexp.QuoteMeta(l)
	}
	return strings.Join(quoted, "|")
}
