package router

import "testing"

func TestRouteFirstMatchWins(t *testing.T) {
	known := map[string]bool{"mock_cn": true, "mock_secure": true, "mock_default": true}
	rules := []RuleConfig{
		{Kind: MatchRegex, Patterns: []string{`.*\.cn$`}, Target: "mock_cn"},
		{Kind: MatchExact, Patterns: []string{"secure.example.com"}, Target: "mock_secure"},
		{Kind: MatchExact, Patterns: []string{"blocked.example.com"}, Target: "__blackhole__"},
	}
	rt, err := New(true, "mock_default", rules, known, "__blackhole__")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	cases := map[string]string{
		"example.com":            "mock_default",
		"example.cn":              "mock_cn",
		"secure.example.com":      "mock_secure",
		"blocked.example.com":     "__blackhole__",
		"www.secure.example.com.": "mock_default", // exact rule does not match subdomains
	}
	for name, want := range cases {
		if got := rt.Route(name); got != want {
			t.Errorf("Route(%q) = %q, want %q", name, got, want)
		}
	}
}

func TestRouteAddingLaterRuleDoesNotChangeEarlierMatch(t *testing.T) {
	known := map[string]bool{"a": true, "b": true, "default": true}
	base := []RuleConfig{{Kind: MatchSuffix, Patterns: []string{"example.com"}, Target: "a"}}
	rt1, err := New(true, "default", base, known, "__blackhole__")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	extended := append(append([]RuleConfig{}, base...), RuleConfig{Kind: MatchSuffix, Patterns: []string{"example.com"}, Target: "b"})
	rt2, err := New(true, "default", extended, known, "__blackhole__")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if got1, got2 := rt1.Route("www.example.com"), rt2.Route("www.example.com"); got1 != got2 {
		t.Fatalf("adding a later matching rule changed the result: %q vs %q", got1, got2)
	}
}

func TestRouteSuffixMatching(t *testing.T) {
	known := map[string]bool{"grp": true, "default": true}
	rules := []RuleConfig{{Kind: MatchSuffix, Patterns: []string{"example.com"}}}
	rules[0].Target = "grp"
	rt, err := New(true, "default", rules, known, "__blackhole__")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for _, name := range []string{"example.com", "example.com.", "sub.example.com", "a.b.example.com"} {
		if got := rt.Route(name); got != "grp" {
			t.Errorf("Route(%q) = %q, want grp", name, got)
		}
	}
	if got := rt.Route("notexample.com"); got != "default" {
		t.Errorf("Route(notexample.com) = %q, want default", got)
	}
}

func TestRouteDisabledReturnsDefault(t *testing.T) {
	rt, err := New(false, "default", []RuleConfig{{Kind: MatchExact, Patterns: []string{"example.com"}, Target: "other"}}, map[string]bool{"other": true}, "__blackhole__")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got := rt.Route("example.com"); got != "default" {
		t.Errorf("Route with routing disabled = %q, want default", got)
	}
}

func TestNewRejectsUnknownTargetGroup(t *testing.T) {
	_, err := New(true, "default", []RuleConfig{{Kind: MatchExact, Patterns: []string{"x"}, Target: "ghost"}}, map[string]bool{}, "__blackhole__")
	if err == nil {
		t.Fatalf("expected error for rule targeting an unknown group")
	}
}

func TestNewRejectsUnknownDefaultGroup(t *testing.T) {
	_, err := New(true, "ghost", nil, map[string]bool{}, "__blackhole__")
	if err == nil {
		t.Fatalf("expected error for unknown default group")
	}
}

func TestNewRejectsInvalidRegex(t *testing.T) {
	_, err := New(true, "default", []RuleConfig{{Kind: MatchRegex, Patterns: []string{"("}, Target: "__blackhole__"}}, map[string]bool{}, "__blackhole__")
	if err == nil {
		t.Fatalf("expected error for invalid regex")
	}
}

func TestRouteRegexUnanchoredSubstring(t *testing.T) {
	known := map[string]bool{"grp": true, "default": true}
	rt, err := New(true, "default", []RuleConfig{{Kind: MatchRegex, Patterns: []string{"ads"}, Target: "grp"}}, known, "__blackhole__")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got := rt.Route("ads.example.com"); got != "grp" {
		t.Errorf("Route(ads.example.com) = %q, want grp", got)
	}
	if got := rt.Route("trackads.example.com"); got != "grp" {
		t.Errorf("unanchored regex should match substring mid-name: got %q, want grp", got)
	}
}
