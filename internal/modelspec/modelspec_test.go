package modelspec

import (
	"slices"
	"testing"
)

func TestParse(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want Spec
	}{
		{"gemini-2.5-pro", Spec{BaseID: "gemini-2.5-pro"}},
		{"GEMINI_CODE_ASSIST/gemini-2.5-pro", Spec{Provider: "GEMINI_CODE_ASSIST", BaseID: "gemini-2.5-pro"}},
		{"gemini-2.5-flash$fast", Spec{BaseID: "gemini-2.5-flash", Alias: "fast"}},
		{"p/base$a$b", Spec{Provider: "p", BaseID: "base$a", Alias: "b"}},
		{"p/sub/base", Spec{Provider: "p", BaseID: "sub/base"}},
		{"", Spec{}},
	}
	for _, tt := range tests {
		if got := Parse(tt.in); got != tt.want {
			t.Errorf("Parse(%q) = %+v, want %+v", tt.in, got, tt.want)
		}
	}
}

func TestSpecString_RoundTrip(t *testing.T) {
	t.Parallel()

	for _, in := range []string{"base", "p/base", "base$a", "p/base$a"} {
		if got := Parse(in).String(); got != in {
			t.Errorf("Parse(%q).String() = %q", in, got)
		}
	}
}

func TestSplitFallbacks(t *testing.T) {
	t.Parallel()

	got := SplitFallbacks("gemini-2.5-pro, gemini-2.5-flash,,gpt-4o")
	want := []string{"gemini-2.5-pro", "gemini-2.5-flash", "gpt-4o"}
	if !slices.Equal(got, want) {
		t.Errorf("SplitFallbacks = %v, want %v", got, want)
	}
}

func TestMatch_Flexible(t *testing.T) {
	t.Parallel()

	// For config "b$a", the matching request set is exactly {b, a, b$a}.
	tests := []struct {
		reqBase, reqAlias, config string
		wantResolved              string
		wantOK                    bool
	}{
		{"b", "", "b$a", "b", true},
		{"a", "", "b$a", "b", true},
		{"b", "a", "b$a", "b", true},
		{"b", "x", "b$a", "", false},
		{"c", "", "b$a", "", false},
		// Config without alias matches only the bare base.
		{"b", "", "b", "b", true},
		{"b", "a", "b", "", false},
		// Alias-as-identifier resolves to the config base.
		{"fast", "", "gemini-2.5-flash$fast", "gemini-2.5-flash", true},
	}
	for _, tt := range tests {
		resolved, ok := Match(tt.reqBase, tt.reqAlias, tt.config)
		if ok != tt.wantOK || resolved != tt.wantResolved {
			t.Errorf("Match(%q, %q, %q) = (%q, %v), want (%q, %v)",
				tt.reqBase, tt.reqAlias, tt.config, resolved, ok, tt.wantResolved, tt.wantOK)
		}
	}
}

func TestResolve_FirstMatchWins(t *testing.T) {
	t.Parallel()

	specs := []string{"gemini-2.5-pro", "gemini-2.5-flash$fast"}
	resolved, ok := Resolve("fast", "", specs)
	if !ok || resolved != "gemini-2.5-flash" {
		t.Fatalf("Resolve = (%q, %v), want (gemini-2.5-flash, true)", resolved, ok)
	}
	if _, ok := Resolve("unknown", "", specs); ok {
		t.Error("Resolve matched an unknown model")
	}
}

func TestEffectiveModels(t *testing.T) {
	t.Parallel()

	base := []string{"gemini-2.5-pro", "gemini-2.5-flash$fast"}

	got := EffectiveModels(base, []string{"-gemini-2.5-pro", "gemini-exp"})
	want := []string{"gemini-2.5-flash$fast", "gemini-exp"}
	if !slices.Equal(got, want) {
		t.Errorf("EffectiveModels = %v, want %v", got, want)
	}

	// No overrides: base list returned unchanged.
	if got := EffectiveModels(base, nil); !slices.Equal(got, base) {
		t.Errorf("EffectiveModels(nil) = %v, want %v", got, base)
	}

	// Subtraction matches the spec base ID even when an alias is configured.
	got = EffectiveModels(base, []string{"-gemini-2.5-flash"})
	if slices.Contains(got, "gemini-2.5-flash$fast") {
		t.Errorf("subtractive override left %v", got)
	}
}
