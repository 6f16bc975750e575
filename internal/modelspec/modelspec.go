// Package modelspec parses and matches model spec strings of the form
// [provider/]baseId[$alias], optionally comma-joined into a fallback list.
package modelspec

import (
	"slices"
	"strings"
)

// Spec is a parsed model spec.
type Spec struct {
	Provider string // empty when the request did not pin a provider
	BaseID   string
	Alias    string // empty when no $alias suffix
}

// String reassembles the spec into its canonical textual form.
func (s Spec) String() string {
	var b strings.Builder
	if s.Provider != "" {
		b.WriteString(s.Provider)
		b.WriteByte('/')
	}
	b.WriteString(s.BaseID)
	if s.Alias != "" {
		b.WriteByte('$')
		b.WriteString(s.Alias)
	}
	return b.String()
}

// Parse extracts (provider, baseId, alias) from a single spec string.
// The substring before the first '/' is the provider; within the remainder,
// the substring after the last '$' is the alias.
func Parse(s string) Spec {
	var out Spec
	if i := strings.Index(s, "/"); i >= 0 {
		out.Provider = s[:i]
		s = s[i+1:]
	}
	if i := strings.LastIndex(s, "$"); i >= 0 {
		out.Alias = s[i+1:]
		s = s[:i]
	}
	out.BaseID = s
	return out
}

// SplitFallbacks splits a comma-joined fallback list into individual spec
// strings, dropping empty entries.
func SplitFallbacks(s string) []string {
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Match checks a requested (baseId, alias) pair against a configured model
// spec "configBase[$configAlias]". It returns the resolved base ID to send
// upstream and whether the spec matched.
//
// Matching rules:
//   - reqBase == configBase and (no reqAlias, or reqAlias == configAlias)
//   - configAlias present and reqBase == configAlias (alias-as-identifier);
//     the resolved base ID is configBase.
func Match(reqBase, reqAlias, configSpec string) (resolved string, ok bool) {
	cfg := Parse(configSpec)
	if reqBase == cfg.BaseID && (reqAlias == "" || reqAlias == cfg.Alias) {
		return cfg.BaseID, true
	}
	if cfg.Alias != "" && reqBase == cfg.Alias && reqAlias == "" {
		return cfg.BaseID, true
	}
	return "", false
}

// Resolve finds the first configured spec that matches the request tuple and
// returns the resolved base ID.
func Resolve(reqBase, reqAlias string, configSpecs []string) (resolved string, ok bool) {
	for _, cs := range configSpecs {
		if r, matched := Match(reqBase, reqAlias, cs); matched {
			return r, true
		}
	}
	return "", false
}

// EffectiveModels applies a key's availableModels overrides to the provider's
// base model list. Entries are additive ("name") or subtractive ("-name");
// subtraction compares against the config spec's base ID and full form.
// An empty override list leaves the base list unchanged.
func EffectiveModels(base, overrides []string) []string {
	if len(overrides) == 0 {
		return base
	}
	out := slices.Clone(base)
	for _, ov := range overrides {
		ov = strings.TrimSpace(ov)
		if ov == "" {
			continue
		}
		if name, neg := strings.CutPrefix(ov, "-"); neg {
			out = slices.DeleteFunc(out, func(spec string) bool {
				return spec == name || Parse(spec).BaseID == name
			})
			continue
		}
		if !slices.Contains(out, ov) {
			out = append(out, ov)
		}
	}
	return out
}
