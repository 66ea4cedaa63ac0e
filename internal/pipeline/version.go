package pipeline

import (
	"fmt"

	"github.com/Masterminds/semver/v3"
)

// RewriteRule forwards schema versions matching From to To.
type RewriteRule struct {
	From string
	To   string
}

type compiledRule struct {
	from *semver.Constraints
	to   string
}

// VersionRewriter applies the forward-only schema_version rewrite rules. It is the
// only schema migration the pipeline performs.
type VersionRewriter struct {
	rules          []compiledRule
	defaultVersion string
}

// NewVersionRewriter compiles rules in order; the first match wins.
func NewVersionRewriter(defaultVersion string, rules []RewriteRule) (*VersionRewriter, error) {
	vr := &VersionRewriter{defaultVersion: defaultVersion}
	for _, r := range rules {
		c, err := semver.NewConstraint(r.From)
		if err != nil {
			return nil, fmt.Errorf("pipeline: bad rewrite constraint %q: %w", r.From, err)
		}
		if _, err := semver.NewVersion(r.To); err != nil {
			return nil, fmt.Errorf("pipeline: bad rewrite target %q: %w", r.To, err)
		}
		vr.rules = append(vr.rules, compiledRule{from: c, to: r.To})
	}
	return vr, nil
}

// Rewrite returns the version an event should carry. Tags that are not semantic
// versions pass through unchanged.
func (vr *VersionRewriter) Rewrite(version string) string {
	if version == "" {
		return vr.defaultVersion
	}
	v, err := semver.NewVersion(version)
	if err != nil {
		return version
	}
	for _, r := range vr.rules {
		if r.from.Check(v) {
			return r.to
		}
	}
	return version
}
