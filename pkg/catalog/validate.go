package catalog

import (
	"regexp"
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/yanquisalexander/modpackstore/pkg/apperr"
)

var (
	errPricingAmount   = apperr.Validation("paid pricing requires a positive amount").WithField("pricing.amount")
	errPricingCurrency = apperr.Validation("currency must be a 3-letter ISO code").WithField("pricing.currency")
	errPricingChannels = apperr.Validation("subscription pricing requires at least one channel").WithField("pricing.channels")
	errPricingKind     = apperr.Validation("unknown pricing kind").WithField("pricing.kind")
)

var slugPattern = regexp.MustCompile(`^[a-z0-9]+(?:-[a-z0-9]+)*$`)

// ValidSlug reports whether s is a well-formed, URL-safe slug.
func ValidSlug(s string) bool {
	return len(s) >= 3 && len(s) <= 64 && slugPattern.MatchString(s)
}

var slugifyStrip = regexp.MustCompile(`[^a-z0-9]+`)

// Slugify lowercases and squashes a free-form name into a slug.
func Slugify(name string) string {
	s := slugifyStrip.ReplaceAllString(strings.ToLower(name), "-")
	return strings.Trim(s, "-")
}

// ValidRuntimeVersion accepts X.Y[.Z][-suffix] target runtime versions.
// Two-component versions like "1.20" are padded for semver parsing.
func ValidRuntimeVersion(v string) bool {
	if v == "" {
		return false
	}
	candidate := v
	base, suffix, _ := strings.Cut(v, "-")
	if strings.Count(base, ".") == 1 {
		candidate = base + ".0"
		if suffix != "" {
			candidate += "-" + suffix
		}
	}
	_, err := semver.StrictNewVersion(candidate)
	return err == nil
}
