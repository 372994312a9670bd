package catalog

import (
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/yanquisalexander/modpackstore/pkg/apperr"
)

func TestValidSlug(t *testing.T) {
	valid := []string{"abc", "my-pack", "skyblock-2024", "a1b2c3", "abc-def-ghi"}
	for _, s := range valid {
		assert.True(t, ValidSlug(s), s)
	}
	invalid := []string{"", "ab", "-abc", "abc-", "ab--cd", "My-Pack", "under_score",
		"dots.here", "spaced out", strings.Repeat("a", 65)}
	for _, s := range invalid {
		assert.False(t, ValidSlug(s), s)
	}
}

func TestSlugify(t *testing.T) {
	cases := map[string]string{
		"My Awesome Pack":  "my-awesome-pack",
		"  Spaces  ":       "spaces",
		"Sky/Block: 2!":    "sky-block-2",
		"already-a-slug":   "already-a-slug",
		"---":              "",
		"CAPS AND numbers": "caps-and-numbers",
	}
	for in, want := range cases {
		assert.Equal(t, want, Slugify(in), in)
	}
}

func TestValidRuntimeVersion(t *testing.T) {
	valid := []string{"1.20", "1.20.1", "1.7.10", "1.21-pre1", "2.0.0-rc.2"}
	for _, v := range valid {
		assert.True(t, ValidRuntimeVersion(v), v)
	}
	invalid := []string{"", "1", "v1.20", "1.20.1.2", "latest", "1..2"}
	for _, v := range invalid {
		assert.False(t, ValidRuntimeVersion(v), v)
	}
}

func TestPricingValidate(t *testing.T) {
	cases := []struct {
		name    string
		pricing Pricing
		field   string
	}{
		{"free", Pricing{Kind: PricingFree}, ""},
		{"paid ok", Pricing{Kind: PricingPaid, Amount: decimal.RequireFromString("4.99"), Currency: "USD"}, ""},
		{"paid zero amount", Pricing{Kind: PricingPaid, Currency: "USD"}, "pricing.amount"},
		{"paid negative", Pricing{Kind: PricingPaid, Amount: decimal.RequireFromString("-1"), Currency: "USD"}, "pricing.amount"},
		{"paid bad currency", Pricing{Kind: PricingPaid, Amount: decimal.NewFromInt(5), Currency: "US"}, "pricing.currency"},
		{"gated ok", Pricing{Kind: PricingSubscriptionGated, Channels: []string{"ch-1"}}, ""},
		{"gated empty", Pricing{Kind: PricingSubscriptionGated}, "pricing.channels"},
		{"unknown kind", Pricing{Kind: "donation"}, "pricing.kind"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.pricing.Validate()
			if tc.field == "" {
				assert.NoError(t, err)
				return
			}
			var ae *apperr.Error
			assert.ErrorAs(t, err, &ae)
			assert.Equal(t, apperr.KindValidation, ae.Kind)
			assert.Equal(t, tc.field, ae.Field)
		})
	}
}
