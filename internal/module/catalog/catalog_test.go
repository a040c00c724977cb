package catalog

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCreditsFor(t *testing.T) {
	assert.Equal(t, int64(50), CreditsFor(PlanMonthly))
	assert.Equal(t, int64(700), CreditsFor(PlanYearly))
	assert.Equal(t, int64(25), CreditsFor(PlanStarter))
	assert.Equal(t, int64(0), CreditsFor(PlanFree))
}

func TestCreditsForLegacyAliases(t *testing.T) {
	assert.Equal(t, CreditsFor(PlanMonthly), CreditsFor("pro"))
	// Legacy enterprise maps to the current top tier.
	assert.Equal(t, CreditsFor(PlanYearly), CreditsFor("enterprise"))
}

func TestLookupsAreTotal(t *testing.T) {
	assert.Equal(t, PlanFree, Resolve("no-such-plan"))
	assert.Equal(t, int64(0), CreditsFor("no-such-plan"))
	assert.Equal(t, PlanFree, PlanForPrice("price_unknown"))
	assert.Equal(t, "", PriceRefFor("no-such-plan"))
}

func TestPriceRefRoundTrip(t *testing.T) {
	for _, planID := range Plans() {
		ref := PriceRefFor(planID)
		if ref == "" {
			continue // free plan has no price
		}
		assert.Equal(t, planID, PlanForPrice(ref), "round trip for %s", planID)
	}
}

func TestLegacyPriceRefs(t *testing.T) {
	assert.Equal(t, PlanMonthly, PlanForPrice("price_legacy_pro"))
	assert.Equal(t, PlanYearly, PlanForPrice("price_legacy_enterprise"))
}

func TestIsRecurring(t *testing.T) {
	assert.True(t, IsRecurring(PlanMonthly))
	assert.True(t, IsRecurring(PlanYearly))
	assert.False(t, IsRecurring(PlanStarter))
	assert.False(t, IsRecurring(PlanFree))
}
