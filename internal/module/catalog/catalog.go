package catalog

// Plan identifiers. Legacy tiers are kept as aliases so old subscription
// rows and old processor price refs keep resolving.
const (
	PlanFree    = "free"
	PlanStarter = "starter"
	PlanMonthly = "monthly"
	PlanYearly  = "yearly"

	// Legacy tiers, mapped forward.
	planLegacyPro        = "pro"
	planLegacyEnterprise = "enterprise"
)

// CreditsUnlimited is the sentinel limit for comped accounts. Debits on
// unlimited plans skip the numeric check but still record usage.
const CreditsUnlimited int64 = -1

type plan struct {
	id        string
	credits   int64
	priceRef  string
	recurring bool
}

// The catalog is a fixed table. Lookups are total: anything unknown
// resolves to the free plan instead of erring.
var plans = map[string]plan{
	PlanFree:    {id: PlanFree, credits: 0, priceRef: "", recurring: false},
	PlanStarter: {id: PlanStarter, credits: 25, priceRef: "price_starter_pack", recurring: false},
	PlanMonthly: {id: PlanMonthly, credits: 50, priceRef: "price_monthly_sub", recurring: true},
	PlanYearly:  {id: PlanYearly, credits: 700, priceRef: "price_yearly_sub", recurring: true},
}

var legacyAliases = map[string]string{
	planLegacyPro:        PlanMonthly,
	planLegacyEnterprise: PlanYearly,
}

var legacyPriceRefs = map[string]string{
	"price_legacy_pro":        PlanMonthly,
	"price_legacy_enterprise": PlanYearly,
}

// Resolve maps a plan identifier (current or legacy) to its current
// identifier. Unknown identifiers resolve to the free plan.
func Resolve(planID string) string {
	if target, ok := legacyAliases[planID]; ok {
		return target
	}
	if _, ok := plans[planID]; ok {
		return planID
	}
	return PlanFree
}

// CreditsFor returns the monthly credit allotment for a plan identifier.
func CreditsFor(planID string) int64 {
	return plans[Resolve(planID)].credits
}

// PlanForPrice maps an external price reference to a plan identifier.
// Unknown references resolve to the free plan.
func PlanForPrice(priceRef string) string {
	for _, p := range plans {
		if p.priceRef != "" && p.priceRef == priceRef {
			return p.id
		}
	}
	if target, ok := legacyPriceRefs[priceRef]; ok {
		return target
	}
	return PlanFree
}

// PriceRefFor returns the external price reference for a plan identifier,
// or empty for plans without one.
func PriceRefFor(planID string) string {
	return plans[Resolve(planID)].priceRef
}

// IsRecurring reports whether a plan bills on a recurring cycle rather
// than as a one-time credit pack.
func IsRecurring(planID string) bool {
	return plans[Resolve(planID)].recurring
}

// Plans returns the current (non-legacy) plan identifiers.
func Plans() []string {
	return []string{PlanFree, PlanStarter, PlanMonthly, PlanYearly}
}
