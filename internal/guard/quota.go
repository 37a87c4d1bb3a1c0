package guard

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/envfleet/envfleet/internal/models"
)

var (
	// ErrUnknownSKU is returned when a SKU name is not in the catalog.
	ErrUnknownSKU = errors.New("unknown sku")
	// ErrQuotaExceeded is returned when an allocation would pass the quota.
	ErrQuotaExceeded = errors.New("compute quota exceeded")
)

// Catalog resolves SKU names case-insensitively.
type Catalog struct {
	skus map[string]models.SKU
}

// NewCatalog indexes skus by name. Later duplicates win.
func NewCatalog(skus []models.SKU) *Catalog {
	c := &Catalog{skus: make(map[string]models.SKU, len(skus))}
	for _, sku := range skus {
		c.skus[strings.ToLower(sku.Name)] = sku
	}
	return c
}

// Lookup returns the SKU called name.
func (c *Catalog) Lookup(name string) (models.SKU, error) {
	if c != nil {
		if sku, ok := c.skus[strings.ToLower(strings.TrimSpace(name))]; ok {
			return sku, nil
		}
	}
	return models.SKU{}, fmt.Errorf("%w: %q", ErrUnknownSKU, name)
}

// Names returns the catalog's SKU names in sorted order.
func (c *Catalog) Names() []string {
	if c == nil {
		return nil
	}
	out := make([]string, 0, len(c.skus))
	for _, sku := range c.skus {
		out = append(out, sku.Name)
	}
	sort.Strings(out)
	return out
}

// CoresOf returns the compute cost of an environment. Static environments
// and unknown SKUs cost nothing.
func (c *Catalog) CoresOf(env models.Environment) int {
	if env.IsStatic() {
		return 0
	}
	sku, err := c.Lookup(env.SKUName)
	if err != nil {
		return 0
	}
	return sku.Cores
}

// UsedCores sums the cores of every compute-utilizing environment whose SKU
// is in family. An empty family counts every family.
func (c *Catalog) UsedCores(envs []models.Environment, family string) int {
	used := 0
	for _, env := range envs {
		if !env.State.IsComputeUtilizing() {
			continue
		}
		if family != "" {
			sku, err := c.Lookup(env.SKUName)
			if err != nil || !strings.EqualFold(sku.Family, family) {
				continue
			}
		}
		used += c.CoresOf(env)
	}
	return used
}

// QuotaDecision is the outcome of a quota check.
type QuotaDecision struct {
	Family    string
	Used      int
	Requested int
	Max       int
}

// Allowed reports whether Used+Requested fits within Max.
func (d QuotaDecision) Allowed() bool {
	return d.Used+d.Requested <= d.Max
}

// Err returns ErrQuotaExceeded with detail when the decision denies.
func (d QuotaDecision) Err() error {
	if d.Allowed() {
		return nil
	}
	return fmt.Errorf("%w: family %s uses %d of %d cores, %d requested", ErrQuotaExceeded, d.Family, d.Used, d.Max, d.Requested)
}

// CheckSubscriptionQuota evaluates requesting one environment of skuName
// against the subscription's per-family maximum. envs must be the
// subscription's environments.
//
// The check reads then decides without a lock. Concurrent callers can both
// pass and jointly overshoot the maximum.
func (c *Catalog) CheckSubscriptionQuota(envs []models.Environment, sub models.Subscription, skuName string) (QuotaDecision, error) {
	sku, err := c.Lookup(skuName)
	if err != nil {
		return QuotaDecision{}, err
	}
	decision := QuotaDecision{
		Family:    sku.Family,
		Used:      c.UsedCores(envs, sku.Family),
		Requested: sku.Cores,
		Max:       maxForFamily(sub.MaxCoresByFamily, sku.Family),
	}
	return decision, nil
}

// CheckPlanQuota evaluates requesting skuName against the plan's own core
// cap. envs must be the plan's environments. A plan without a cap always
// allows.
func (c *Catalog) CheckPlanQuota(envs []models.Environment, plan models.Plan, skuName string) (QuotaDecision, error) {
	sku, err := c.Lookup(skuName)
	if err != nil {
		return QuotaDecision{}, err
	}
	decision := QuotaDecision{Requested: sku.Cores}
	if plan.MaxComputeCores <= 0 {
		decision.Max = decision.Requested
		return decision, nil
	}
	decision.Used = c.UsedCores(envs, "")
	decision.Max = plan.MaxComputeCores
	return decision, nil
}

func maxForFamily(limits map[string]int, family string) int {
	if v, ok := limits[family]; ok {
		return v
	}
	for k, v := range limits {
		if strings.EqualFold(k, family) {
			return v
		}
	}
	return 0
}
