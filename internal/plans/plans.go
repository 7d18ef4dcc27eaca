// Package plans defines the closed set of plan codes, the provider price
// table and the presentation labels for each locale.
package plans

import (
	"strings"
)

// Code identifies a plan. Persisted in accounts.current_plan.
type Code string

const (
	Free      Code = "free"
	Monthly   Code = "monthly"
	Quarterly Code = "quarterly"
	Biannual  Code = "biannual"
	Annual    Code = "annual"
	Lifetime  Code = "lifetime"

	Crowdfund1M       Code = "crowdfund_1m"
	Crowdfund3M       Code = "crowdfund_3m"
	Crowdfund6M       Code = "crowdfund_6m"
	CrowdfundLifetime Code = "crowdfund_lifetime"
)

// Default is used when a provider price cannot be matched, and as the
// lowest paid tier for paying accounts without a recorded plan.
const Default = Monthly

const (
	couponPlanPrefix = "crowdfund_"

	// CouponCodePrefix marks coupon codes handed out to the crowdfunding cohort.
	CouponCodePrefix = "CF"
)

var all = []Code{
	Free, Monthly, Quarterly, Biannual, Annual, Lifetime,
	Crowdfund1M, Crowdfund3M, Crowdfund6M, CrowdfundLifetime,
}

// All returns every known plan code.
func All() []Code {
	out := make([]Code, len(all))
	copy(out, all)
	return out
}

// Valid reports whether c is one of the known codes.
func (c Code) Valid() bool {
	for _, known := range all {
		if c == known {
			return true
		}
	}
	return false
}

// IsPaid reports whether the plan grants paid benefits.
func (c Code) IsPaid() bool {
	return c.Valid() && c != Free
}

// IsCoupon reports whether the plan was granted through a coupon.
func (c Code) IsCoupon() bool {
	return strings.HasPrefix(string(c), couponPlanPrefix)
}

// IsCouponCode reports whether a redeemed coupon code belongs to the
// crowdfunding cohort.
func IsCouponCode(code string) bool {
	return strings.HasPrefix(strings.TrimSpace(code), CouponCodePrefix)
}

// Parse maps a stored value to a Code. It accepts plan codes and the
// display labels written by older releases.
func Parse(raw string) (Code, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false
	}
	if c := Code(strings.ToLower(raw)); c.Valid() {
		return c, true
	}
	if c, ok := legacyLabels[raw]; ok {
		return c, true
	}
	return "", false
}

// legacyLabels covers plan names stored as display strings.
var legacyLabels = map[string]Code{
	"月額プラン":            Monthly,
	"3ヶ月プラン":           Quarterly,
	"半年プラン":            Biannual,
	"6ヶ月プラン":           Biannual,
	"年額プラン":            Annual,
	"永久利用プラン":          Lifetime,
	"1ヶ月プラン（クラファン特典）":  Crowdfund1M,
	"3ヶ月プラン（クラファン特典）":  Crowdfund3M,
	"6ヶ月プラン（クラファン特典）":  Crowdfund6M,
	"永久利用プラン（クラファン特典）": CrowdfundLifetime,
	"half-year":        Biannual,
}
