package plans

import (
	"fmt"
	"regexp"
	"strings"
)

var couponPattern = regexp.MustCompile(`^(CF\d+-(1M|3M|6M|LT))-(\d+)$`)

// CouponType describes what a coupon grants. Months is zero for lifetime.
type CouponType struct {
	Name     string
	Plan     Code
	Months   int
	Lifetime bool
}

var couponTypes = map[string]CouponType{
	"CF600-1M":   {Name: "CF600-1M", Plan: Crowdfund1M, Months: 1},
	"CF1500-3M":  {Name: "CF1500-3M", Plan: Crowdfund3M, Months: 3},
	"CF3000-6M":  {Name: "CF3000-6M", Plan: Crowdfund6M, Months: 6},
	"CF15000-LT": {Name: "CF15000-LT", Plan: CrowdfundLifetime, Lifetime: true},
}

// ParseCoupon validates a coupon code such as CF600-1M-001 and returns its type.
func ParseCoupon(code string) (CouponType, error) {
	m := couponPattern.FindStringSubmatch(strings.TrimSpace(code))
	if m == nil {
		return CouponType{}, fmt.Errorf("coupon %q: malformed code", code)
	}
	ct, ok := couponTypes[m[1]]
	if !ok {
		return CouponType{}, fmt.Errorf("coupon %q: unknown type %s", code, m[1])
	}
	return ct, nil
}
