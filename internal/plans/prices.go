package plans

import "strings"

// PriceTable maps provider price identifiers to plan codes.
type PriceTable struct {
	byPrice map[string]Code
	byPlan  map[Code]string
}

// NewPriceTable builds a table from plan → price id pairs. Empty price ids
// are skipped.
func NewPriceTable(prices map[Code]string) PriceTable {
	t := PriceTable{
		byPrice: make(map[string]Code, len(prices)),
		byPlan:  make(map[Code]string, len(prices)),
	}
	for code, price := range prices {
		price = strings.TrimSpace(price)
		if price == "" {
			continue
		}
		t.byPrice[price] = code
		t.byPlan[code] = price
	}
	return t
}

// PlanForPrice returns the plan for a price id. Unmatched or empty ids fall
// back to Default; matched reports whether the table knew the id.
func (t PriceTable) PlanForPrice(priceID string) (code Code, matched bool) {
	if c, ok := t.byPrice[strings.TrimSpace(priceID)]; ok {
		return c, true
	}
	return Default, false
}

// PriceForPlan returns the configured price id of a plan.
func (t PriceTable) PriceForPlan(c Code) (string, bool) {
	p, ok := t.byPlan[c]
	return p, ok
}
