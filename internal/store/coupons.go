package store

import (
	"context"
	"fmt"

	"github.com/PortNumber53/entitlement-engine/backend/internal/billing"
	"github.com/PortNumber53/entitlement-engine/backend/internal/models"
)

// redeemCoupon claims a single-use code.
func redeemCoupon(ctx context.Context, q queryer, r models.CouponRedemption) error {
	res, err := q.ExecContext(ctx, `
INSERT INTO coupon_redemptions (code, coupon_type, account_id, redeemed_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (code) DO NOTHING`,
		r.Code, r.CouponType, r.AccountID, r.RedeemedAt,
	)
	if err != nil {
		return classify("redeem coupon", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("store: coupon %s: %w", r.Code, billing.ErrCouponAlreadyUsed)
	}
	return nil
}
