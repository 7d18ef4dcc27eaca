package notify

import (
	"fmt"
	"time"

	"github.com/PortNumber53/entitlement-engine/backend/internal/plans"
)

var japan = time.FixedZone("JST", 9*60*60)

// Text renders n in its locale.
func Text(n Notification) string {
	label := plans.Label(n.Plan, n.Locale)
	if n.Locale == plans.English {
		return englishText(n, label)
	}

	date := ""
	if n.PeriodEnd != nil {
		date = n.PeriodEnd.In(japan).Format("2006年1月2日")
	}
	switch n.Kind {
	case TrialStarted:
		return fmt.Sprintf("無料トライアルが始まりました。%sまでお試しいただけます。", date)
	case Activated:
		return fmt.Sprintf("%sのご登録ありがとうございます。", label)
	case CancellationScheduled:
		return fmt.Sprintf("解約を受け付けました。%sまでご利用いただけます。", date)
	case Cancelled:
		return "サブスクリプションが終了しました。またのご利用をお待ちしております。"
	case PaymentFailed:
		return "お支払いを確認できなかったため、プランが無料プランに変更されました。"
	case LifetimeGranted:
		return fmt.Sprintf("%sが有効になりました。", label)
	}
	return ""
}

func englishText(n Notification, label string) string {
	date := ""
	if n.PeriodEnd != nil {
		date = n.PeriodEnd.UTC().Format("January 2, 2006")
	}
	switch n.Kind {
	case TrialStarted:
		return fmt.Sprintf("Your free trial has started and runs until %s.", date)
	case Activated:
		return fmt.Sprintf("Thanks for subscribing to the %s.", label)
	case CancellationScheduled:
		return fmt.Sprintf("Your cancellation is confirmed. You keep access until %s.", date)
	case Cancelled:
		return "Your subscription has ended."
	case PaymentFailed:
		return "We could not confirm your payment, so your account is back on the free plan."
	case LifetimeGranted:
		return fmt.Sprintf("%s is now active.", label)
	}
	return ""
}
