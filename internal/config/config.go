package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/PortNumber53/entitlement-engine/backend/internal/plans"
)

// Config captures runtime configuration values used by the backend service.
type Config struct {
	// ServerAddress is the host:port pair the HTTP server listens on. Defaults to ":18111".
	ServerAddress string

	// DatabaseURL is the Postgres DSN used by database/sql.
	DatabaseURL string

	// RedisURL enables the Redis usage counter store when set. Counters live
	// in Postgres otherwise.
	RedisURL string

	// StripeSecretKey authenticates provider API calls. Provider lookups and
	// checkout are disabled when empty.
	StripeSecretKey string

	// StripeWebhookSecret is the signing secret of the webhook endpoint.
	StripeWebhookSecret string

	// VerifyWebhookSignature turns on Stripe-Signature verification.
	VerifyWebhookSignature bool

	// PriceIDs maps plan codes to provider price ids.
	PriceIDs map[plans.Code]string

	CheckoutSuccessURL string
	CheckoutCancelURL  string
	PortalReturnURL    string

	// TrialPeriodDays is granted on checkout to accounts that never had a trial.
	TrialPeriodDays int64

	// IdentityLookupTimeout bounds each provider round trip made while
	// resolving an event's account.
	IdentityLookupTimeout time.Duration

	// CorrelationWindow is how far a pending intent may be from an event
	// timestamp to count as a window match.
	CorrelationWindow time.Duration

	// QuotaLocation is the timezone that defines a usage day.
	QuotaLocation *time.Location

	// UnlimitedAccounts bypass usage quotas (developer accounts).
	UnlimitedAccounts []string

	// LineChannelAccessToken enables LINE push notifications.
	LineChannelAccessToken string

	DefaultLocale plans.Locale

	LogLevel  string
	LogFormat string
}

const (
	defaultServerAddress         = ":18111"
	defaultTrialPeriodDays       = 3
	defaultIdentityLookupTimeout = 5 * time.Second
	defaultCorrelationWindow     = 5 * time.Minute
	defaultQuotaTimezone         = "Asia/Tokyo"
	defaultLogLevel              = "info"
	defaultLogFormat             = "auto"

	envServerAddress          = "BACKEND_ADDR"
	envDatabaseURL            = "DATABASE_URL"
	envRedisURL               = "REDIS_URL"
	envStripeSecretKey        = "STRIPE_SECRET_KEY"
	envStripeWebhookSecret    = "STRIPE_WEBHOOK_SECRET"
	envStripeWebhookVerify    = "STRIPE_WEBHOOK_VERIFY"
	envMonthlyPriceID         = "STRIPE_MONTHLY_PRICE_ID"
	envQuarterlyPriceID       = "STRIPE_QUARTERLY_PRICE_ID"
	envBiannualPriceID        = "STRIPE_BIANNUAL_PRICE_ID"
	envAnnualPriceID          = "STRIPE_ANNUAL_PRICE_ID"
	envCheckoutSuccessURL     = "CHECKOUT_SUCCESS_URL"
	envCheckoutCancelURL      = "CHECKOUT_CANCEL_URL"
	envPortalReturnURL        = "BILLING_PORTAL_RETURN_URL"
	envPublicBaseURL          = "PUBLIC_BASE_URL"
	envTrialPeriodDays        = "TRIAL_PERIOD_DAYS"
	envIdentityLookupTimeout  = "IDENTITY_LOOKUP_TIMEOUT"
	envCorrelationWindow      = "CORRELATION_WINDOW"
	envQuotaTimezone          = "QUOTA_TIMEZONE"
	envUnlimitedAccounts      = "QUOTA_UNLIMITED_ACCOUNTS"
	envLineChannelAccessToken = "LINE_CHANNEL_ACCESS_TOKEN"
	envDefaultLocale          = "DEFAULT_LOCALE"
	envLogLevel               = "LOG_LEVEL"
	envLogFormat              = "LOG_FORMAT"
)

// Load reads configuration from environment variables, applies defaults, and returns
// a Config structure. Required values return an error when missing.
func Load() (Config, error) {
	baseURL := strings.TrimRight(os.Getenv(envPublicBaseURL), "/")

	cfg := Config{
		ServerAddress:          firstNonEmpty(os.Getenv(envServerAddress), defaultServerAddress),
		DatabaseURL:            os.Getenv(envDatabaseURL),
		RedisURL:               os.Getenv(envRedisURL),
		StripeSecretKey:        os.Getenv(envStripeSecretKey),
		StripeWebhookSecret:    os.Getenv(envStripeWebhookSecret),
		CheckoutSuccessURL:     firstNonEmpty(os.Getenv(envCheckoutSuccessURL), joinURL(baseURL, "/")),
		CheckoutCancelURL:      firstNonEmpty(os.Getenv(envCheckoutCancelURL), joinURL(baseURL, "/trial")),
		PortalReturnURL:        firstNonEmpty(os.Getenv(envPortalReturnURL), joinURL(baseURL, "/")),
		LineChannelAccessToken: os.Getenv(envLineChannelAccessToken),
		DefaultLocale:          plans.ParseLocale(os.Getenv(envDefaultLocale)),
		LogLevel:               firstNonEmpty(os.Getenv(envLogLevel), defaultLogLevel),
		LogFormat:              firstNonEmpty(os.Getenv(envLogFormat), defaultLogFormat),
		UnlimitedAccounts:      splitList(os.Getenv(envUnlimitedAccounts)),
		PriceIDs: map[plans.Code]string{
			plans.Monthly:   os.Getenv(envMonthlyPriceID),
			plans.Quarterly: os.Getenv(envQuarterlyPriceID),
			plans.Biannual:  os.Getenv(envBiannualPriceID),
			plans.Annual:    os.Getenv(envAnnualPriceID),
		},
	}

	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("%s is required", envDatabaseURL)
	}

	var err error
	if cfg.VerifyWebhookSignature, err = parseBool(envStripeWebhookVerify, false); err != nil {
		return Config{}, err
	}
	if cfg.VerifyWebhookSignature && cfg.StripeWebhookSecret == "" {
		return Config{}, fmt.Errorf("%s is required when %s is enabled", envStripeWebhookSecret, envStripeWebhookVerify)
	}
	if cfg.TrialPeriodDays, err = parseInt(envTrialPeriodDays, defaultTrialPeriodDays); err != nil {
		return Config{}, err
	}
	if cfg.IdentityLookupTimeout, err = parseDuration(envIdentityLookupTimeout, defaultIdentityLookupTimeout); err != nil {
		return Config{}, err
	}
	if cfg.CorrelationWindow, err = parseDuration(envCorrelationWindow, defaultCorrelationWindow); err != nil {
		return Config{}, err
	}

	tz := firstNonEmpty(os.Getenv(envQuotaTimezone), defaultQuotaTimezone)
	cfg.QuotaLocation, err = time.LoadLocation(tz)
	if err != nil {
		return Config{}, fmt.Errorf("invalid %s: %w", envQuotaTimezone, err)
	}

	return cfg, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func joinURL(base, path string) string {
	if base == "" {
		return ""
	}
	return base + path
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseBool(key string, def bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

func parseInt(key string, def int64) (int64, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, raw)
	}
	return v, nil
}

func parseDuration(key string, def time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def, nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil || v <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, raw)
	}
	return v, nil
}
