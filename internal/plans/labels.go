package plans

// Locale selects a label table.
type Locale string

const (
	Japanese Locale = "ja"
	English  Locale = "en"
)

// DefaultLocale is used for unknown or empty locales.
const DefaultLocale = Japanese

var labels = map[Locale]map[Code]string{
	Japanese: {
		Free:              "無料プラン",
		Monthly:           "月額プラン",
		Quarterly:         "3ヶ月プラン",
		Biannual:          "半年プラン",
		Annual:            "年額プラン",
		Lifetime:          "永久利用プラン",
		Crowdfund1M:       "1ヶ月プラン（クラファン特典）",
		Crowdfund3M:       "3ヶ月プラン（クラファン特典）",
		Crowdfund6M:       "6ヶ月プラン（クラファン特典）",
		CrowdfundLifetime: "永久利用プラン（クラファン特典）",
	},
	English: {
		Free:              "Free plan",
		Monthly:           "Monthly plan",
		Quarterly:         "3-month plan",
		Biannual:          "6-month plan",
		Annual:            "Annual plan",
		Lifetime:          "Lifetime plan",
		Crowdfund1M:       "1-month plan (crowdfunding reward)",
		Crowdfund3M:       "3-month plan (crowdfunding reward)",
		Crowdfund6M:       "6-month plan (crowdfunding reward)",
		CrowdfundLifetime: "Lifetime plan (crowdfunding reward)",
	},
}

var cancelScheduledSuffix = map[Locale]string{
	Japanese: "（解約予定）",
	English:  " (cancellation scheduled)",
}

// ParseLocale returns the matching locale or DefaultLocale.
func ParseLocale(raw string) Locale {
	l := Locale(raw)
	if _, ok := labels[l]; ok {
		return l
	}
	if len(raw) >= 2 {
		if _, ok := labels[Locale(raw[:2])]; ok {
			return Locale(raw[:2])
		}
	}
	return DefaultLocale
}

// Label returns the display label of c in locale l.
func Label(c Code, l Locale) string {
	table, ok := labels[l]
	if !ok {
		table = labels[DefaultLocale]
	}
	if label, ok := table[c]; ok {
		return label
	}
	return table[Free]
}

// CancelScheduledLabel appends the "cancel scheduled" marker to a label.
func CancelScheduledLabel(c Code, l Locale) string {
	suffix, ok := cancelScheduledSuffix[l]
	if !ok {
		suffix = cancelScheduledSuffix[DefaultLocale]
	}
	return Label(c, l) + suffix
}
