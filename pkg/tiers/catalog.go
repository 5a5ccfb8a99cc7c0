package tiers

// Definition describes one tier in the catalog.
type Definition struct {
	Tier       Tier
	Name       string
	Level      int
	Features   FeatureSet
	PriceCents int64 // one-time price; 0 for free
}

// freeFeatures are available to every signed-in or anonymous user.
var freeFeatures = FeatureSet{
	DisputeTracking: true,
}

// toolkitFeatures adds letter downloads and creditor templates on top of free.
var toolkitFeatures = withFeatures(freeFeatures, func(fs *FeatureSet) {
	fs.DownloadLetters = true
	fs.ExportAudit = true
	fs.CreditorTemplates = true
	fs.PDFAnalyses = 3
})

// advancedFeatures adds escalation letters and the AI advisor on top of toolkit.
var advancedFeatures = withFeatures(toolkitFeatures, func(fs *FeatureSet) {
	fs.EscalationTemplates = true
	fs.AIChat = true
	fs.PDFAnalyses = 10
})

// identityTheftFeatures adds the identity-theft workflow and lifts the analysis cap.
var identityTheftFeatures = withFeatures(advancedFeatures, func(fs *FeatureSet) {
	fs.IdentityTheft = true
	fs.PDFAnalyses = Unlimited
})

func withFeatures(base FeatureSet, apply func(*FeatureSet)) FeatureSet {
	out := base
	apply(&out)
	return out
}

var catalog = map[Tier]Definition{
	TierFree: {
		Tier:     TierFree,
		Name:     TierFree.DisplayName(),
		Level:    TierFree.Level(),
		Features: freeFeatures,
	},
	TierToolkit: {
		Tier:       TierToolkit,
		Name:       TierToolkit.DisplayName(),
		Level:      TierToolkit.Level(),
		Features:   toolkitFeatures,
		PriceCents: 3900,
	},
	TierAdvanced: {
		Tier:       TierAdvanced,
		Name:       TierAdvanced.DisplayName(),
		Level:      TierAdvanced.Level(),
		Features:   advancedFeatures,
		PriceCents: 7900,
	},
	TierIdentityTheft: {
		Tier:       TierIdentityTheft,
		Name:       TierIdentityTheft.DisplayName(),
		Level:      TierIdentityTheft.Level(),
		Features:   identityTheftFeatures,
		PriceCents: 12900,
	},
}

// Lookup returns the catalog definition for t. Unknown tiers resolve to free.
func Lookup(t Tier) Definition {
	if def, ok := catalog[t]; ok {
		return def
	}
	return catalog[TierFree]
}

// FeaturesFor returns the catalog feature set for t.
func FeaturesFor(t Tier) FeatureSet {
	return Lookup(t).Features
}

// TierHasFeature checks if a tier includes a specific feature.
func TierHasFeature(t Tier, f Feature) bool {
	return FeaturesFor(t).Has(f)
}

// MinTierFor returns the lowest tier that includes the feature. The second
// return value is false when no tier grants it.
func MinTierFor(f Feature) (Tier, bool) {
	for _, t := range orderedTiers {
		if TierHasFeature(t, f) {
			return t, true
		}
	}
	return TierFree, false
}

// DefaultUpgradeURL is used when no feature-specific pricing anchor exists.
const DefaultUpgradeURL = "https://disputekit.app/pricing?utm_source=app&utm_medium=gate&utm_campaign=upgrade"

// UpgradeURL returns the pricing link for a gated feature.
func UpgradeURL(f Feature) string {
	if !f.Valid() {
		return DefaultUpgradeURL
	}
	return DefaultUpgradeURL + "&feature=" + string(f)
}
