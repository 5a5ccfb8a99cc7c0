package tiers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Feature is a gated capability. The string values are the keys used by the
// entitlement endpoint's features map.
type Feature string

const (
	FeatureDownloadLetters     Feature = "download_letters"
	FeatureExportAudit         Feature = "export_audit"
	FeaturePDFAnalysis         Feature = "pdf_analysis"
	FeatureAIChat              Feature = "ai_chat"
	FeatureIdentityTheft       Feature = "identity_theft"
	FeatureCreditorTemplates   Feature = "creditor_templates"
	FeatureEscalationTemplates Feature = "escalation_templates"
	FeatureDisputeTracking     Feature = "dispute_tracking"
)

// Features returns the full feature vocabulary in display order.
func Features() []Feature {
	return []Feature{
		FeatureDownloadLetters,
		FeatureExportAudit,
		FeaturePDFAnalysis,
		FeatureAIChat,
		FeatureIdentityTheft,
		FeatureCreditorTemplates,
		FeatureEscalationTemplates,
		FeatureDisputeTracking,
	}
}

// Valid reports whether f is part of the vocabulary.
func (f Feature) Valid() bool {
	switch f {
	case FeatureDownloadLetters, FeatureExportAudit, FeaturePDFAnalysis, FeatureAIChat,
		FeatureIdentityTheft, FeatureCreditorTemplates, FeatureEscalationTemplates, FeatureDisputeTracking:
		return true
	default:
		return false
	}
}

// DisplayName returns a human-readable name for a feature.
func (f Feature) DisplayName() string {
	switch f {
	case FeatureDownloadLetters:
		return "Letter Downloads"
	case FeatureExportAudit:
		return "Audit Export"
	case FeaturePDFAnalysis:
		return "Credit Report Analysis"
	case FeatureAIChat:
		return "AI Dispute Advisor"
	case FeatureIdentityTheft:
		return "Identity Theft Workflow"
	case FeatureCreditorTemplates:
		return "Creditor Letter Templates"
	case FeatureEscalationTemplates:
		return "Escalation Letter Templates"
	case FeatureDisputeTracking:
		return "Dispute Tracking"
	default:
		return string(f)
	}
}

// Quota is a usage allowance. Unlimited is encoded as -1 in memory and as
// the string "unlimited" on the wire.
type Quota int64

// Unlimited marks a quota with no ceiling.
const Unlimited Quota = -1

const unlimitedToken = "unlimited"

// IsUnlimited reports whether the quota has no ceiling.
func (q Quota) IsUnlimited() bool {
	return q < 0
}

// Allows reports whether another unit may be consumed after used units.
func (q Quota) Allows(used int64) bool {
	if q.IsUnlimited() {
		return true
	}
	return used < int64(q)
}

func (q Quota) String() string {
	if q.IsUnlimited() {
		return unlimitedToken
	}
	return strconv.FormatInt(int64(q), 10)
}

// MarshalJSON encodes Unlimited as "unlimited" and everything else as a number.
func (q Quota) MarshalJSON() ([]byte, error) {
	if q.IsUnlimited() {
		return []byte(`"` + unlimitedToken + `"`), nil
	}
	return []byte(strconv.FormatInt(int64(q), 10)), nil
}

// UnmarshalJSON accepts a number, a numeric string, "unlimited", or a boolean
// (true → Unlimited, false → 0) for older payloads.
func (q *Quota) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*q = 0
		return nil
	}
	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		s = strings.ToLower(strings.TrimSpace(s))
		if s == unlimitedToken || s == "infinity" {
			*q = Unlimited
			return nil
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid quota %q", s)
		}
		*q = normalizeQuota(n)
		return nil
	case 't':
		*q = Unlimited
		return nil
	case 'f':
		*q = 0
		return nil
	default:
		var n float64
		if err := json.Unmarshal(data, &n); err != nil {
			return fmt.Errorf("invalid quota: %w", err)
		}
		switch {
		case n < 0:
			*q = Unlimited
			return nil
		case n >= math.MaxInt64:
			return fmt.Errorf("quota %s out of range", data)
		}
		*q = normalizeQuota(int64(n))
		return nil
	}
}

func normalizeQuota(n int64) Quota {
	if n < 0 {
		return Unlimited
	}
	return Quota(n)
}

// FeatureSet is the effective value of every feature for one tier.
type FeatureSet struct {
	DownloadLetters     bool
	ExportAudit         bool
	PDFAnalyses         Quota
	AIChat              bool
	IdentityTheft       bool
	CreditorTemplates   bool
	EscalationTemplates bool
	DisputeTracking     bool
}

// Has reports whether the feature is on. A quota-bound feature is on when it
// has any allowance at all; exhaustion is checked separately.
func (fs FeatureSet) Has(f Feature) bool {
	switch f {
	case FeatureDownloadLetters:
		return fs.DownloadLetters
	case FeatureExportAudit:
		return fs.ExportAudit
	case FeaturePDFAnalysis:
		return fs.PDFAnalyses != 0
	case FeatureAIChat:
		return fs.AIChat
	case FeatureIdentityTheft:
		return fs.IdentityTheft
	case FeatureCreditorTemplates:
		return fs.CreditorTemplates
	case FeatureEscalationTemplates:
		return fs.EscalationTemplates
	case FeatureDisputeTracking:
		return fs.DisputeTracking
	default:
		return false
	}
}

// Limit returns the quota for a quota-bound feature. On/off features report
// Unlimited when on and 0 when off.
func (fs FeatureSet) Limit(f Feature) Quota {
	if f == FeaturePDFAnalysis {
		return fs.PDFAnalyses
	}
	if fs.Has(f) {
		return Unlimited
	}
	return 0
}

// IsZero reports whether no feature is set.
func (fs FeatureSet) IsZero() bool {
	return fs == FeatureSet{}
}

// All returns a feature set with every feature on and no quota ceilings.
func All() FeatureSet {
	return FeatureSet{
		DownloadLetters:     true,
		ExportAudit:         true,
		PDFAnalyses:         Unlimited,
		AIChat:              true,
		IdentityTheft:       true,
		CreditorTemplates:   true,
		EscalationTemplates: true,
		DisputeTracking:     true,
	}
}

type featureSetWire struct {
	DownloadLetters     bool  `json:"download_letters"`
	ExportAudit         bool  `json:"export_audit"`
	PDFAnalyses         Quota `json:"pdf_analysis"`
	AIChat              bool  `json:"ai_chat"`
	IdentityTheft       bool  `json:"identity_theft"`
	CreditorTemplates   bool  `json:"creditor_templates"`
	EscalationTemplates bool  `json:"escalation_templates"`
	DisputeTracking     bool  `json:"dispute_tracking"`
}

// MarshalJSON encodes the set as the server's feature-name map.
func (fs FeatureSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(featureSetWire(fs))
}

// UnmarshalJSON decodes the server's feature-name map. Unknown keys are ignored.
func (fs *FeatureSet) UnmarshalJSON(data []byte) error {
	var wire featureSetWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	*fs = FeatureSet(wire)
	return nil
}
