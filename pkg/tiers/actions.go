package tiers

import (
	"fmt"
	"strings"
)

// Action is a user-triggered operation that may be gated.
type Action string

const (
	ActionDownloadLetter         Action = "download_letter"
	ActionExportAudit            Action = "export_audit"
	ActionAnalyzePDF             Action = "analyze_pdf"
	ActionUseAIChat              Action = "use_ai_chat"
	ActionUseIdentityTheft       Action = "use_identity_theft"
	ActionUseCreditorTemplates   Action = "use_creditor_templates"
	ActionUseEscalationTemplates Action = "use_escalation_templates"
	ActionTrackDisputes          Action = "track_disputes"
)

// QuotaPDFAnalyses is the usage counter consumed by ActionAnalyzePDF.
const QuotaPDFAnalyses = "pdf_analyses"

// ActionRule binds an action to the feature it needs and the restrictions
// that apply to it.
type ActionRule struct {
	Action      Action
	Feature     Feature
	Paid        bool   // blocked while access is revoked
	Freezable   bool   // blocked while access is frozen
	QuotaKey    string // usage counter checked against the feature's quota
	Description string // verb phrase used in upgrade prompts
}

var actionRules = map[Action]ActionRule{
	ActionDownloadLetter: {
		Action:      ActionDownloadLetter,
		Feature:     FeatureDownloadLetters,
		Paid:        true,
		Freezable:   true,
		Description: "download dispute letters",
	},
	ActionExportAudit: {
		Action:      ActionExportAudit,
		Feature:     FeatureExportAudit,
		Paid:        true,
		Freezable:   true,
		Description: "export your dispute audit",
	},
	ActionAnalyzePDF: {
		Action:      ActionAnalyzePDF,
		Feature:     FeaturePDFAnalysis,
		Paid:        true,
		Freezable:   true,
		QuotaKey:    QuotaPDFAnalyses,
		Description: "analyze credit report PDFs",
	},
	ActionUseAIChat: {
		Action:      ActionUseAIChat,
		Feature:     FeatureAIChat,
		Paid:        true,
		Freezable:   true,
		Description: "chat with the AI dispute advisor",
	},
	ActionUseIdentityTheft: {
		Action:      ActionUseIdentityTheft,
		Feature:     FeatureIdentityTheft,
		Paid:        true,
		Description: "use the identity theft workflow",
	},
	ActionUseCreditorTemplates: {
		Action:      ActionUseCreditorTemplates,
		Feature:     FeatureCreditorTemplates,
		Paid:        true,
		Description: "use creditor letter templates",
	},
	ActionUseEscalationTemplates: {
		Action:      ActionUseEscalationTemplates,
		Feature:     FeatureEscalationTemplates,
		Paid:        true,
		Description: "use escalation letter templates",
	},
	ActionTrackDisputes: {
		Action:      ActionTrackDisputes,
		Feature:     FeatureDisputeTracking,
		Description: "track disputes",
	},
}

// Actions returns the full action vocabulary.
func Actions() []Action {
	return []Action{
		ActionDownloadLetter,
		ActionExportAudit,
		ActionAnalyzePDF,
		ActionUseAIChat,
		ActionUseIdentityTheft,
		ActionUseCreditorTemplates,
		ActionUseEscalationTemplates,
		ActionTrackDisputes,
	}
}

// Rule returns the rule for an action. The second value is false for actions
// outside the vocabulary.
func Rule(a Action) (ActionRule, bool) {
	rule, ok := actionRules[a]
	return rule, ok
}

// Valid reports whether a is part of the vocabulary.
func (a Action) Valid() bool {
	_, ok := actionRules[a]
	return ok
}

// ParseAction validates a raw action name.
func ParseAction(raw string) (Action, error) {
	a := Action(strings.ToLower(strings.TrimSpace(raw)))
	if !a.Valid() {
		return "", fmt.Errorf("unknown action %q", raw)
	}
	return a, nil
}
