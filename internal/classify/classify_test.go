package classify

import (
	"context"
	"log/slog"
	"testing"

	"mailplane/internal/config"
	"mailplane/internal/domain"
)

func TestRulesKeywordMatching(t *testing.T) {
	cases := []struct {
		subject    string
		body       string
		intent     string
		confidence float64
		risk       string
	}{
		{"Please opret kunde", "Firmanavn: Acme ApS", "create customer", 0.93, domain.RiskLow},
		{"New customer request", "details attached", "create customer", 0.93, domain.RiskLow},
		{"Missing invoice", "where is it?", "invoice follow-up", 0.88, domain.RiskMedium},
		{"Faktura 1042", "rykker", "invoice follow-up", 0.88, domain.RiskMedium},
		{"Cleanup", "please delete the old project", "dangerous change", 0.81, domain.RiskHigh},
		{"Oprydning", "slet kunden", "dangerous change", 0.81, domain.RiskHigh},
		{"Hello", "just saying hi", "needs triage", 0.55, domain.RiskLow},
	}
	for _, tc := range cases {
		got := Rules(tc.subject, tc.body)
		if got.Intent != tc.intent {
			t.Fatalf("%q/%q: intent %q, want %q", tc.subject, tc.body, got.Intent, tc.intent)
		}
		if got.Confidence != tc.confidence {
			t.Fatalf("%q: confidence %v, want %v", tc.subject, got.Confidence, tc.confidence)
		}
		if got.Risk != tc.risk {
			t.Fatalf("%q: risk %q, want %q", tc.subject, got.Risk, tc.risk)
		}
		if got.Why == "" {
			t.Fatalf("%q: empty rationale", tc.subject)
		}
	}
}

func TestRulesDeterministic(t *testing.T) {
	first := Rules("Faktura overdue", "see attachment")
	for i := 0; i < 5; i++ {
		if got := Rules("Faktura overdue", "see attachment"); got != first {
			t.Fatalf("run %d differs: %+v vs %+v", i, got, first)
		}
	}
}

func TestRulesFirstMatchWins(t *testing.T) {
	// customer onboarding keywords take precedence over invoice ones
	got := Rules("opret kunde", "og send faktura")
	if got.Intent != "create customer" {
		t.Fatalf("intent %q, want create customer", got.Intent)
	}
}

func TestParseResponse(t *testing.T) {
	got, err := parseResponse(`{"intent":"create customer","why":"onboarding","confidence":0.9,"risk":"low"}`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got.Intent != "create customer" || got.Confidence != 0.9 || got.Risk != domain.RiskLow {
		t.Fatalf("unexpected result: %+v", got)
	}
}

func TestParseResponseStripsFences(t *testing.T) {
	response := "```json\n{\"intent\":\"invoice follow-up\",\"why\":\"x\",\"confidence\":0.7,\"risk\":\"medium\"}\n```"
	got, err := parseResponse(response)
	if err != nil {
		t.Fatalf("parse fenced: %v", err)
	}
	if got.Intent != "invoice follow-up" || got.Risk != domain.RiskMedium {
		t.Fatalf("unexpected result: %+v", got)
	}
}

func TestParseResponseClampsConfidence(t *testing.T) {
	got, err := parseResponse(`{"intent":"x","confidence":1.4,"risk":"high"}`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got.Confidence != 1 {
		t.Fatalf("confidence %v, want clamped to 1", got.Confidence)
	}
	got, err = parseResponse(`{"intent":"x","confidence":-0.2,"risk":"high"}`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got.Confidence != 0 {
		t.Fatalf("confidence %v, want clamped to 0", got.Confidence)
	}
}

func TestParseResponseRejectsGarbage(t *testing.T) {
	if _, err := parseResponse("sorry, I cannot help with that"); err == nil {
		t.Fatalf("expected error for non-JSON response")
	}
	if _, err := parseResponse(`{"why":"no intent","confidence":0.5}`); err == nil {
		t.Fatalf("expected error for missing intent")
	}
}

func TestNormalizeRiskUnknownFallsToLow(t *testing.T) {
	for _, risk := range []string{"", "critical", "LOW ", "unknown"} {
		if got := normalizeRisk(risk); got != domain.RiskLow {
			t.Fatalf("risk %q normalized to %q, want low", risk, got)
		}
	}
	if got := normalizeRisk(" High "); got != domain.RiskHigh {
		t.Fatalf("risk High normalized to %q", got)
	}
}

func TestNewWithoutProviderUsesRules(t *testing.T) {
	c, err := New(config.ClassifierConfig{}, slog.Default())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	got := c.Classify(context.Background(), "faktura", "")
	if got.Intent != "invoice follow-up" {
		t.Fatalf("intent %q, want invoice follow-up", got.Intent)
	}
}

func TestNewRejectsUnknownProvider(t *testing.T) {
	if _, err := New(config.ClassifierConfig{Provider: "bedrock"}, nil); err == nil {
		t.Fatalf("expected error for unsupported provider")
	}
}
