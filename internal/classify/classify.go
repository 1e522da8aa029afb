// Package classify maps inbound email text to an intent, confidence and
// risk bucket. Classification can be delegated to an LLM through
// langchaingo; any failure there falls back to deterministic keyword
// rules, so Classify always yields a result.
package classify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"

	"mailplane/internal/config"
	"mailplane/internal/domain"
)

const defaultTimeout = 10 * time.Second

const instruction = `Classify the following email for a small-business automation backend.
Respond with a single strict JSON object and nothing else, with keys:
"intent" (short action name), "why" (one-line rationale),
"confidence" (number between 0 and 1), "risk" ("low", "medium" or "high").

Subject: %s
Body: %s`

type Classification struct {
	Intent     string
	Why        string
	Confidence float64
	Risk       string
}

// Classifier holds an optional LLM delegate. A nil model means local
// rules only.
type Classifier struct {
	model   llms.Model
	timeout time.Duration
	logger  *slog.Logger
}

// New builds a classifier from config. Provider "none" or a missing
// credential yields a rules-only classifier, not an error.
func New(cfg config.ClassifierConfig, logger *slog.Logger) (*Classifier, error) {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := defaultTimeout
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	c := &Classifier{timeout: timeout, logger: logger}

	switch cfg.Provider {
	case "", config.ProviderNone:
		return c, nil

	case config.ProviderOpenAI:
		key := cfg.APIKey()
		if key == "" {
			logger.Info("classifier: no API key configured, using local rules")
			return c, nil
		}
		opts := []openai.Option{openai.WithToken(key), openai.WithModel(cfg.Model)}
		if cfg.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
		}
		model, err := openai.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("create openai model: %w", err)
		}
		c.model = model

	case config.ProviderOllama:
		opts := []ollama.Option{ollama.WithModel(cfg.Model)}
		if cfg.BaseURL != "" {
			opts = append(opts, ollama.WithServerURL(cfg.BaseURL))
		}
		model, err := ollama.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("create ollama model: %w", err)
		}
		c.model = model

	case config.ProviderAnthropic:
		key := cfg.APIKey()
		if key == "" {
			logger.Info("classifier: no API key configured, using local rules")
			return c, nil
		}
		model, err := anthropic.New(anthropic.WithToken(key), anthropic.WithModel(cfg.Model))
		if err != nil {
			return nil, fmt.Errorf("create anthropic model: %w", err)
		}
		c.model = model

	default:
		return nil, fmt.Errorf("unsupported classifier provider: %s", cfg.Provider)
	}
	return c, nil
}

// Classify returns the intent, rationale, confidence and risk for an
// email. It never fails: delegate errors degrade to the local rules.
func (c *Classifier) Classify(ctx context.Context, subject, body string) Classification {
	if c.model != nil {
		if result, err := c.delegate(ctx, subject, body); err == nil {
			return result
		} else {
			c.logger.Warn("classifier delegate failed, falling back to rules", "error", err)
		}
	}
	return Rules(subject, body)
}

func (c *Classifier) delegate(ctx context.Context, subject, body string) (Classification, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	prompt := fmt.Sprintf(instruction, subject, body)
	response, err := llms.GenerateFromSinglePrompt(ctx, c.model, prompt, llms.WithTemperature(0))
	if err != nil {
		return Classification{}, fmt.Errorf("generate: %w", err)
	}
	return parseResponse(response)
}

func parseResponse(response string) (Classification, error) {
	var decoded struct {
		Intent     string  `json:"intent"`
		Why        string  `json:"why"`
		Confidence float64 `json:"confidence"`
		Risk       string  `json:"risk"`
	}
	if err := json.Unmarshal([]byte(stripFences(response)), &decoded); err != nil {
		return Classification{}, fmt.Errorf("malformed classification json: %w", err)
	}
	if decoded.Intent == "" {
		return Classification{}, fmt.Errorf("classification missing intent")
	}
	return Classification{
		Intent:     decoded.Intent,
		Why:        decoded.Why,
		Confidence: clamp(decoded.Confidence),
		Risk:       normalizeRisk(decoded.Risk),
	}, nil
}

// stripFences removes a markdown code fence some models wrap JSON in.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	return strings.TrimSpace(s)
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func normalizeRisk(risk string) string {
	switch strings.ToLower(strings.TrimSpace(risk)) {
	case domain.RiskMedium:
		return domain.RiskMedium
	case domain.RiskHigh:
		return domain.RiskHigh
	default:
		return domain.RiskLow
	}
}

// Rules is the deterministic keyword classifier. First match wins.
func Rules(subject, body string) Classification {
	text := strings.ToLower(subject + " " + body)
	switch {
	case strings.Contains(text, "opret kunde") || strings.Contains(text, "new customer"):
		return Classification{Intent: "create customer", Why: "Detected customer onboarding keywords", Confidence: 0.93, Risk: domain.RiskLow}
	case strings.Contains(text, "invoice") || strings.Contains(text, "faktura"):
		return Classification{Intent: "invoice follow-up", Why: "Detected invoicing workflow", Confidence: 0.88, Risk: domain.RiskMedium}
	case strings.Contains(text, "delete") || strings.Contains(text, "slet"):
		return Classification{Intent: "dangerous change", Why: "Detected destructive intent", Confidence: 0.81, Risk: domain.RiskHigh}
	default:
		return Classification{Intent: "needs triage", Why: "No strong intent; route to inbox", Confidence: 0.55, Risk: domain.RiskLow}
	}
}
