package bootstrap

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"

	appconfig "github.com/wolfman30/wa-lead-router/internal/config"
	"github.com/wolfman30/wa-lead-router/internal/llm"
	"github.com/wolfman30/wa-lead-router/internal/qualification"
	"github.com/wolfman30/wa-lead-router/pkg/logging"
)

// Qualification providers accepted in QUALIFICATION_PROVIDER.
const (
	ProviderHeuristic = "heuristic"
	ProviderBedrock   = "bedrock"
	ProviderGemini    = "gemini"
	ProviderOpenAI    = "openai"
)

// BuildLLMClient wires the model behind qualification. It returns nil when
// the heuristic provider is selected. An OpenAI key alongside another
// provider becomes its fallback.
func BuildLLMClient(ctx context.Context, cfg *appconfig.Config, awsCfg aws.Config, logger *logging.Logger) (llm.Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("bootstrap: config is required")
	}
	logger = logging.OrDefault(logger)
	provider := strings.ToLower(strings.TrimSpace(cfg.QualificationProvider))

	var primary llm.Client
	switch provider {
	case "", ProviderHeuristic:
		return nil, nil
	case ProviderBedrock:
		model := strings.TrimSpace(cfg.BedrockModelID)
		if model == "" {
			return nil, fmt.Errorf("bootstrap: %w: BEDROCK_MODEL_ID", appconfig.ErrMissingSetting)
		}
		primary = llm.NewBedrockClient(bedrockruntime.NewFromConfig(awsCfg), model)
	case ProviderGemini:
		if strings.TrimSpace(cfg.GeminiAPIKey) == "" {
			return nil, fmt.Errorf("bootstrap: %w: GEMINI_API_KEY", appconfig.ErrMissingSetting)
		}
		client, err := llm.NewGeminiClient(ctx, cfg.GeminiAPIKey, cfg.QualificationModel)
		if err != nil {
			return nil, fmt.Errorf("bootstrap: gemini: %w", err)
		}
		primary = client
	case ProviderOpenAI:
		client, err := llm.NewOpenAIClient(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.QualificationModel)
		if err != nil {
			return nil, fmt.Errorf("bootstrap: openai: %w", err)
		}
		logger.Info("qualification model enabled", "provider", provider)
		return client, nil
	default:
		return nil, fmt.Errorf("bootstrap: unknown qualification provider %q", provider)
	}

	if strings.TrimSpace(cfg.OpenAIAPIKey) != "" {
		fallback, err := llm.NewOpenAIClient(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, "")
		if err != nil {
			logger.Warn("openai fallback disabled", "error", err)
		} else {
			logger.Info("qualification model enabled", "provider", provider, "fallback", ProviderOpenAI)
			return llm.NewFallbackClient(primary, fallback, logger), nil
		}
	}
	logger.Info("qualification model enabled", "provider", provider)
	return primary, nil
}

// BuildEvaluator returns the heuristic evaluator, wrapped by the model one
// when a client is configured.
func BuildEvaluator(cfg *appconfig.Config, client llm.Client, logger *logging.Logger) qualification.Evaluator {
	vocab := qualification.DefaultVocabulary()
	if cfg != nil {
		if len(cfg.QualificationKeywords) > 0 {
			vocab.Keywords = cfg.QualificationKeywords
		}
		if cfg.QualificationStrongMin > 0 {
			vocab.StrongMinExchanges = cfg.QualificationStrongMin
		}
		if cfg.QualificationWeakMin > 0 {
			vocab.WeakMinExchanges = cfg.QualificationWeakMin
		}
	}
	heuristic := qualification.NewHeuristicEvaluator(vocab)
	if client == nil {
		return heuristic
	}
	model, maxTokens := "", 0
	if cfg != nil {
		model, maxTokens = cfg.QualificationModel, cfg.QualificationLLMMaxTokens
	}
	return qualification.NewLLMEvaluator(client, heuristic, model, maxTokens, logger)
}
