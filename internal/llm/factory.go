package llm

import (
	"time"

	"go.uber.org/zap"
)

// FromConfig selects the live gateway when an API key is present and the
// offline gateway otherwise.
func FromConfig(apiKey, model string, maxTokens int, temperature float64, timeout time.Duration, log *zap.Logger) Gateway {
	if apiKey == "" {
		log.Info("no API key configured, using offline gateway")
		return NewOfflineGateway()
	}
	log.Info("using anthropic gateway", zap.String("model", model))
	return NewAnthropicGateway(apiKey, model, maxTokens, temperature, timeout, log)
}
