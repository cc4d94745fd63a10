package llm

import (
	"context"
	"os"
	"time"

	"github.com/hazyhaar/moraltorture/internal/config"
)

// NewFromConfig builds the fallback client from the application config.
// The API key is looked up lazily: config value, then $API_KEY, then the
// configured secret file.
func NewFromConfig(cfg config.LLMConfig, observers ...Observer) *Client {
	var sources []CredentialSource
	if cfg.APIKey != "" {
		key := cfg.APIKey
		sources = append(sources, func(_ context.Context) (string, error) { return key, nil })
	}
	sources = append(sources, EnvSource("API_KEY"))
	if cfg.APIKeyFile != "" {
		sources = append(sources, FileSource(os.ExpandEnv(cfg.APIKeyFile)))
	}

	return New(Config{
		Endpoint:   cfg.BaseURL,
		Models:     cfg.Models,
		Timeout:    time.Duration(cfg.TimeoutSec) * time.Second,
		Credential: NewCredential(FirstOf(sources...)),
		Observers:  observers,
	})
}
