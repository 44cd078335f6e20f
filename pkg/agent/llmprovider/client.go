// Package llmprovider implements agent.LLMClient against real LLM vendor
// SDKs. It replaces the teacher's gRPC sidecar (a Python process reached over
// google.golang.org/grpc) with in-process clients, dispatching each Generate
// call to the SDK matching the requested provider's config.Type.
//
// Two SDKs are wired: github.com/anthropics/anthropic-sdk-go for the
// anthropic provider type, and github.com/sashabaranov/go-openai for openai
// and xai (xAI's Grok API is OpenAI-compatible; reached via BaseURL
// override). google and vertexai provider types require the google-native
// backend, which this build does not implement — see DESIGN.md.
package llmprovider

import (
	"context"
	"fmt"
	"os"
	"sync"

	sdk "github.com/anthropics/anthropic-sdk-go"
	openai "github.com/sashabaranov/go-openai"

	"github.com/tarsy-sre/tarsy/pkg/agent"
	"github.com/tarsy-sre/tarsy/pkg/config"
)

// Client dispatches Generate calls across vendor SDKs by provider type.
// A single Client instance is shared across all sessions and stages; it
// lazily builds and caches one SDK client per distinct (api key env,
// base URL) pair so concurrent sessions targeting the same provider reuse
// connections.
type Client struct {
	mu               sync.Mutex
	anthropicClients map[string]sdk.Client
	openaiClients    map[string]*openai.Client
}

var _ agent.LLMClient = (*Client)(nil)

// New creates a Client ready to serve Generate calls.
func New() *Client {
	return &Client{
		anthropicClients: make(map[string]sdk.Client),
		openaiClients:    make(map[string]*openai.Client),
	}
}

// Generate dispatches to the SDK matching input.Config.Type.
func (c *Client) Generate(ctx context.Context, input *agent.GenerateInput) (<-chan agent.Chunk, error) {
	if input == nil || input.Config == nil {
		return nil, fmt.Errorf("llmprovider: provider config is required")
	}

	switch input.Config.Type {
	case config.LLMProviderTypeAnthropic:
		return c.generateAnthropic(ctx, input)
	case config.LLMProviderTypeOpenAI, config.LLMProviderTypeXAI:
		return c.generateOpenAI(ctx, input)
	case config.LLMProviderTypeGoogle, config.LLMProviderTypeVertexAI:
		return nil, fmt.Errorf("llmprovider: provider type %q requires the google-native backend, which this build does not implement", input.Config.Type)
	default:
		return nil, fmt.Errorf("llmprovider: unsupported provider type %q", input.Config.Type)
	}
}

// Close is a no-op: the vendor SDKs manage their own HTTP transport
// lifecycles and need no explicit teardown.
func (c *Client) Close() error {
	return nil
}

func resolveAPIKey(cfg *config.LLMProviderConfig) string {
	if cfg.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(cfg.APIKeyEnv)
}

func cacheKey(cfg *config.LLMProviderConfig) string {
	return cfg.APIKeyEnv + "|" + cfg.BaseURL
}

func missingAPIKeyErr(cfg *config.LLMProviderConfig) error {
	if cfg.APIKeyEnv == "" {
		return fmt.Errorf("llmprovider: %s provider has no api_key_env configured", cfg.Type)
	}
	return fmt.Errorf("llmprovider: environment variable %s is not set for %s provider", cfg.APIKeyEnv, cfg.Type)
}
