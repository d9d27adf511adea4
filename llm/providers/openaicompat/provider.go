// =============================================================================
// RaceFlow OpenAI-Compatible Provider
// =============================================================================
// 所有模型别名都通过 OpenAI 兼容的 /chat/completions 端点访问，
// 本地代理（ai-model-server 等）和 Gemini/GitHub Models 的兼容层都走这一实现。
// =============================================================================

package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/BaSui01/raceflow/internal/tlsutil"
	"github.com/BaSui01/raceflow/llm"
	"github.com/BaSui01/raceflow/llm/providers"
	"go.uber.org/zap"
)

// Config holds the configuration for an OpenAI-compatible endpoint.
type Config struct {
	// ProviderName identifies the endpoint in logs and errors.
	ProviderName string

	// APIKey is sent as a Bearer token. Empty means every call fails with ErrUnauthorized.
	APIKey string

	// BaseURL already includes the version prefix, e.g. "http://localhost:3456/v1".
	BaseURL string

	// EndpointPath defaults to "/chat/completions".
	EndpointPath string

	// Timeout is the HTTP client timeout. Defaults to 10 minutes.
	Timeout time.Duration

	// AllowAnonymous skips the API key check, for local proxies without auth.
	AllowAnonymous bool
}

// Provider implements llm.Provider over HTTP.
type Provider struct {
	Cfg    Config
	Client *http.Client
	Logger *zap.Logger
}

// New creates a provider with defaults applied.
func New(cfg Config, logger *zap.Logger) *Provider {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Minute
	}
	if cfg.EndpointPath == "" {
		cfg.EndpointPath = "/chat/completions"
	}
	if cfg.ProviderName == "" {
		cfg.ProviderName = "openai-compat"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{
		Cfg:    cfg,
		Client: tlsutil.HTTPClient(cfg.Timeout),
		Logger: logger.With(zap.String("provider", cfg.ProviderName)),
	}
}

// Factory 返回供 llm.Registry 使用的工厂：每个 (base_url, api_key_env) 组合一个 Provider，
// 密钥在创建时从环境变量读取。
func Factory(timeout time.Duration, logger *zap.Logger) llm.ProviderFactory {
	return func(spec llm.ModelSpec) (llm.Provider, error) {
		if strings.TrimSpace(spec.BaseURL) == "" {
			return nil, fmt.Errorf("model %q has no base_url", spec.Alias)
		}
		key := ""
		if spec.APIKeyEnv != "" {
			key = os.Getenv(spec.APIKeyEnv)
		}
		return New(Config{
			ProviderName:   hostOf(spec.BaseURL),
			APIKey:         key,
			BaseURL:        spec.BaseURL,
			Timeout:        timeout,
			AllowAnonymous: spec.APIKeyEnv == "",
		}, logger), nil
	}
}

func hostOf(baseURL string) string {
	s := strings.TrimPrefix(strings.TrimPrefix(baseURL, "https://"), "http://")
	if i := strings.IndexByte(s, '/'); i >= 0 {
		s = s[:i]
	}
	return s
}

// Name returns the provider name.
func (p *Provider) Name() string { return p.Cfg.ProviderName }

func (p *Provider) endpoint() string {
	return strings.TrimRight(p.Cfg.BaseURL, "/") + p.Cfg.EndpointPath
}

// Completion performs a non-streaming chat completion.
func (p *Provider) Completion(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	if p.Cfg.APIKey == "" && !p.Cfg.AllowAnonymous {
		return nil, &llm.Error{
			Code:       llm.ErrUnauthorized,
			Message:    "API key not configured",
			HTTPStatus: http.StatusUnauthorized,
			Provider:   p.Name(),
		}
	}
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	body := providers.Request{
		Model:       req.Model,
		Messages:    providers.ConvertMessages(req.Messages),
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint(), bytes.NewReader(payload))
	if err != nil {
		return nil, &llm.Error{Code: llm.ErrInvalidRequest, Message: err.Error(), Provider: p.Name()}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.Cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.Cfg.APIKey)
	}

	start := time.Now()
	resp, err := p.Client.Do(httpReq)
	if err != nil {
		code := llm.ErrUpstreamError
		switch {
		case ctx.Err() == context.DeadlineExceeded:
			code = llm.ErrUpstreamTimeout
		case ctx.Err() == context.Canceled:
			code = llm.ErrCanceled
		}
		return nil, &llm.Error{
			Code: code, Message: err.Error(),
			HTTPStatus: http.StatusBadGateway, Retryable: code != llm.ErrCanceled, Provider: p.Name(), Cause: err,
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg := providers.ReadErrorMessage(resp.Body)
		p.Logger.Debug("completion rejected",
			zap.String("model", req.Model),
			zap.Int("status", resp.StatusCode),
			zap.String("message", msg),
		)
		return nil, providers.MapHTTPError(resp.StatusCode, msg, p.Name())
	}

	var oaResp providers.Response
	if err := json.NewDecoder(resp.Body).Decode(&oaResp); err != nil {
		return nil, &llm.Error{
			Code: llm.ErrUpstreamError, Message: "decode response: " + err.Error(),
			HTTPStatus: http.StatusBadGateway, Retryable: true, Provider: p.Name(), Cause: err,
		}
	}
	if len(oaResp.Choices) == 0 {
		return nil, &llm.Error{
			Code: llm.ErrEmptyResponse, Message: "response has no choices",
			HTTPStatus: resp.StatusCode, Retryable: true, Provider: p.Name(),
		}
	}

	result := providers.ToChatResponse(oaResp, p.Name())
	if result.Model == "" {
		result.Model = req.Model
	}
	if oaResp.Created != 0 {
		result.CreatedAt = time.Unix(oaResp.Created, 0)
	} else {
		result.CreatedAt = time.Now()
	}
	p.Logger.Debug("completion done",
		zap.String("model", result.Model),
		zap.Duration("latency", time.Since(start)),
		zap.Int("total_tokens", result.Usage.TotalTokens),
	)
	return result, nil
}
