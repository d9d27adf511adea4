package llm

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// 预设角色
const (
	RoleRacer    = "racer"
	RoleFallback = "fallback"
	RoleThinking = "thinking"
)

// ModelSpec 描述一个模型别名：别名 → 实际模型名 + 端点 + 角色标签。
type ModelSpec struct {
	Alias       string `json:"alias" yaml:"alias"`
	Model       string `json:"model" yaml:"model"`
	Role        string `json:"role,omitempty" yaml:"role"`
	BaseURL     string `json:"base_url,omitempty" yaml:"base_url"`
	APIKeyEnv   string `json:"api_key_env,omitempty" yaml:"api_key_env"`
	MaxTokens   int    `json:"max_tokens,omitempty" yaml:"max_tokens"`
	Description string `json:"description,omitempty" yaml:"description"`
}

// ProviderFactory builds the provider that serves a model spec.
type ProviderFactory func(spec ModelSpec) (Provider, error)

// Registry 别名注册表，实现 Caller。
// 未登记的别名走直通模式：别名本身作为模型名，使用默认端点。
type Registry struct {
	specs    []ModelSpec
	byAlias  map[string]ModelSpec
	fallback ModelSpec
	factory  ProviderFactory
	logger   *zap.Logger

	mu        sync.Mutex
	providers map[string]Provider // key: base_url|api_key_env
}

// NewRegistry 创建注册表。defaults 提供直通模式的端点与密钥环境变量。
func NewRegistry(specs []ModelSpec, defaults ModelSpec, factory ProviderFactory, logger *zap.Logger) (*Registry, error) {
	if factory == nil {
		return nil, fmt.Errorf("provider factory is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	r := &Registry{
		byAlias:   make(map[string]ModelSpec, len(specs)),
		fallback:  defaults,
		factory:   factory,
		logger:    logger.With(zap.String("component", "llm_registry")),
		providers: make(map[string]Provider),
	}
	for _, s := range specs {
		if strings.TrimSpace(s.Alias) == "" {
			return nil, fmt.Errorf("model spec without alias (model=%q)", s.Model)
		}
		if _, dup := r.byAlias[s.Alias]; dup {
			return nil, fmt.Errorf("duplicate model alias %q", s.Alias)
		}
		if s.Model == "" {
			s.Model = s.Alias
		}
		if s.BaseURL == "" {
			s.BaseURL = defaults.BaseURL
		}
		if s.APIKeyEnv == "" {
			s.APIKeyEnv = defaults.APIKeyEnv
		}
		r.specs = append(r.specs, s)
		r.byAlias[s.Alias] = s
	}
	return r, nil
}

// Spec 返回别名对应的配置；未登记的别名返回直通配置与 false。
func (r *Registry) Spec(alias string) (ModelSpec, bool) {
	if s, ok := r.byAlias[alias]; ok {
		return s, true
	}
	s := r.fallback
	s.Alias = alias
	s.Model = alias
	s.Role = ""
	return s, false
}

// Aliases 按配置顺序返回所有登记的别名
func (r *Registry) Aliases() []string {
	out := make([]string, 0, len(r.specs))
	for _, s := range r.specs {
		out = append(out, s.Alias)
	}
	return out
}

// ByRole 按配置顺序返回带指定角色标签的别名
func (r *Registry) ByRole(role string) []string {
	var out []string
	for _, s := range r.specs {
		if s.Role == role {
			out = append(out, s.Alias)
		}
	}
	return out
}

// Call 实现 Caller：解析别名、复用 Provider、填充模型名后发起调用。
func (r *Registry) Call(ctx context.Context, alias string, req *ChatRequest) (*ChatResponse, error) {
	spec, _ := r.Spec(alias)
	p, err := r.provider(spec)
	if err != nil {
		return nil, &Error{
			Code:     ErrProviderUnavailable,
			Message:  fmt.Sprintf("no provider for %s", alias),
			Provider: spec.BaseURL,
			Cause:    err,
		}
	}

	call := *req
	call.Model = spec.Model
	if call.MaxTokens == 0 && spec.MaxTokens > 0 {
		call.MaxTokens = spec.MaxTokens
	}
	return p.Completion(ctx, &call)
}

func (r *Registry) provider(spec ModelSpec) (Provider, error) {
	key := spec.BaseURL + "|" + spec.APIKeyEnv

	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.providers[key]; ok {
		return p, nil
	}
	p, err := r.factory(spec)
	if err != nil {
		return nil, err
	}
	r.providers[key] = p
	r.logger.Debug("provider created",
		zap.String("alias", spec.Alias),
		zap.String("provider", p.Name()),
	)
	return p, nil
}
