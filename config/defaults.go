// =============================================================================
// 📦 raceflow 默认配置
// =============================================================================
// 提供所有配置项的合理默认值
// =============================================================================
package config

import (
	"time"

	"github.com/BaSui01/raceflow/llm"
)

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Provider:  DefaultProviderConfig(),
		Models:    DefaultModels(),
		Race:      DefaultRaceConfig(),
		Gateway:   DefaultGatewayConfig(),
		Cache:     DefaultCacheConfig(),
		Ledger:    DefaultLedgerConfig(),
		Log:       DefaultLogConfig(),
		Telemetry: DefaultTelemetryConfig(),
		Metrics:   DefaultMetricsConfig(),
	}
}

// DefaultProviderConfig 返回默认端点配置
func DefaultProviderConfig() ProviderConfig {
	return ProviderConfig{
		BaseURL:   "http://hw.yunwu.ai:3000/v1",
		APIKeyEnv: "YUNWU_API_KEY",
		Timeout:   10 * time.Minute,
	}
}

// DefaultModels 预设模型表
func DefaultModels() []llm.ModelSpec {
	return []llm.ModelSpec{
		{Alias: "claude-opus", Model: "claude-opus-4-6", Role: llm.RoleRacer, Description: "Claude Opus, strongest general racer"},
		{Alias: "gpt52", Model: "gpt-5.2", Role: llm.RoleRacer, Description: "GPT-5.2"},
		{Alias: "gemini-racer", Model: "gemini-3-pro-preview", Role: llm.RoleRacer, Description: "Gemini 3 Pro"},
		{Alias: "claude-thinking", Model: "claude-opus-4-6-thinking", Role: llm.RoleThinking, Description: "Extended thinking, default judge and adversary"},
		{Alias: "gpt51", Model: "gpt-5.1", Description: "GPT-5.1"},
		{Alias: "gemini", Model: "gemini-2.5-pro", Role: llm.RoleFallback, Description: "Fallback"},
		{Alias: "github-gpt4o", Model: "gpt-4o", Role: llm.RoleFallback, Description: "Fallback"},
	}
}

// DefaultRaceConfig 返回默认运行配置
func DefaultRaceConfig() RaceConfig {
	return RaceConfig{
		Judge:                 "claude-thinking",
		Adversary:             "claude-thinking",
		MaxRounds:             3,
		Convergence:           true,
		ConvergenceThreshold:  0.05,
		HighVarianceThreshold: 15,
		MaxTokens:             8000,
		ScoreMaxTokens:        2000,
		OutputDir:             "race_output",
		CommandTimeout:        180 * time.Second,
	}
}

// DefaultGatewayConfig 返回默认门面配置
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		CallTimeout:  10 * time.Minute,
		ProbeTimeout: 15 * time.Second,
		MaxRetries:   2,
		RetryDelay:   2 * time.Second,
	}
}

// DefaultCacheConfig 返回默认缓存配置（默认关闭）
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		Enabled:      false,
		Addr:         "",
		DB:           0,
		LocalMaxSize: 256,
		LocalTTL:     10 * time.Minute,
		RedisTTL:     24 * time.Hour,
	}
}

// DefaultLedgerConfig 返回默认运行记录配置
func DefaultLedgerConfig() LedgerConfig {
	return LedgerConfig{
		Enabled:         false,
		Driver:          "sqlite",
		DSN:             "raceflow.db",
		MaxOpenConns:    5,
		MaxIdleConns:    2,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "console",
		OutputPaths:      []string{"stderr"},
		EnableCaller:     false,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		Insecure:     true,
		ServiceName:  "raceflow",
		SampleRate:   1.0,
	}
}

// DefaultMetricsConfig 返回默认指标配置
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Enabled:   true,
		Namespace: "raceflow",
	}
}
