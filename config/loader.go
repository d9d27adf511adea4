// =============================================================================
// 📦 raceflow 配置加载器
// =============================================================================
// 统一配置加载，支持 YAML 文件 + 环境变量覆盖
//
// 使用方法:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("raceflow.yaml").
//	    WithEnvPrefix("RACEFLOW").
//	    Load()
//
// 配置优先级: 默认值 → YAML 文件 → 环境变量
// =============================================================================
package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/BaSui01/raceflow/llm"
	"gopkg.in/yaml.v3"
)

// =============================================================================
// 🎯 核心配置结构
// =============================================================================

// Config 是 raceflow 的完整配置结构
type Config struct {
	// Provider 默认端点（未单独配置 base_url 的模型与直通别名使用）
	Provider ProviderConfig `yaml:"provider" env:"PROVIDER"`

	// Models 模型别名表，按配置顺序
	Models []llm.ModelSpec `yaml:"models" env:"-"`

	// Race 运行默认值
	Race RaceConfig `yaml:"race" env:"RACE"`

	// Gateway 模型调用门面
	Gateway GatewayConfig `yaml:"gateway" env:"GATEWAY"`

	// Cache 回复缓存
	Cache CacheConfig `yaml:"cache" env:"CACHE"`

	// Ledger 运行记录
	Ledger LedgerConfig `yaml:"ledger" env:"LEDGER"`

	// Log 日志配置
	Log LogConfig `yaml:"log" env:"LOG"`

	// Telemetry 遥测配置
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`

	// Metrics Prometheus 指标
	Metrics MetricsConfig `yaml:"metrics" env:"METRICS"`
}

// ProviderConfig OpenAI 兼容端点
type ProviderConfig struct {
	// 基础 URL（包含 /v1）
	BaseURL string `yaml:"base_url" env:"BASE_URL"`
	// 存放 API Key 的环境变量名
	APIKeyEnv string `yaml:"api_key_env" env:"API_KEY_ENV"`
	// HTTP 客户端超时
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

// RaceConfig 运行默认值，命令行参数可覆盖
type RaceConfig struct {
	// 参赛模型；为空时取 role=racer 的模型
	Racers    []string `yaml:"racers" env:"RACERS"`
	Judge     string   `yaml:"judge" env:"JUDGE"`
	Adversary string   `yaml:"adversary" env:"ADVERSARY"`

	MaxRounds             int     `yaml:"max_rounds" env:"MAX_ROUNDS"`
	Convergence           bool    `yaml:"convergence" env:"CONVERGENCE"`
	ConvergenceThreshold  float64 `yaml:"convergence_threshold" env:"CONVERGENCE_THRESHOLD"`
	HighVarianceThreshold float64 `yaml:"high_variance_threshold" env:"HIGH_VARIANCE_THRESHOLD"`
	MaxTokens             int     `yaml:"max_tokens" env:"MAX_TOKENS"`
	ScoreMaxTokens        int     `yaml:"score_max_tokens" env:"SCORE_MAX_TOKENS"`

	// 输出根目录，每次运行在其下创建子目录
	OutputDir      string        `yaml:"output_dir" env:"OUTPUT_DIR"`
	CommandTimeout time.Duration `yaml:"command_timeout" env:"COMMAND_TIMEOUT"`
	// 模板覆盖目录（可选）
	TemplatesDir string `yaml:"templates_dir" env:"TEMPLATES_DIR"`
	SystemPrompt string `yaml:"system_prompt" env:"SYSTEM_PROMPT"`
}

// GatewayConfig 调用门面配置
type GatewayConfig struct {
	CallTimeout  time.Duration `yaml:"call_timeout" env:"CALL_TIMEOUT"`
	ProbeTimeout time.Duration `yaml:"probe_timeout" env:"PROBE_TIMEOUT"`
	// 每个别名每分钟请求数，0 不限
	RequestsPerMinute int `yaml:"requests_per_minute" env:"REQUESTS_PER_MINUTE"`
	// 瞬时错误在 fallback 前的重试次数与首次延迟
	MaxRetries int           `yaml:"max_retries" env:"MAX_RETRIES"`
	RetryDelay time.Duration `yaml:"retry_delay" env:"RETRY_DELAY"`
}

// CacheConfig 回复缓存；Addr 为空时只用进程内 LRU
type CacheConfig struct {
	Enabled      bool          `yaml:"enabled" env:"ENABLED"`
	Addr         string        `yaml:"addr" env:"ADDR"`
	Password     string        `yaml:"password" env:"PASSWORD"`
	DB           int           `yaml:"db" env:"DB"`
	LocalMaxSize int           `yaml:"local_max_size" env:"LOCAL_MAX_SIZE"`
	LocalTTL     time.Duration `yaml:"local_ttl" env:"LOCAL_TTL"`
	RedisTTL     time.Duration `yaml:"redis_ttl" env:"REDIS_TTL"`
}

// LedgerConfig 运行记录数据库
type LedgerConfig struct {
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// 驱动类型: sqlite, postgres, mysql
	Driver          string        `yaml:"driver" env:"DRIVER"`
	DSN             string        `yaml:"dsn" env:"DSN"`
	MaxOpenConns    int           `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	MaxIdleConns    int           `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
}

// LogConfig 日志配置
type LogConfig struct {
	// 日志级别: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// 输出格式: json, console
	Format string `yaml:"format" env:"FORMAT"`
	// 输出路径
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	// 是否启用调用者信息
	EnableCaller bool `yaml:"enable_caller" env:"ENABLE_CALLER"`
	// 是否启用堆栈跟踪
	EnableStacktrace bool `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// TelemetryConfig 遥测配置
type TelemetryConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// OTLP gRPC 端点
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	// 不使用 TLS
	Insecure bool `yaml:"insecure" env:"INSECURE"`
	// 服务名称
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`
	// 采样率
	SampleRate float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// MetricsConfig Prometheus 指标
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled" env:"ENABLED"`
	Namespace string `yaml:"namespace" env:"NAMESPACE"`
	// 非空时 run 期间在该地址暴露 /metrics
	ListenAddr string `yaml:"listen_addr" env:"LISTEN_ADDR"`
}

// =============================================================================
// 🔧 配置加载器
// =============================================================================

// Loader 配置加载器（Builder 模式）
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader 创建新的配置加载器
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "RACEFLOW",
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath 设置配置文件路径
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix 设置环境变量前缀
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator 添加配置验证器
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load 加载配置
// 优先级: 默认值 → YAML 文件 → 环境变量
func (l *Loader) Load() (*Config, error) {
	// 1. 从默认值开始
	cfg := DefaultConfig()

	// 2. 如果指定了配置文件，从文件加载
	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	// 3. 从环境变量覆盖
	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	// 4. 运行验证器
	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

// loadFromFile 从 YAML 文件加载配置
func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			// 文件不存在，使用默认值
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// loadFromEnv 从环境变量加载配置
func (l *Loader) loadFromEnv(cfg *Config) error {
	return l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

// setFieldsFromEnv 递归设置结构体字段
func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		// 获取 env tag
		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}

		envKey := prefix + "_" + envTag

		// 如果是结构体，递归处理
		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		// 获取环境变量值
		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}

		// 设置字段值
		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}

	return nil
}

// setFieldValue 设置字段值
func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		// 特殊处理 time.Duration
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		// 支持逗号分隔的字符串切片
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			out := parts[:0]
			for _, p := range parts {
				if p = strings.TrimSpace(p); p != "" {
					out = append(out, p)
				}
			}
			field.Set(reflect.ValueOf(out))
		}
	}

	return nil
}

// =============================================================================
// 🔍 辅助函数
// =============================================================================

// Load 从文件（可为空）与环境变量加载并校验配置
func Load(path string) (*Config, error) {
	return NewLoader().WithConfigPath(path).WithValidator((*Config).Validate).Load()
}

// Validate 验证配置，返回全部错误
func (c *Config) Validate() error {
	var errs []error

	seen := make(map[string]bool, len(c.Models))
	for i, m := range c.Models {
		if strings.TrimSpace(m.Alias) == "" {
			errs = append(errs, fmt.Errorf("models[%d]: alias is required", i))
			continue
		}
		if seen[m.Alias] {
			errs = append(errs, fmt.Errorf("models[%d]: duplicate alias %q", i, m.Alias))
		}
		seen[m.Alias] = true
	}
	if c.Provider.BaseURL == "" {
		errs = append(errs, errors.New("provider.base_url is required"))
	}

	r := c.Race
	if r.MaxRounds < 1 {
		errs = append(errs, errors.New("race.max_rounds must be >= 1"))
	}
	if r.ConvergenceThreshold <= 0 || r.ConvergenceThreshold >= 1 {
		errs = append(errs, errors.New("race.convergence_threshold must be in (0,1)"))
	}
	if r.HighVarianceThreshold < 0 {
		errs = append(errs, errors.New("race.high_variance_threshold must be >= 0"))
	}
	if r.MaxTokens <= 0 || r.ScoreMaxTokens <= 0 {
		errs = append(errs, errors.New("race.max_tokens and race.score_max_tokens must be positive"))
	}
	if r.CommandTimeout <= 0 {
		errs = append(errs, errors.New("race.command_timeout must be positive"))
	}
	if c.Gateway.RequestsPerMinute < 0 {
		errs = append(errs, errors.New("gateway.requests_per_minute must be >= 0"))
	}
	if c.Gateway.MaxRetries < 0 {
		errs = append(errs, errors.New("gateway.max_retries must be >= 0"))
	}

	if c.Ledger.Enabled {
		switch c.Ledger.Driver {
		case "sqlite", "postgres", "mysql":
		default:
			errs = append(errs, fmt.Errorf("ledger.driver %q is not supported (sqlite, postgres, mysql)", c.Ledger.Driver))
		}
		if c.Ledger.DSN == "" {
			errs = append(errs, errors.New("ledger.dsn is required when the ledger is enabled"))
		}
	}

	switch strings.ToLower(c.Log.Format) {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("log.format %q must be json or console", c.Log.Format))
	}
	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		errs = append(errs, errors.New("telemetry.sample_rate must be between 0 and 1"))
	}

	return errors.Join(errs...)
}

// Model 按别名查找模型
func (c *Config) Model(alias string) (llm.ModelSpec, bool) {
	for _, m := range c.Models {
		if m.Alias == alias {
			return m, true
		}
	}
	return llm.ModelSpec{}, false
}

// ProviderDefaults 直通别名使用的端点
func (c *Config) ProviderDefaults() llm.ModelSpec {
	return llm.ModelSpec{BaseURL: c.Provider.BaseURL, APIKeyEnv: c.Provider.APIKeyEnv}
}
