// =============================================================================
// raceflow 主入口
// =============================================================================
// 多模型竞赛优化引擎命令行
//
// 使用方法:
//
//	raceflow run sort.py "faster execution"   # 优化文件
//	raceflow run -verify "pytest" sort.py     # 带测试验证
//	raceflow check                            # 探测所有模型可用性
//	raceflow scenes                           # 列出场景
//	raceflow demo                             # 运行示例
//	raceflow history                          # 查看运行记录
//	raceflow version                          # 显示版本信息
// =============================================================================

package main

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/BaSui01/raceflow/config"
)

// =============================================================================
// 📦 版本信息（构建时注入）
// =============================================================================

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// =============================================================================
// 🎯 主函数
// =============================================================================

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	var code int
	switch os.Args[1] {
	case "run":
		code = runRace(os.Args[2:])
	case "demo":
		code = runDemo(os.Args[2:])
	case "check":
		code = runCheck(os.Args[2:])
	case "scenes":
		code = runScenes(os.Args[2:])
	case "history":
		code = runHistory(os.Args[2:])
	case "version":
		printVersion()
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		code = 1
	}
	os.Exit(code)
}

// =============================================================================
// 📋 辅助函数
// =============================================================================

func printVersion() {
	fmt.Printf("raceflow %s\n", Version)
	fmt.Printf("  Build Time: %s\n", BuildTime)
	fmt.Printf("  Git Commit: %s\n", GitCommit)
}

func printUsage() {
	fmt.Println(`raceflow - Race Optimization Engine

Usage:
  raceflow <command> [options]

Commands:
  run [flags] <file> ["<goal>"]   Optimize a file through competing models
  demo                            Run the poem demo (text scene, 2 rounds)
  check                           Probe every configured model
  scenes                          List scenes and their strategies
  history [-run <id>]             Show recorded runs (requires ledger)
  version                         Show version information
  help                            Show this help message

Run flags:
  -config <path>      Config file (YAML)
  -goal <text>        Optimization goal (default "optimize")
  -scene <key>        Force a scene (code-performance, code-refactor, prompt, text)
  -racers a,b,c       Racer aliases (default: models with role racer)
  -judge <alias>      Synthesis judge
  -adversary <alias>  Adversarial critic
  -verify <cmd>       Test command, run with the candidate swapped in
  -benchmark <cmd>    Benchmark command
  -rounds <n>         Maximum rounds
  -no-convergence     Always run every round
  -criteria <ref>     Criteria file, inline text, or template name
  -system <text>      System prompt for every call
  -content <text>     Inline content instead of a file
  -output <dir>       Output directory for this run

Scenes (auto-detected):
  code-performance  Code files (.js, .py, .ts, .go, ...)
  code-refactor     Goal mentions "refactor", "YAGNI", "simplify"
  prompt            Goal or file name mentions "prompt"
  text              Everything else

Examples:
  raceflow run sort.py "faster execution"
  raceflow run -verify "python -m pytest -q" sort.py "faster execution"
  raceflow run README.md "more clear and professional"
  raceflow run utils.js "YAGNI refactor"

Environment:
  RACEFLOW_*          Override any config value, e.g. RACEFLOW_RACE_MAX_ROUNDS=2
  YUNWU_API_KEY       Default provider API key`)
}

// initLogger 初始化日志
func initLogger(cfg config.LogConfig) *zap.Logger {
	// 解析日志级别
	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "info":
		level = zapcore.InfoLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	// 配置编码器
	var encoderConfig zapcore.EncoderConfig
	if cfg.Format == "console" {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	outputs := cfg.OutputPaths
	if len(outputs) == 0 {
		outputs = []string{"stderr"}
	}

	zapConfig := zap.Config{
		Level:             zap.NewAtomicLevelAt(level),
		Development:       cfg.Format == "console",
		Encoding:          "json",
		EncoderConfig:     encoderConfig,
		OutputPaths:       outputs,
		ErrorOutputPaths:  []string{"stderr"},
		DisableCaller:     !cfg.EnableCaller,
		DisableStacktrace: !cfg.EnableStacktrace,
	}
	if cfg.Format == "console" {
		zapConfig.Encoding = "console"
	}

	logger, err := zapConfig.Build(zap.AddStacktrace(zapcore.ErrorLevel))
	if err != nil {
		// 回退到基本 logger
		logger, _ = zap.NewProduction()
	}

	return logger
}
