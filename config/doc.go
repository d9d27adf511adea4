// Package config 提供 raceflow 的配置管理：
// 默认值 → YAML 文件 → RACEFLOW_* 环境变量 → 校验器。
package config
