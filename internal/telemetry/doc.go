// Package telemetry 封装 OpenTelemetry SDK 初始化逻辑，
// 为 raceflow 提供 TracerProvider 和 MeterProvider（OTLP gRPC 导出）。
// 当遥测功能禁用时，使用 noop 实现，不连接任何外部服务。
package telemetry
