/*
Package main 提供 raceflow 命令行入口。

# 概述

cmd/raceflow 装配配置、模型注册表、调用门面、模板库与可选的缓存、
运行记录库和指标端点，然后驱动一次竞赛优化。

# 子命令

  - run：对文件或内联内容运行多轮竞赛，输出 final 与 report.md
  - demo：内联诗歌、text 场景、两轮
  - check：探测每个已配置模型的可用性
  - scenes：列出场景目录与策略
  - history：读取运行记录库（需要启用 ledger）
  - version / help

构建注入：Version、BuildTime、GitCommit 通过 ldflags 设置。
*/
package main
