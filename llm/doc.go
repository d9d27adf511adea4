/*
包 llm 是模型调用的底层抽象：消息与请求/响应类型、统一错误码、
Provider 接口，以及按别名解析模型的 Registry。

# 核心类型

  - Provider：同步补全接口，由 providers/openaicompat 实现
  - Caller：按别名调用，流水线只依赖这一能力
  - Registry：别名 → 模型名 + 端点 + 角色；未登记的别名直通默认端点
  - Error / ErrorCode：带 HTTP 状态与可重试标记的结构化错误

上层的超时、重试、缓存与 fallback 由 llm/gateway 负责。
*/
package llm
