/*
包 server 管理 run 期间的指标 HTTP 端点。

Manager 封装 net/http.Server：Start 非阻塞监听，Shutdown 在超时内
排空连接，Errors 暴露异步错误。NewMetrics 挂载 Prometheus 处理器到
/metrics，并提供 /healthz 供抓取方探活。
*/
package server
