// Package api 暴露编排服务的 HTTP 接口：同步运行、事件流、工具清单、异步任务与健康检查。
package api
