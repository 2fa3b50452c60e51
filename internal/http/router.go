package httpapi

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Router 使用标准库 http.ServeMux
type Router struct {
	mux    *http.ServeMux
	logger *zap.Logger
}

func NewRouter(logger *zap.Logger) *Router {
	return &Router{
		mux:    http.NewServeMux(),
		logger: logger,
	}
}

func (r *Router) Handle(pattern string, h http.HandlerFunc) {
	r.mux.HandleFunc(pattern, h)
}

// HandleHandler 支持 http.Handler 接口（用于 /metrics 等）
func (r *Router) HandleHandler(pattern string, h http.Handler) {
	r.mux.Handle(pattern, h)
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// RegisterSessionRoutes 登录/登出/当前身份
func (r *Router) RegisterSessionRoutes(h *SessionHandler) {
	r.HandleHandler("/api/v1/session", h)
}

// RegisterDocRoutes 文档写入与批量提交
func (r *Router) RegisterDocRoutes(h *DocHandler) {
	r.HandleHandler(docsPrefix, h)
	r.Handle("/api/v1/batch", h.Batch)
}

// RegisterPatientRoutes 患者搜索与隐私日志
func (r *Router) RegisterPatientRoutes(h *PatientHandler) {
	// 精确路径优先于前缀匹配
	r.Handle("/api/v1/patients/search", h.Search)
	r.HandleHandler(patientsPrefix, h)
}

// RegisterSubscribeRoutes 实时订阅
func (r *Router) RegisterSubscribeRoutes(h *SubscribeHandler) {
	r.HandleHandler("/api/v1/subscribe", h)
}

// RegisterSecurityRoutes 安全事件诊断
func (r *Router) RegisterSecurityRoutes(h *SecurityHandler) {
	r.HandleHandler("/api/v1/security-events", h)
}

// RegisterMetrics prometheus 指标
func (r *Router) RegisterMetrics() {
	r.HandleHandler("/metrics", promhttp.Handler())
}

// RegisterHealth 存活检查
func (r *Router) RegisterHealth() {
	r.Handle("/healthz", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, Ok("ok"))
	})
}
