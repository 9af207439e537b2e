package httpapi

import (
	"net/http"
	"strings"

	"tickstock-stream/internal/metrics"

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

// HandleHandler 支持 http.Handler 接口（用于 /metrics）
func (r *Router) HandleHandler(pattern string, h http.Handler) {
	r.mux.Handle(pattern, h)
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// get 只允许 GET
func get(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h(w, req)
	}
}

// RegisterPatternRoutes 拉取接口
// /patterns/scan 与 /patterns/refresh 优先于 /patterns/{tier}
func (r *Router) RegisterPatternRoutes(p *PatternHandler) {
	r.Handle("/patterns/", get(func(w http.ResponseWriter, req *http.Request) {
		name := strings.TrimPrefix(req.URL.Path, "/patterns/")
		switch {
		case name == "scan":
			p.Scan(w, req)
		case name == "refresh":
			p.Refresh(w, req)
		case name == "" || strings.Contains(name, "/"):
			w.WriteHeader(http.StatusNotFound)
		default:
			p.GetTier(w, req, name)
		}
	}))
}

// RegisterFlowRoutes 审计记录查询与导出
func (r *Router) RegisterFlowRoutes(f *FlowHandler) {
	r.Handle("/flows", get(f.List))
	r.Handle("/flows/", get(func(w http.ResponseWriter, req *http.Request) {
		id := strings.TrimPrefix(req.URL.Path, "/flows/")
		switch {
		case id == "export":
			f.Export(w, req)
		case id == "" || strings.Contains(id, "/"):
			w.WriteHeader(http.StatusNotFound)
		default:
			f.Get(w, req, id)
		}
	}))
}

// RegisterSystemRoutes 推送通道、健康检查、诊断和指标
func (r *Router) RegisterSystemRoutes(s *SystemHandler) {
	r.Handle("/ws", get(s.ServeWS))
	r.Handle("/health", get(s.Health))
	r.Handle("/diagnostics/sessions", get(s.Sessions))
	r.HandleHandler("/metrics", metrics.Handler())
}
