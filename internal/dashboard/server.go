package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"AgentMiner/internal/miner"
	"AgentMiner/internal/observability/metrics"
	journal "AgentMiner/internal/storage/mysql"
	"AgentMiner/pkg/logger"
)

// SnapshotSource 提供当前状态快照。
type SnapshotSource interface {
	Snapshot() miner.Snapshot
}

// CycleLister 读取最近的周期记录。
type CycleLister interface {
	ListLatest(ctx context.Context, limit int) ([]journal.CycleEntry, error)
}

// Server 暴露只读的状态接口与 Prometheus 指标。
type Server struct {
	addr    string
	source  SnapshotSource
	cycles  CycleLister
	logger  *slog.Logger
	handler http.Handler
}

// NewServer 构造看板服务。cycles 为空时不注册周期列表接口。
func NewServer(addr string, source SnapshotSource, cycles CycleLister) *Server {
	s := &Server{addr: addr, source: source, cycles: cycles, logger: logger.Named("dashboard")}
	mux := http.NewServeMux()
	mux.Handle("/api/v1/status", s.instrument("status", http.HandlerFunc(s.handleStatus)))
	if cycles != nil {
		mux.Handle("/api/v1/cycles", s.instrument("cycles", http.HandlerFunc(s.handleCycles)))
	}
	mux.Handle("/healthz", s.instrument("healthz", http.HandlerFunc(handleHealth)))
	mux.Handle("/metrics", metrics.Handler())
	s.handler = mux
	return s
}

// Handler 返回路由，便于测试或嵌入其他服务。
func (s *Server) Handler() http.Handler { return s.handler }

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.handler),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.logger.Info("看板已启动", slog.String("addr", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	if s.source == nil {
		http.Error(w, "编排器未启动", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, s.source.Snapshot())
}

func (s *Server) handleCycles(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			http.Error(w, "limit 参数无效", http.StatusBadRequest)
			return
		}
		limit = min(parsed, 200)
	}
	entries, err := s.cycles.ListLatest(r.Context(), limit)
	if err != nil {
		s.logger.Warn("读取周期日志失败", slog.Any("error", err))
		http.Error(w, "读取周期日志失败", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []journal.CycleEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// instrument 记录每个请求的状态码与耗时。
func (s *Server) instrument(name string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		metrics.ObserveHTTPRequest(name, r.Method, rec.status, time.Since(start))
	})
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
