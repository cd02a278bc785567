package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"crypto-autotrader/internal/model"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// Controller 是 HTTP 层看到的引擎能力；读操作返回快照
type Controller interface {
	Summary() model.EngineSummary
	Positions() []model.Position
	Trades() []model.TradeRecord
	EquityCurve() []model.EquityPoint
	DailyStats() model.DailyStats

	Pause()
	Resume(ctx context.Context) error
	CloseAll(ctx context.Context, reason string) (int, error)
}

// Server 控制/查询接口
type Server struct {
	ctl     Controller
	baseCtx context.Context // Resume 启动的循环挂在这个 ctx 上，而不是请求的 ctx
	router  *mux.Router
	http    *http.Server
	logger  *zap.Logger
	now     func() time.Time
}

// NewServer 注册全部路由；metrics 为 nil 时不暴露 /metrics
func NewServer(baseCtx context.Context, addr string, ctl Controller, metrics http.Handler, logger *zap.Logger) *Server {
	s := &Server{
		ctl:     ctl,
		baseCtx: baseCtx,
		router:  mux.NewRouter(),
		logger:  logger.With(zap.String("component", "api")),
		now:     time.Now,
	}

	s.router.HandleFunc("/", s.handleRoot).Methods(http.MethodGet)

	v1 := s.router.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/positions", s.handlePositions).Methods(http.MethodGet)
	v1.HandleFunc("/positions/close-all", s.handleCloseAll).Methods(http.MethodPost)
	v1.HandleFunc("/trades", s.handleTrades).Methods(http.MethodGet)
	v1.HandleFunc("/equity", s.handleEquity).Methods(http.MethodGet)
	v1.HandleFunc("/stats/daily", s.handleDailyStats).Methods(http.MethodGet)
	v1.HandleFunc("/system/status", s.handleStatus).Methods(http.MethodGet)
	v1.HandleFunc("/system/pause", s.handlePause).Methods(http.MethodPost)
	v1.HandleFunc("/system/resume", s.handleResume).Methods(http.MethodPost)

	if metrics != nil {
		s.router.Handle("/metrics", metrics).Methods(http.MethodGet)
	}

	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler 返回路由 (测试用)
func (s *Server) Handler() http.Handler { return s.router }

// Start 阻塞监听，Shutdown 后返回 nil
func (s *Server) Start() error {
	s.logger.Info("Control API listening", zap.String("Addr", s.http.Addr))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"name":   "crypto-autotrader",
		"status": string(s.ctl.Summary().Status),
	})
}

// handlePositions 默认只返回 OPEN 持仓，?status=all 返回全部
func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	positions := s.ctl.Positions()
	if r.URL.Query().Get("status") != "all" {
		open := make([]model.Position, 0, len(positions))
		for _, p := range positions {
			if p.Status == model.PositionOpen {
				open = append(open, p)
			}
		}
		positions = open
	}
	writeJSON(w, http.StatusOK, positions)
}

// handleTrades 按时间倒序，支持 ?limit=100&days=30
func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	days, err := queryInt(r, "days", 30)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	trades := s.ctl.Trades()
	cutoff := s.now().AddDate(0, 0, -days)

	out := make([]model.TradeRecord, 0, min(limit, len(trades)))
	for i := len(trades) - 1; i >= 0 && len(out) < limit; i-- {
		if trades[i].Timestamp.Before(cutoff) {
			break
		}
		out = append(out, trades[i])
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleEquity(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.ctl.EquityCurve())
}

func (s *Server) handleDailyStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.ctl.DailyStats())
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	summary := s.ctl.Summary()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":          summary.Status,
		"symbol":          summary.Symbol,
		"paper_trading":   summary.PaperTrading,
		"last_signal":     summary.LastSignal.Action(),
		"last_confidence": summary.LastSignal.Confidence(),
		"account_balance": summary.Balance,
		"equity":          summary.Equity,
		"daily_pnl":       summary.DailyPnL,
		"total_pnl":       summary.TotalPnL,
		"open_positions":  summary.OpenPositions,
		"last_price":      summary.LastPrice,
		"trading_locked":  summary.Locked,
	})
}

func (s *Server) handlePause(w http.ResponseWriter, _ *http.Request) {
	s.ctl.Pause()
	s.logger.Info("Trading paused via API")
	writeJSON(w, http.StatusOK, map[string]string{"status": "paused"})
}

func (s *Server) handleResume(w http.ResponseWriter, _ *http.Request) {
	if err := s.ctl.Resume(s.baseCtx); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	s.logger.Info("Trading resumed via API")
	writeJSON(w, http.StatusOK, map[string]string{"status": "running"})
}

func (s *Server) handleCloseAll(w http.ResponseWriter, r *http.Request) {
	closed, err := s.ctl.CloseAll(r.Context(), "manual close-all")
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.logger.Warn("Emergency close-all via API", zap.Int("Closed", closed))
	writeJSON(w, http.StatusOK, map[string]any{"status": "all positions closed", "closed": closed})
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, errors.New(key + " must be a positive integer")
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
