package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"txvault/internal/application"
	"txvault/internal/domain"
)

type BuildInfo struct {
	Version   string
	Commit    string
	BuildTime string
}

type Server struct {
	docs         application.DocumentStore
	segments     application.SegmentStore
	chain        application.ChainReader
	engine       *application.Engine
	scheduler    *application.Scheduler
	orchestrator *application.Orchestrator
	metrics      *Metrics
	buildInfo    BuildInfo
}

func NewServer(docs application.DocumentStore, segments application.SegmentStore, chain application.ChainReader,
	engine *application.Engine, scheduler *application.Scheduler, orchestrator *application.Orchestrator,
	metrics *Metrics, buildInfo BuildInfo) (*Server, error) {
	if docs == nil || segments == nil || chain == nil || engine == nil || scheduler == nil || orchestrator == nil {
		return nil, errors.New("http server dependencies must not be nil")
	}
	if metrics == nil {
		metrics = NewMetrics()
	}
	return &Server{
		docs:         docs,
		segments:     segments,
		chain:        chain,
		engine:       engine,
		scheduler:    scheduler,
		orchestrator: orchestrator,
		metrics:      metrics,
		buildInfo:    buildInfo,
	}, nil
}

func (s *Server) MetricsObserver() *Metrics {
	return s.metrics
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/readyz", s.handleReady)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/scheduler/start", s.handleSchedulerStart)
	mux.HandleFunc("/scheduler/stop", s.handleSchedulerStop)
	mux.HandleFunc("/scheduler/reconfigure", s.handleSchedulerReconfigure)
	mux.HandleFunc("/backup/run", s.handleBackupRun)
	mux.HandleFunc("/transactions", s.handleTransactions)
	mux.HandleFunc("/transactions/by-hash", s.handleByHash)
	mux.HandleFunc("/transactions/by-block", s.handleByBlock)
	mux.HandleFunc("/transactions/by-address", s.handleByAddress)
	mux.HandleFunc("/stats", s.handleStats)
	mux.HandleFunc("/export", s.handleExport)
	mux.HandleFunc("/recover", s.handleRecover)
	mux.HandleFunc("/segments", s.handleSegments)
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/version", s.handleVersion)
	return mux
}

func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := s.docs.Ping(ctx); err != nil {
		respondError(w, http.StatusServiceUnavailable, "document store not ready")
		return
	}
	if _, err := s.chain.CurrentHeight(ctx); err != nil {
		respondError(w, http.StatusServiceUnavailable, "rpc not ready")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.scheduler.Status(r.Context()))
}

func (s *Server) handleSchedulerStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	s.scheduler.Start()
	respondJSON(w, http.StatusOK, map[string]string{"status": "started"})
}

func (s *Server) handleSchedulerStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	s.scheduler.Stop()
	respondJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (s *Server) handleSchedulerReconfigure(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var payload struct {
		Interval       *string `json:"interval"`
		AutoCleanup    *bool   `json:"auto_cleanup"`
		MaxBackupFiles *int    `json:"max_backup_files"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		respondError(w, http.StatusBadRequest, "invalid body")
		return
	}
	update := application.SchedulerUpdate{
		AutoCleanup:    payload.AutoCleanup,
		MaxBackupFiles: payload.MaxBackupFiles,
	}
	if payload.Interval != nil {
		interval, err := time.ParseDuration(*payload.Interval)
		if err != nil || interval <= 0 {
			respondError(w, http.StatusBadRequest, "invalid interval")
			return
		}
		update.Interval = &interval
	}
	s.scheduler.Reconfigure(update)
	respondJSON(w, http.StatusOK, s.scheduler.Status(r.Context()))
}

func (s *Server) handleBackupRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	from, to, err := parseBlockRange(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	result, err := s.engine.RunBackup(r.Context(), application.RangeOptions{FromBlock: from, ToBlock: to})
	if err != nil {
		respondError(w, http.StatusInternalServerError, "backup run failed")
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	filter, err := parseSearchFilter(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	records, err := s.docs.Search(r.Context(), filter)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "query failed")
		return
	}
	respondJSON(w, http.StatusOK, records)
}

func (s *Server) handleByHash(w http.ResponseWriter, r *http.Request) {
	hash := r.URL.Query().Get("hash")
	if hash == "" {
		respondError(w, http.StatusBadRequest, "hash is required")
		return
	}
	record, found, err := s.docs.GetByHash(r.Context(), hash)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "query failed")
		return
	}
	if !found {
		respondError(w, http.StatusNotFound, "transaction not found")
		return
	}
	respondJSON(w, http.StatusOK, record)
}

func (s *Server) handleByBlock(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("block")
	if raw == "" {
		respondError(w, http.StatusBadRequest, "block is required")
		return
	}
	block, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid block")
		return
	}
	records, err := s.docs.GetByBlock(r.Context(), block)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "query failed")
		return
	}
	respondJSON(w, http.StatusOK, records)
}

func (s *Server) handleByAddress(w http.ResponseWriter, r *http.Request) {
	address := r.URL.Query().Get("address")
	if address == "" {
		respondError(w, http.StatusBadRequest, "address is required")
		return
	}
	records, err := s.docs.GetByAddress(r.Context(), address)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "query failed")
		return
	}
	respondJSON(w, http.StatusOK, records)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	summary, err := s.docs.Stats(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "stats failed")
		return
	}
	respondJSON(w, http.StatusOK, summary)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	filter, err := parseSearchFilter(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="transactions.csv"`)
	if _, err := s.docs.ExportCSV(r.Context(), filter, w); err != nil {
		if errors.Is(err, application.ErrNoData) {
			w.Header().Del("Content-Disposition")
			respondError(w, http.StatusNotFound, "no data to export")
			return
		}
		respondError(w, http.StatusInternalServerError, "export failed")
		return
	}
}

func (s *Server) handleRecover(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var payload struct {
		Mode       string   `json:"mode"`
		StartBlock *uint64  `json:"start_block"`
		EndBlock   *uint64  `json:"end_block"`
		Addresses  []string `json:"addresses"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		respondError(w, http.StatusBadRequest, "invalid body")
		return
	}
	mode := domain.RecoveryMode(payload.Mode)
	switch mode {
	case domain.RecoveryModeFull, domain.RecoveryModeIncremental, domain.RecoveryModeSelective:
	default:
		respondError(w, http.StatusBadRequest, "invalid mode")
		return
	}
	scope := domain.RecoveryScope{
		StartBlock: payload.StartBlock,
		EndBlock:   payload.EndBlock,
		Addresses:  payload.Addresses,
	}
	report, err := s.orchestrator.Recover(r.Context(), mode, scope)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.metrics.OnRecovery(report.Valid)
	respondJSON(w, http.StatusOK, report)
}

func (s *Server) handleSegments(w http.ResponseWriter, r *http.Request) {
	ids, err := s.segments.ListSegments(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "segment list failed")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"count":    len(ids),
		"segments": ids,
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	snap := s.metrics.Snapshot()

	uptime := time.Since(snap.StartTime).Seconds()

	fmt.Fprintf(w, "txvault_uptime_seconds %.0f\n", uptime)
	fmt.Fprintf(w, "txvault_chain_height %d\n", snap.ChainHeight)
	fmt.Fprintf(w, "txvault_cycles_total %d\n", snap.CyclesTotal)
	fmt.Fprintf(w, "txvault_segments_total %d\n", snap.SegmentsTotal)
	fmt.Fprintf(w, "txvault_transactions_total %d\n", snap.TxsTotal)
	fmt.Fprintf(w, "txvault_last_cycle_from %d\n", snap.LastCycleFrom)
	fmt.Fprintf(w, "txvault_last_cycle_to %d\n", snap.LastCycleTo)
	fmt.Fprintf(w, "txvault_last_cycle_transactions %d\n", snap.LastCycleTxs)
	fmt.Fprintf(w, "txvault_last_cycle_seconds %.3f\n", snap.LastCycleElapsed.Seconds())
	fmt.Fprintf(w, "txvault_last_segment_block %d\n", snap.LastSegmentBlock)
	fmt.Fprintf(w, "txvault_recoveries_total %d\n", snap.RecoveriesTotal)
	fmt.Fprintf(w, "txvault_recovery_failures_total %d\n", snap.RecoveryFailures)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.buildInfo)
}

func parseSearchFilter(r *http.Request) (application.SearchFilter, error) {
	limit, err := parseLimit(r)
	if err != nil {
		return application.SearchFilter{}, err
	}
	from, to, err := parseBlockRange(r)
	if err != nil {
		return application.SearchFilter{}, err
	}

	filter := application.SearchFilter{
		From:      strings.ToLower(r.URL.Query().Get("from")),
		To:        strings.ToLower(r.URL.Query().Get("to")),
		FromBlock: from,
		ToBlock:   to,
		MinValue:  r.URL.Query().Get("min_value"),
		MaxValue:  r.URL.Query().Get("max_value"),
		Limit:     limit,
	}
	if raw := r.URL.Query().Get("status"); raw != "" {
		value, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return application.SearchFilter{}, errors.New("invalid status")
		}
		filter.Status = &value
	}
	return filter, nil
}

func parseLimit(r *http.Request) (int, error) {
	if raw := r.URL.Query().Get("limit"); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			return 0, errors.New("invalid limit")
		}
		return value, nil
	}
	return 100, nil
}

func parseBlockRange(r *http.Request) (*uint64, *uint64, error) {
	fromRaw := r.URL.Query().Get("from_block")
	toRaw := r.URL.Query().Get("to_block")

	var from *uint64
	var to *uint64

	if fromRaw != "" {
		value, err := strconv.ParseUint(fromRaw, 10, 64)
		if err != nil {
			return nil, nil, errors.New("invalid from_block")
		}
		from = &value
	}
	if toRaw != "" {
		value, err := strconv.ParseUint(toRaw, 10, 64)
		if err != nil {
			return nil, nil, errors.New("invalid to_block")
		}
		to = &value
	}
	return from, to, nil
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
