package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/sentriva/hostscan/pkg/health"
	"github.com/sentriva/hostscan/pkg/metrics"
	"github.com/sentriva/hostscan/pkg/policy"
	"github.com/sentriva/hostscan/pkg/security"
	"github.com/sentriva/hostscan/pkg/shared/severity"
	"github.com/sentriva/hostscan/pkg/store"
)

// monitor is the read-only HTTP surface: Prometheus metrics, health
// checks, and a small JSON API over the facade and the store. It never
// triggers scans.
type monitor struct {
	facade    *security.Facade
	store     *store.Store
	collector *metrics.PrometheusCollector
	pol       *policy.SecurityPolicy
}

func newMonitor(facade *security.Facade, st *store.Store, collector *metrics.PrometheusCollector, pol *policy.SecurityPolicy) *monitor {
	return &monitor{
		facade:    facade,
		store:     st,
		collector: collector,
		pol:       pol,
	}
}

func (m *monitor) serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()

	mux.Handle("/metrics", m.collector.Handler())
	health.RegisterRoutes(mux, &health.ServerConfig{
		Address:       addr,
		LivenessPath:  "/healthz",
		ReadinessPath: "/readyz",
		HealthPath:    "/health",
		Handler:       m.healthHandler(),
	})

	mux.HandleFunc("/security/tools", m.handleTools)
	mux.HandleFunc("/security/sysmon", m.handleSysmon)
	mux.HandleFunc("/security/scans/latest", m.handleLatestScan)
	mux.HandleFunc("/security/findings", m.handleFindings)
	mux.HandleFunc("/security/runs", m.handleRuns)

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (m *monitor) healthHandler() *health.Handler {
	h := health.NewHandler(health.WithVersion(appVersion))

	h.Register("tools", &health.ToolsCheck{
		CheckFunc: func(ctx context.Context) (int, int) {
			infos := m.facade.CheckTools(ctx)
			available := 0
			for _, info := range infos {
				if info.Installed {
					available++
				}
			}
			return available, len(infos)
		},
	})

	if m.store != nil {
		h.Register("store", &health.StoreCheck{
			PingFunc: func(ctx context.Context) error {
				_, err := m.store.RecentRuns(ctx, 1)
				return err
			},
		})
	}

	h.Register("disk", &health.DiskCheck{
		Path:           m.pol.OutputDir,
		MinFreePercent: 5,
	})

	h.SetReady(true)
	return h
}

func (m *monitor) handleTools(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, m.facade.CheckTools(r.Context()))
}

// handleSysmon reports the telemetry service state so fleet operators can
// spot hosts whose event-log sources have gone dark.
func (m *monitor) handleSysmon(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, m.facade.Sysmon().GetStatus(r.Context()))
}

// handleLatestScan serves the newest run: from the store when one is
// configured (survives restarts), otherwise the facade's in-memory result.
func (m *monitor) handleLatestScan(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if m.store != nil {
		result, err := m.store.LatestRun(r.Context(), r.URL.Query().Get("profile"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if result == nil {
			http.Error(w, "no runs recorded", http.StatusNotFound)
			return
		}
		writeJSON(w, result)
		return
	}

	result := m.facade.LatestFindings()
	if result == nil {
		http.Error(w, "no runs recorded", http.StatusNotFound)
		return
	}
	writeJSON(w, result)
}

func (m *monitor) handleFindings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if m.store == nil {
		http.Error(w, "store disabled", http.StatusNotFound)
		return
	}

	filter := store.FindingFilter{
		Tool: r.URL.Query().Get("tool"),
	}
	if s := r.URL.Query().Get("severity"); s != "" {
		filter.Severity = severity.FromString(s)
	}
	if s := r.URL.Query().Get("limit"); s != "" {
		limit, err := strconv.Atoi(s)
		if err != nil || limit < 1 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		filter.Limit = limit
	}

	findings, err := m.store.ListFindings(r.Context(), filter)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, findings)
}

func (m *monitor) handleRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if m.store == nil {
		http.Error(w, "store disabled", http.StatusNotFound)
		return
	}

	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	runs, err := m.store.RecentRuns(r.Context(), limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, runs)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
