// Package monitor serves the driver's HTTP diagnostics: health, status, the
// PPS re-arm trigger, the latest frame as PCD, journal queries, and debug
// charts under /debug/.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/banshee-data/scanbridge/internal/httputil"
	"github.com/banshee-data/scanbridge/internal/lidar/l1packets/network"
	"github.com/banshee-data/scanbridge/internal/lidar/l2frames"
	"github.com/banshee-data/scanbridge/internal/lidar/pipeline"
	"github.com/banshee-data/scanbridge/internal/lidar/publish"
	"github.com/banshee-data/scanbridge/internal/lidar/storage/sqlite"
	"github.com/banshee-data/scanbridge/internal/monitoring"
)

// Driver is the pipeline surface the monitor reads and controls.
type Driver interface {
	Rearm()
	Status() pipeline.Status
	LatestFrame(ret int) *l2frames.PointCloudFrame
}

// WebServerConfig wires a WebServer. Only Driver is required.
type WebServerConfig struct {
	Address string
	Driver  Driver

	RuntimeStats   func() pipeline.RuntimeStats
	PublisherStats func() publish.Stats
	PacketStats    []*network.PacketStats

	Journal *sqlite.DB
	RunID   string
}

// StatusResponse is the body of /api/status.
type StatusResponse struct {
	Pipeline  pipeline.Status         `json:"pipeline"`
	Runtime   *pipeline.RuntimeStats  `json:"runtime,omitempty"`
	Publisher *publish.Stats          `json:"publisher,omitempty"`
	Packets   []network.StatsSnapshot `json:"packets,omitempty"`
	RunID     string                  `json:"run_id,omitempty"`
	Uptime    string                  `json:"uptime"`
}

// WebServer is the monitor's HTTP server.
type WebServer struct {
	cfg     WebServerConfig
	started time.Time
	server  *http.Server
	mux     *http.ServeMux
}

// NewWebServer builds the route table.
func NewWebServer(cfg WebServerConfig) (*WebServer, error) {
	if cfg.Driver == nil {
		return nil, errors.New("monitor: driver is required")
	}
	ws := &WebServer{cfg: cfg, started: time.Now()}
	ws.mux = ws.setupRoutes()
	ws.server = &http.Server{
		Addr:              cfg.Address,
		Handler:           ws.mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return ws, nil
}

// Handler exposes the route table, mainly for tests.
func (ws *WebServer) Handler() http.Handler { return ws.mux }

func (ws *WebServer) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", ws.handleHealth)
	mux.HandleFunc("/api/status", ws.handleStatus)
	mux.HandleFunc("/api/pps/rearm", ws.handleRearm)
	mux.HandleFunc("/api/frame.pcd", ws.handleFramePCD)
	mux.HandleFunc("/api/journal/runs", ws.handleJournalRuns)
	mux.HandleFunc("/api/journal/sync", ws.handleJournalSync)
	mux.HandleFunc("/api/journal/frames", ws.handleJournalFrames)
	mux.HandleFunc("/", ws.handleIndex)
	ws.attachDebugRoutes(mux)
	return mux
}

// Start serves until ctx is cancelled, then shuts down with a short grace
// period.
func (ws *WebServer) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", ws.cfg.Address)
	if err != nil {
		return fmt.Errorf("monitor listen on %s: %w", ws.cfg.Address, err)
	}
	errCh := make(chan error, 1)
	go func() {
		monitoring.Logf("monitor listening on %s", lis.Addr())
		if err := ws.server.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := ws.server.Shutdown(shutdownCtx); err != nil {
		monitoring.Warnf("monitor shutdown: %v", err)
		if err := ws.server.Close(); err != nil {
			monitoring.Warnf("monitor force close: %v", err)
		}
	}
	return nil
}

func (ws *WebServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"uptime": time.Since(ws.started).Round(time.Second).String(),
	})
}

func (ws *WebServer) status() StatusResponse {
	resp := StatusResponse{
		Pipeline: ws.cfg.Driver.Status(),
		RunID:    ws.cfg.RunID,
		Uptime:   time.Since(ws.started).Round(time.Second).String(),
	}
	if ws.cfg.RuntimeStats != nil {
		rs := ws.cfg.RuntimeStats()
		resp.Runtime = &rs
	}
	if ws.cfg.PublisherStats != nil {
		ps := ws.cfg.PublisherStats()
		resp.Publisher = &ps
	}
	for _, s := range ws.cfg.PacketStats {
		if snap := s.Latest(); snap != nil {
			resp.Packets = append(resp.Packets, *snap)
		}
	}
	return resp
}

func (ws *WebServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !httputil.RequireMethod(w, r, http.MethodGet) {
		return
	}
	httputil.WriteJSON(w, http.StatusOK, ws.status())
}

// handleRearm re-arms the PPS handshake. It answers the same way as the gRPC
// trigger.
func (ws *WebServer) handleRearm(w http.ResponseWriter, r *http.Request) {
	if !httputil.RequireMethod(w, r, http.MethodPost) {
		return
	}
	ws.cfg.Driver.Rearm()
	monitoring.Logf("pps handshake re-armed over http from %s", r.RemoteAddr)
	httputil.WriteJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func returnParam(r *http.Request) (int, error) {
	v := r.URL.Query().Get("return")
	if v == "" {
		return 0, nil
	}
	ret, err := strconv.Atoi(v)
	if err != nil || ret < 0 || ret > 1 {
		return 0, fmt.Errorf("return must be 0 or 1, got %q", v)
	}
	return ret, nil
}

func limitParam(r *http.Request, def, max int) int {
	limit := def
	if l := r.URL.Query().Get("limit"); l != "" {
		if v, err := strconv.Atoi(l); err == nil && v > 0 && v <= max {
			limit = v
		}
	}
	return limit
}

// handleFramePCD serves the latest frame of a return channel as binary PCD.
//
// Query params:
//
//	return (optional, 0 or 1, default 0)
func (ws *WebServer) handleFramePCD(w http.ResponseWriter, r *http.Request) {
	if !httputil.RequireMethod(w, r, http.MethodGet) {
		return
	}
	ret, err := returnParam(r)
	if err != nil {
		httputil.WriteJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	f := ws.cfg.Driver.LatestFrame(ret)
	if f == nil {
		httputil.WriteJSONError(w, http.StatusNotFound, "no frame published yet")
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=frame-%d-r%d.pcd", f.ScanFrameID, ret))
	w.Header().Set("X-Frame-Timestamp", strconv.FormatInt(f.Timestamp, 10))
	if err := l2frames.WritePCD(w, f); err != nil {
		monitoring.Debugf("write pcd: %v", err)
	}
}

func (ws *WebServer) journalReady(w http.ResponseWriter, r *http.Request) bool {
	if !httputil.RequireMethod(w, r, http.MethodGet) {
		return false
	}
	if ws.cfg.Journal == nil {
		httputil.WriteJSONError(w, http.StatusServiceUnavailable, "journal disabled")
		return false
	}
	return true
}

func (ws *WebServer) runParam(r *http.Request) string {
	if id := r.URL.Query().Get("run_id"); id != "" {
		return id
	}
	return ws.cfg.RunID
}

func (ws *WebServer) handleJournalRuns(w http.ResponseWriter, r *http.Request) {
	if !ws.journalReady(w, r) {
		return
	}
	runs, err := ws.cfg.Journal.Runs(r.Context(), limitParam(r, 20, 1000))
	if err != nil {
		httputil.WriteJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	httputil.WriteJSON(w, http.StatusOK, runs)
}

func (ws *WebServer) handleJournalSync(w http.ResponseWriter, r *http.Request) {
	if !ws.journalReady(w, r) {
		return
	}
	evs, err := ws.cfg.Journal.RecentSyncEvents(r.Context(), ws.runParam(r), limitParam(r, 100, 10000))
	if err != nil {
		httputil.WriteJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	httputil.WriteJSON(w, http.StatusOK, evs)
}

func (ws *WebServer) handleJournalFrames(w http.ResponseWriter, r *http.Request) {
	if !ws.journalReady(w, r) {
		return
	}
	stats, err := ws.cfg.Journal.RecentFrameStats(r.Context(), ws.runParam(r), limitParam(r, 100, 10000))
	if err != nil {
		httputil.WriteJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	httputil.WriteJSON(w, http.StatusOK, stats)
}
