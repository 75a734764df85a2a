package monitor

import (
	"compress/gzip"
	"fmt"
	"html/template"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/tailscale/tailsql/server/tailsql"
	"tailscale.com/tsweb"

	"github.com/banshee-data/scanbridge/internal/httputil"
	"github.com/banshee-data/scanbridge/internal/monitoring"
)

// attachDebugRoutes mounts the tsweb debug index. The journal pages are only
// added when a journal is configured. tsweb restricts /debug/ to loopback
// and tailnet callers.
func (ws *WebServer) attachDebugRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	debug.KVFunc("Uptime", func() any { return time.Since(ws.started).Round(time.Second) })
	debug.KVFunc("Frames published", func() any { return ws.cfg.Driver.Status().FramesPublished })
	debug.KVFunc("Sync state", func() any { return ws.cfg.Driver.Status().Sync.State })

	debug.Handle("frame.png", "Top-down plot of the latest frame", http.HandlerFunc(ws.handleFramePlot))

	if ws.cfg.Journal == nil {
		return
	}
	debug.Handle("sync-chart", "Handshake offsets and points per rotation", http.HandlerFunc(ws.handleSyncChart))

	tsql, err := tailsql.NewServer(tailsql.Options{RoutePrefix: "/debug/tailsql/"})
	if err != nil {
		monitoring.Warnf("tailsql disabled: %v", err)
	} else {
		tsql.SetDB("sqlite://"+ws.cfg.Journal.Path(), ws.cfg.Journal.DB, &tailsql.DBOptions{
			Label: "Scan journal",
		})
		debug.Handle("tailsql/", "SQL live debugging of the journal", tsql.NewMux())
	}

	debug.Handle("backup", "Download a gzipped snapshot of the journal", http.HandlerFunc(ws.handleBackup))
}

// handleBackup snapshots the journal with VACUUM INTO and streams it gzipped.
func (ws *WebServer) handleBackup(w http.ResponseWriter, r *http.Request) {
	dir, err := os.MkdirTemp("", "journal-backup-")
	if err != nil {
		http.Error(w, fmt.Sprintf("create backup dir: %v", err), http.StatusInternalServerError)
		return
	}
	defer os.RemoveAll(dir)

	name := fmt.Sprintf("journal-%d.db", time.Now().Unix())
	path := filepath.Join(dir, name)
	if _, err := ws.cfg.Journal.ExecContext(r.Context(), "VACUUM INTO ?", path); err != nil {
		http.Error(w, fmt.Sprintf("create backup: %v", err), http.StatusInternalServerError)
		return
	}
	f, err := os.Open(path)
	if err != nil {
		http.Error(w, fmt.Sprintf("open backup: %v", err), http.StatusInternalServerError)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s.gz", name))
	w.Header().Set("Content-Type", "application/gzip")
	gz := gzip.NewWriter(w)
	defer gz.Close()
	if _, err := io.Copy(gz, f); err != nil {
		monitoring.Warnf("stream journal backup: %v", err)
	}
}

var indexTemplate = template.Must(template.New("index").Parse(`<!doctype html>
<html><head><title>scanbridge</title></head>
<body>
<h1>scanbridge</h1>
<p>{{.Pipeline.Profile}} {{.Pipeline.Width}}x{{.Pipeline.Height}}, {{.Pipeline.Returns}} return(s), frame <code>{{.Pipeline.SensorFrame}}</code></p>
<p>Sync: <b>{{.Pipeline.Sync.State}}</b>, {{.Pipeline.HandshakeAttempts}} handshake attempt(s), {{.Pipeline.FramesPublished}} frames published, up {{.Uptime}}</p>
<ul>
<li><a href="/api/status">/api/status</a></li>
<li><a href="/api/frame.pcd">/api/frame.pcd</a> (<a href="/api/frame.pcd?return=1">second return</a>)</li>
<li><a href="/api/journal/runs">/api/journal/runs</a></li>
<li><a href="/debug/">/debug/</a></li>
</ul>
<form method="post" action="/api/pps/rearm"><button type="submit">Re-arm PPS handshake</button></form>
</body></html>
`))

func (ws *WebServer) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		httputil.WriteJSONError(w, http.StatusNotFound, "not found")
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := indexTemplate.Execute(w, ws.status()); err != nil {
		monitoring.Debugf("render index: %v", err)
	}
}
