package monitor

import (
	"bytes"
	"fmt"
	"image/color"
	"math"
	"net/http"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"

	"github.com/banshee-data/scanbridge/internal/httputil"
	"github.com/banshee-data/scanbridge/internal/lidar/timesync"
)

// echartsAssetsHost serves the echarts bundle. Debug pages are only reached
// from operator machines, which are expected to have internet access.
const echartsAssetsHost = "https://go-echarts.github.io/go-echarts-assets/assets/"

// handleSyncChart renders handshake offsets and points per rotation from the
// journal.
//
// Query params:
//
//	run_id (optional, defaults to the current run)
//	limit  (optional, rotations to plot, default 600)
func (ws *WebServer) handleSyncChart(w http.ResponseWriter, r *http.Request) {
	run := ws.runParam(r)
	limit := limitParam(r, 600, 20000)

	stats, err := ws.cfg.Journal.RecentFrameStats(r.Context(), run, limit)
	if err != nil {
		httputil.WriteJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	events, err := ws.cfg.Journal.RecentSyncEvents(r.Context(), run, limit)
	if err != nil {
		httputil.WriteJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}

	xs := make([]string, len(stats))
	points := make([]opts.LineData, len(stats))
	for i, s := range stats {
		xs[i] = s.At.Format("15:04:05.000")
		points[i] = opts.LineData{Value: s.Points}
	}
	rotations := charts.NewLine()
	rotations.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "scanbridge sync", Width: "100%", Height: "420px", AssetsHost: echartsAssetsHost}),
		charts.WithTitleOpts(opts.Title{Title: "Points per rotation", Subtitle: fmt.Sprintf("run=%s rotations=%d", run, len(stats))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithDataZoomOpts(opts.DataZoom{Type: "slider"}),
	)
	rotations.SetXAxis(xs).AddSeries("points", points, charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(false)}))

	byOutcome := map[timesync.Outcome][]opts.ScatterData{}
	for _, ev := range events {
		offsetMs := float64(ev.Offset) / float64(time.Millisecond)
		byOutcome[ev.Outcome] = append(byOutcome[ev.Outcome], opts.ScatterData{
			Value: []interface{}{ev.At.Format("15:04:05.000"), offsetMs, float64(ev.Latency) / float64(time.Millisecond)},
		})
	}
	handshakes := charts.NewScatter()
	handshakes.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "420px", AssetsHost: echartsAssetsHost}),
		charts.WithTitleOpts(opts.Title{Title: "PPS handshakes", Subtitle: fmt.Sprintf("events=%d", len(events))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Type: "category", Name: "host time"}),
		charts.WithYAxisOpts(opts.YAxis{Name: "offset (ms)"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
	)
	for _, outcome := range []timesync.Outcome{
		timesync.OutcomeSynced, timesync.OutcomeFailed, timesync.OutcomeTimeout,
		timesync.OutcomeStale, timesync.OutcomeUnavailable, timesync.OutcomeRearmed,
	} {
		if data := byOutcome[outcome]; len(data) > 0 {
			handshakes.AddSeries(string(outcome), data, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 8}))
		}
	}

	page := components.NewPage()
	page.PageTitle = "scanbridge sync"
	page.SetAssetsHost(echartsAssetsHost)
	page.AddCharts(rotations, handshakes)

	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		httputil.WriteJSONError(w, http.StatusInternalServerError, fmt.Sprintf("render chart: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

// maxPlotPoints caps the scatter so a 2048x128 frame still renders quickly.
const maxPlotPoints = 40000

// handleFramePlot renders the latest frame top-down as a PNG.
//
// Query params:
//
//	return (optional, 0 or 1)
//	range  (optional, half-width of the view in metres, default 40)
func (ws *WebServer) handleFramePlot(w http.ResponseWriter, r *http.Request) {
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
	view := 40.0
	if v := r.URL.Query().Get("range"); v != "" {
		if _, err := fmt.Sscanf(v, "%g", &view); err != nil || view <= 0 {
			view = 40
		}
	}

	stride := 1
	if len(f.Points) > maxPlotPoints {
		stride = int(math.Ceil(float64(len(f.Points)) / maxPlotPoints))
	}
	xys := make(plotter.XYs, 0, len(f.Points)/stride+1)
	for i := 0; i < len(f.Points); i += stride {
		p := f.Points[i].Position
		if p.X == 0 && p.Y == 0 && p.Z == 0 {
			continue
		}
		if math.Abs(p.X) > view || math.Abs(p.Y) > view {
			continue
		}
		xys = append(xys, plotter.XY{X: p.X, Y: p.Y})
	}

	pl := plot.New()
	pl.Title.Text = fmt.Sprintf("%s frame %d return %d (%d points)", f.FrameName, f.ScanFrameID, ret, len(xys))
	pl.X.Label.Text = "X (m)"
	pl.Y.Label.Text = "Y (m)"
	pl.X.Min, pl.X.Max = -view, view
	pl.Y.Min, pl.Y.Max = -view, view
	pl.Add(plotter.NewGrid())

	if len(xys) > 0 {
		sc, err := plotter.NewScatter(xys)
		if err != nil {
			httputil.WriteJSONError(w, http.StatusInternalServerError, fmt.Sprintf("build scatter: %v", err))
			return
		}
		sc.GlyphStyle.Shape = draw.CircleGlyph{}
		sc.GlyphStyle.Radius = vg.Points(0.6)
		sc.GlyphStyle.Color = color.RGBA{R: 31, G: 119, B: 180, A: 255}
		pl.Add(sc)
	}

	wt, err := pl.WriterTo(8*vg.Inch, 8*vg.Inch, "png")
	if err != nil {
		httputil.WriteJSONError(w, http.StatusInternalServerError, fmt.Sprintf("render plot: %v", err))
		return
	}
	w.Header().Set("Content-Type", "image/png")
	if _, err := wt.WriteTo(w); err != nil {
		httputil.WriteJSONError(w, http.StatusInternalServerError, fmt.Sprintf("write plot: %v", err))
	}
}
