package api

import (
	"bytes"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/noise.report/internal/httputil"
)

const defaultChartPoints = 2000

// handleSliceChart renders the slice history as an HTML line chart of
// score and average display level. Debug only.
// Query params:
//   - from, to (optional; epoch milliseconds)
//   - max_points (optional; default 2000) to reduce payload size
func (s *Server) handleSliceChart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	from, err := httputil.EpochMsParam(r, "from")
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	to, err := httputil.EpochMsParam(r, "to")
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	maxPoints := defaultChartPoints
	if mp := r.URL.Query().Get("max_points"); mp != "" {
		if v, err := strconv.Atoi(mp); err == nil && v >= 10 && v <= 50000 {
			maxPoints = v
		}
	}

	list := s.svc.History().Range(r.Context(), from, to)
	if len(list) == 0 {
		httputil.NotFound(w, "no slices recorded")
		return
	}

	// Downsample by stride to stay within maxPoints
	stride := 1
	if len(list) > maxPoints {
		stride = int(math.Ceil(float64(len(list)) / float64(maxPoints)))
	}

	x := make([]string, 0, len(list)/stride+1)
	scores := make([]opts.LineData, 0, cap(x))
	levels := make([]opts.LineData, 0, cap(x))
	for i := 0; i < len(list); i += stride {
		sum := list[i]
		x = append(x, sum.Start.Local().Format("01-02 15:04:05"))
		scores = append(scores, opts.LineData{Value: sum.Score})
		levels = append(levels, opts.LineData{Value: sum.Display.AvgDb})
	}

	first, last := list[0].Start, list[len(list)-1].End
	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Noise slices", Width: "100%", Height: "600px", AssetsHost: s.chartAssetsHost}),
		charts.WithTitleOpts(opts.Title{
			Title:    "Slice scores",
			Subtitle: fmt.Sprintf("%s to %s, slices=%d stride=%d", first.Format(time.RFC3339), last.Format(time.RFC3339), len(list), stride),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithYAxisOpts(opts.YAxis{Name: "score / dB", Min: 0, Max: 100}),
		charts.WithDataZoomOpts(opts.DataZoom{Type: "slider", Start: 0, End: 100}),
	)
	noSymbols := charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(false)})
	line.SetXAxis(x).
		AddSeries("score", scores, noSymbols).
		AddSeries("avg dB", levels, noSymbols)

	page := components.NewPage()
	if s.chartAssetsHost != "" {
		page.SetAssetsHost(s.chartAssetsHost)
	}
	page.AddCharts(line)

	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("render error: %v", err))
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}
