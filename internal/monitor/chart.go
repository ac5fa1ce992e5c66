package monitor

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/ultralight/internal/db"
	"github.com/banshee-data/ultralight/internal/httputil"
	"github.com/banshee-data/ultralight/internal/pipeline"
)

// series holds the chart points of one channel. Absent readings are gaps.
type series struct {
	raw, filtered []opts.LineData
}

// readingSeries groups "reading" telemetry by channel, preserving first-seen
// order. Rows whose fields do not decode are skipped.
func readingSeries(recs []db.TelemetryRecord) ([]string, map[string]*series) {
	var order []string
	out := make(map[string]*series)
	for _, rec := range recs {
		var fields []any
		if err := json.Unmarshal(rec.Fields, &fields); err != nil || len(fields) < 3 {
			continue
		}
		name, ok := fields[0].(string)
		if !ok {
			continue
		}
		s, ok := out[name]
		if !ok {
			s = &series{}
			out[name] = s
			order = append(order, name)
		}
		ms := rec.Time.UnixMilli()
		s.raw = append(s.raw, point(ms, fields[1]))
		s.filtered = append(s.filtered, point(ms, fields[2]))
	}
	return order, out
}

func point(ms int64, v any) opts.LineData {
	if f, ok := v.(float64); ok {
		return opts.LineData{Value: []any{ms, f}}
	}
	// echarts draws "-" as a gap.
	return opts.LineData{Value: []any{ms, "-"}}
}

func (s *Server) handleChart(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		httputil.WriteJSONError(w, http.StatusServiceUnavailable, "no database configured")
		return
	}
	limit, err := queryLimit(r, 3000, 50000)
	if err != nil {
		httputil.WriteJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	recs, err := s.store.RecentTelemetry(pipeline.KindReading, limit)
	if err != nil {
		httputil.WriteJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to load telemetry: %v", err))
		return
	}
	order, bySensor := readingSeries(recs)
	if len(order) == 0 {
		httputil.WriteJSONError(w, http.StatusNotFound, "no readings recorded")
		return
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "ultralight distances", Width: "1200px", Height: "600px"}),
		charts.WithTitleOpts(opts.Title{Title: "Distance", Subtitle: fmt.Sprintf("%d readings", len(recs))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Type: "time", Name: "time"}),
		charts.WithYAxisOpts(opts.YAxis{Name: "distance (m)"}),
		charts.WithDataZoomOpts(opts.DataZoom{Type: "slider"}),
	)
	for _, name := range order {
		line.AddSeries(name+" raw", bySensor[name].raw)
		line.AddSeries(name+" filtered", bySensor[name].filtered)
	}

	var buf bytes.Buffer
	if err := line.Render(&buf); err != nil {
		httputil.WriteJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to render chart: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}
