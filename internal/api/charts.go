package api

import (
	"bytes"
	"fmt"
	"net/http"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
)

const chartSessions = 50

// sessionsChart renders the throughput of recent stream sessions as an HTML
// bar chart using go-echarts.
func (s *Server) sessionsChart(w http.ResponseWriter, r *http.Request) {
	serial := r.URL.Query().Get("serial")
	sessions, err := s.db.RecentSessions(serial, chartSessions)
	if err != nil {
		s.writeError(w, err)
		return
	}

	x := make([]string, 0, len(sessions))
	mb := make([]opts.BarData, 0, len(sessions))
	rate := make([]opts.BarData, 0, len(sessions))
	// oldest on the left
	for i := len(sessions) - 1; i >= 0; i-- {
		sess := sessions[i]
		x = append(x, fmt.Sprintf("%s %s", sess.Serial, sess.StartedAt.Format(time.RFC3339)))
		mb = append(mb, opts.BarData{Value: float64(sess.Bytes) / 1e6})

		mbps := 0.0
		if sess.StoppedAt != nil {
			if secs := sess.StoppedAt.Sub(sess.StartedAt).Seconds(); secs > 0 {
				mbps = float64(sess.Bytes) / 1e6 / secs
			}
		}
		rate = append(rate, opts.BarData{Value: mbps})
	}

	subtitle := "all receivers"
	if serial != "" {
		subtitle = "serial=" + serial
	}
	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Stream sessions", Width: "100%", Height: "600px"}),
		charts.WithTitleOpts(opts.Title{Title: "Stream sessions", Subtitle: fmt.Sprintf("%s sessions=%d", subtitle, len(sessions))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
	)
	bar.SetXAxis(x).
		AddSeries("MB", mb).
		AddSeries("MB/s", rate)

	page := components.NewPage()
	page.AddCharts(bar)

	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("render error: %v", err))
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}
