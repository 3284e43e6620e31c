package api

import (
	"bytes"
	"fmt"
	"net/http"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/beacon.report/internal/httputil"
	"github.com/banshee-data/beacon.report/internal/registry"
)

// rssiFloor is the bottom of the chart axis: the weakest reading a frame can
// carry.
const rssiFloor = -128

// barHeight is the bar value for rssi, never negative.
func barHeight(rssi int) int {
	return max(0, rssi-rssiFloor)
}

// showChart renders the latest RSSI of every known device as a bar chart.
// Bars are drawn as height above rssiFloor so stronger signals stand taller;
// the label carries the real dBm value.
func (s *Server) showChart(w http.ResponseWriter, r *http.Request) {
	records := s.reg.Snapshot()

	x := make([]string, 0, len(records))
	connected := make([]opts.BarData, 0, len(records))
	disconnected := make([]opts.BarData, 0, len(records))
	for _, rec := range records {
		x = append(x, rec.ID)
		bar := opts.BarData{
			Name:  fmt.Sprintf("%d dBm", rec.RSSI),
			Value: barHeight(rec.RSSI),
		}
		if rec.State == registry.Connected {
			connected = append(connected, bar)
			disconnected = append(disconnected, opts.BarData{Value: 0})
		} else {
			connected = append(connected, opts.BarData{Value: 0})
			disconnected = append(disconnected, bar)
		}
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Beacon RSSI", Width: "100%", Height: "720px"}),
		charts.WithTitleOpts(opts.Title{
			Title:    "Beacon RSSI",
			Subtitle: fmt.Sprintf("devices=%d height=dBm above %d", len(records), rssiFloor),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
	)
	stack := charts.WithBarChartOpts(opts.BarChart{Stack: "state"})
	bar.SetXAxis(x).
		AddSeries(registry.Connected.String(), connected, stack,
			charts.WithLabelOpts(opts.Label{Show: opts.Bool(true), Position: "top"}),
		).
		AddSeries(registry.Disconnected.String(), disconnected, stack)

	page := components.NewPage()
	page.AddCharts(bar)

	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("render error: %v", err))
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}
