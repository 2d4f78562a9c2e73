// Package report renders post-session visualizations and summary
// statistics from a live-timing board: a per-device lap-time line
// chart and percentile lap-time summaries, grounded in the teacher's
// own use of go-echarts for debug dashboards and gonum/stat for
// percentile aggregation.
package report

import (
	"bytes"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
	"gonum.org/v1/gonum/stat"

	"github.com/lapviz/laptimer/board"
	"github.com/lapviz/laptimer/geo"
	"github.com/lapviz/laptimer/internal/units"
	"github.com/lapviz/laptimer/session"
)

// Percentiles reports the 50th, 85th, and 95th percentile lap times
// across times, using the empirical quantile estimator exactly as the
// teacher's own percentile-speed aggregation does.
func Percentiles(times []time.Duration) (p50, p85, p95 time.Duration, err error) {
	if len(times) == 0 {
		return 0, 0, 0, fmt.Errorf("report: no lap times to summarize")
	}
	sorted := make([]float64, len(times))
	for i, t := range times {
		sorted[i] = float64(t)
	}
	sort.Float64s(sorted)

	p50 = time.Duration(stat.Quantile(0.50, stat.Empirical, sorted, nil))
	p85 = time.Duration(stat.Quantile(0.85, stat.Empirical, sorted, nil))
	p95 = time.Duration(stat.Quantile(0.95, stat.Empirical, sorted, nil))
	return p50, p85, p95, nil
}

// RenderLapChart renders an HTML line chart of every device's lap times
// over the course of a session, one series per device, to w.
func RenderLapChart(b *board.SessionBoard, w io.Writer) error {
	devices := b.Devices()
	if len(devices) == 0 {
		return fmt.Errorf("report: no devices on board %s", b.SessionID)
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Lap Times", Theme: "white"}),
		charts.WithTitleOpts(opts.Title{Title: "Lap Times", Subtitle: b.SessionID}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithYAxisOpts(opts.YAxis{Name: "Lap Time (s)"}),
		charts.WithXAxisOpts(opts.XAxis{Name: "Lap"}),
	)

	maxLaps := 0
	for _, dv := range devices {
		if dv.IsDeleted() {
			continue
		}
		n := lapCount(dv)
		if n > maxLaps {
			maxLaps = n
		}
	}
	laps := make([]string, maxLaps)
	for i := range laps {
		laps[i] = fmt.Sprintf("%d", i+1)
	}
	line.SetXAxis(laps)

	for _, dv := range devices {
		if dv.IsDeleted() {
			continue
		}
		series := make([]opts.LineData, maxLaps)
		for _, e := range dv.Events {
			if e.IsDeleted() || e.Type != session.Lap {
				continue
			}
			if idx := int(e.Lap) - 1; idx >= 0 && idx < maxLaps {
				series[idx] = opts.LineData{Value: e.Time.Seconds()}
			}
		}
		line.AddSeries(dv.Info.DisplayName, series)
	}

	var buf bytes.Buffer
	if err := line.Render(&buf); err != nil {
		return fmt.Errorf("report: render lap chart: %w", err)
	}
	_, err := w.Write(buf.Bytes())
	return err
}

// SpeedSummary reduces a device's recorded telemetry fixes to a max and
// mean speed in targetUnit, converting from the m/s the fixes are
// recorded in. Fixes without a speed channel are skipped.
func SpeedSummary(fixes []geo.Fix, targetUnit string) (max, mean float64, err error) {
	if !units.IsValid(targetUnit) {
		return 0, 0, fmt.Errorf("report: unsupported speed unit %q, want one of %s", targetUnit, units.GetValidUnitsString())
	}

	var sum float64
	var n int
	for _, f := range fixes {
		if f.Speed == nil {
			continue
		}
		converted := units.ConvertSpeed(*f.Speed, targetUnit)
		if converted > max {
			max = converted
		}
		sum += converted
		n++
	}
	if n == 0 {
		return 0, 0, fmt.Errorf("report: no speed samples to summarize")
	}
	return max, sum / float64(n), nil
}

func lapCount(dv *board.DeviceView) int {
	max := 0
	for _, e := range dv.Events {
		if e.IsDeleted() || e.Type != session.Lap {
			continue
		}
		if int(e.Lap) > max {
			max = int(e.Lap)
		}
	}
	return max
}
