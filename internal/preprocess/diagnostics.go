package preprocess

import (
	"fmt"
	"io"
	"strconv"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
)

// RenderDiagnostics writes an HTML page comparing the mean wave before and
// after preprocessing. start and end mark the detected crop window inside the
// raw traces.
func RenderDiagnostics(w io.Writer, raw, processed [][]float64, start, end int) error {
	meanBefore := MeanWave(raw)
	meanAfter := MeanWave(processed)
	if meanBefore == nil || meanAfter == nil {
		return fmt.Errorf("nothing to plot")
	}

	page := components.NewPage()
	page.AddCharts(
		meanWaveLine("Mean wave (raw)",
			fmt.Sprintf("traces=%d window=[%d,%d)", len(raw), start, end), meanBefore),
		meanWaveLine("Mean wave (processed)",
			fmt.Sprintf("traces=%d samples=%d", len(processed), len(meanAfter)), meanAfter),
	)
	return page.Render(w)
}

func meanWaveLine(title, subtitle string, wave []float64) *charts.Line {
	x := make([]string, len(wave))
	y := make([]opts.LineData, len(wave))
	for i, v := range wave {
		x[i] = strconv.Itoa(i)
		y[i] = opts.LineData{Value: v}
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "1200px", Height: "400px"}),
		charts.WithTitleOpts(opts.Title{Title: title, Subtitle: subtitle}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "sample"}),
		charts.WithYAxisOpts(opts.YAxis{Name: "amplitude"}),
	)
	line.SetXAxis(x).AddSeries("mean", y,
		charts.WithLineChartOpts(opts.LineChart{Smooth: opts.Bool(false)}))
	return line
}
