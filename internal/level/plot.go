package level

import (
	"fmt"
	"io"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// WritePNG renders readings as a dBFS over time line plot.
func WritePNG(w io.Writer, title string, readings []Reading) error {
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "Seconds"
	p.Y.Label.Text = "dBFS"
	p.Add(plotter.NewGrid())

	if len(readings) > 0 {
		start := readings[0].Time
		pts := make(plotter.XYs, 0, len(readings))
		for _, r := range readings {
			pts = append(pts, plotter.XY{X: r.Time.Sub(start).Seconds(), Y: r.DBFS})
		}
		line, err := plotter.NewLine(pts)
		if err != nil {
			return fmt.Errorf("failed to create line: %w", err)
		}
		line.Width = vg.Points(1)
		p.Add(line)
	}

	wt, err := p.WriterTo(8*vg.Inch, 4*vg.Inch, "png")
	if err != nil {
		return fmt.Errorf("failed to render plot: %w", err)
	}
	_, err = wt.WriteTo(w)
	return err
}
