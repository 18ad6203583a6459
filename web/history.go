package web

import (
	"html/template"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/jnb666/deepemotion/summary"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
)

// Page to plot the summaries written during training
type HistoryPage struct {
	*Templates
	Tag    string
	Step   int
	Runs   int
	Hist   *summary.Histogram
	net    *Network
	events []summary.Event
}

type PlotInfo struct {
	Tag  string
	Plot template.HTML
}

// Base data for handler functions to view the training summaries
func NewHistoryPage(t *Templates, net *Network) *HistoryPage {
	p := &HistoryPage{net: net, Templates: t}
	p.AddOption(Link{Name: "reload", Url: "/history/"})
	return p
}

// Handler function for the history page, reloads the events file
func (p *HistoryPage) Base() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		p.net.Lock()
		defer p.net.Unlock()
		p.Select("/history/")
		p.Heading = p.net.heading()
		p.events = nil
		p.Messages = nil
		if p.net.writer != nil {
			p.net.writer.Flush()
		}
		if dir := p.net.LogDir; dir != "" {
			var err error
			if p.events, err = summary.ReadEvents(dir); err != nil {
				p.Messages = append(p.Messages, err.Error())
			}
		}
		p.Runs = len(summary.Runs(p.events))
		tags := summary.Tags(p.events, summary.HistogramKind)
		p.Tag = mux.Vars(r)["tag"]
		p.Dropdown = nil
		for _, tag := range tags {
			p.Dropdown = append(p.Dropdown, Link{Name: tag, Url: "/history/" + tag, Selected: tag == p.Tag})
		}
		p.Step, p.Hist = summary.LatestHistogram(p.events, p.Tag)
		p.Toplevel = true
		p.Exec(w, "history", p)
	}
}

// Plots of the scalar values by step
func (p *HistoryPage) Scalars(width, height int) []PlotInfo {
	var res []PlotInfo
	for i, tag := range summary.Tags(p.events, summary.ScalarKind) {
		if p.Tag != "" && !strings.HasPrefix(tag, p.Tag+"/") {
			continue
		}
		if p.Tag == "" && strings.Contains(tag, "/") {
			continue
		}
		steps, values := summary.Scalars(p.events, tag)
		pts := make(plotter.XYs, len(steps))
		for j := range steps {
			pts[j].X, pts[j].Y = float64(steps[j]), values[j]
		}
		plt := newPlot("step", "")
		addLine(plt, tag, pts, i)
		res = append(res, PlotInfo{Tag: tag, Plot: svgPlot(plt, width, height)})
	}
	return res
}

// Plot of the latest histogram for the selected tag
func (p *HistoryPage) HistPlot(width, height int) template.HTML {
	if p.Hist == nil || len(p.Hist.Counts) == 0 {
		return ""
	}
	plt := newPlot(p.Tag, "count")
	h := &plotter.Histogram{FillColor: plotutil.Color(2), LineStyle: plotter.DefaultLineStyle}
	for i, count := range p.Hist.Counts {
		h.Bins = append(h.Bins, plotter.HistogramBin{Min: p.Hist.Edges[i], Max: p.Hist.Edges[i+1], Weight: count})
	}
	h.Width = p.Hist.Edges[1] - p.Hist.Edges[0]
	plt.Add(h)
	return svgPlot(plt, width, height)
}
