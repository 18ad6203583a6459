package web

import (
	"bytes"
	"fmt"
	"html/template"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/jnb666/deepemotion/nnet"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
	"gonum.org/v1/plot/vg/vgsvg"
)

var upgrader = websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024}

// TrainPage runs the training loop in the background and shows the progress.
type TrainPage struct {
	*Templates
	net *Network
}

func NewTrainPage(t *Templates, net *Network) *TrainPage {
	p := &TrainPage{Templates: t.Select("/train/"), net: net}
	for _, cmd := range []string{"start", "stop", "continue"} {
		p.AddOption(Link{Name: cmd, Url: "/train/" + cmd})
	}
	return p
}

// Handler for /train/{cmd}: start a new run, stop after the current epoch or continue from the last
// checkpoint. With no command the page is displayed.
func (p *TrainPage) Base() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		p.net.Lock()
		defer p.net.Unlock()
		cmd := mux.Vars(r)["cmd"]
		switch {
		case cmd == "":
			p.Heading = p.net.heading()
			p.Toplevel = true
			p.Exec(w, "train", p)
			return
		case cmd == "stop":
			p.net.stop = p.net.running
		case p.net.running:
			log.Printf("train %s: already running", cmd)
		default:
			if err := p.net.Train(cmd == "start"); err != nil {
				logError(w, err)
				return
			}
		}
		http.Redirect(w, r, "/train/", http.StatusFound)
	}
}

// Handler for the stats frame which is reloaded after each epoch
func (p *TrainPage) Stats() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		p.net.Lock()
		defer p.net.Unlock()
		p.Toplevel = false
		p.Exec(w, "stats", p)
	}
}

// Handler for the websocket used to notify the page at the end of each epoch
func (p *TrainPage) Websocket() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Println("websocket upgrade:", err)
			return
		}
		p.net.clients.add(conn)
	}
}

func (p *TrainPage) Headers() []string {
	return p.net.tester.Headers
}

// LatestStats returns up to n entries, most recent first
func (p *TrainPage) LatestStats(n int) []nnet.Stats {
	stats := p.net.tester.Stats
	res := make([]nnet.Stats, 0, n)
	for i := len(stats) - 1; i >= 0 && len(res) < n; i-- {
		res = append(res, stats[i])
	}
	return res
}

func (p *TrainPage) RunTime() string {
	if n := len(p.net.tester.Stats); n > 0 {
		return "run time: " + p.net.tester.Stats[n-1].Elapsed.Round(10*time.Millisecond).String()
	}
	return ""
}

func (p *TrainPage) LossPlot(width, height int) template.HTML {
	return statsPlot(p.net.tester.Stats, []string{"training loss"}, 0, 1, "loss", width, height)
}

func (p *TrainPage) AccuracyPlot(width, height int) template.HTML {
	return statsPlot(p.net.tester.Stats, p.Headers()[1:], 1, 100, "accuracy %", width, height)
}

// line plot of stats values from column first onwards against epoch as inline SVG
func statsPlot(stats []nnet.Stats, names []string, first int, scale float64, ylabel string, w, h int) template.HTML {
	plt := newPlot("epoch", ylabel)
	for i, name := range names {
		pts := make(plotter.XYs, len(stats))
		for j, s := range stats {
			pts[j].X, pts[j].Y = float64(s.Epoch), scale*s.Values[first+i]
		}
		addLine(plt, name, pts, first+i)
	}
	plt.Y.Min = 0
	plt.X.Max = max(plt.X.Max, 1)
	return svgPlot(plt, w, h)
}

func newPlot(xlabel, ylabel string) *plot.Plot {
	plt := plot.New()
	plt.X.Label.Text, plt.Y.Label.Text = xlabel, ylabel
	plt.X.Padding, plt.Y.Padding = 0, 0
	plt.Legend.Top = true
	plt.Add(plotter.NewGrid())
	return plt
}

func addLine(plt *plot.Plot, name string, pts plotter.XYs, col int) {
	if len(pts) == 0 {
		return
	}
	line, err := plotter.NewLine(pts)
	if err != nil {
		log.Println("plot:", err)
		return
	}
	line.Width = vg.Points(2)
	line.Color = plotutil.Color(col)
	plt.Add(line)
	plt.Legend.Add(name, line)
}

// render the plot as SVG with size in pixels
func svgPlot(plt *plot.Plot, w, h int) template.HTML {
	var buf bytes.Buffer
	svg := vgsvg.New(vg.Length(w)*vg.Inch/vgsvg.DPI, vg.Length(h)*vg.Inch/vgsvg.DPI)
	plt.Draw(draw.New(svg))
	if _, err := svg.WriteTo(&buf); err != nil {
		return template.HTML(fmt.Sprintf("<p>plot error: %s</p>", template.HTMLEscapeString(err.Error())))
	}
	return template.HTML(buf.String())
}

// clients is the set of open websocket connections
type clients struct {
	sync.Mutex
	conns map[*websocket.Conn]bool
}

func (c *clients) add(conn *websocket.Conn) {
	c.Lock()
	if c.conns == nil {
		c.conns = map[*websocket.Conn]bool{}
	}
	c.conns[conn] = true
	c.Unlock()
	// the page never sends anything, a read error means the connection is closed
	go func() {
		for {
			if _, _, err := conn.NextReader(); err != nil {
				c.remove(conn)
				return
			}
		}
	}()
}

func (c *clients) remove(conn *websocket.Conn) {
	c.Lock()
	defer c.Unlock()
	if c.conns[conn] {
		delete(c.conns, conn)
		conn.Close()
	}
}

// send a text message to every client, dropping any which fail
func (c *clients) send(msg string) {
	c.Lock()
	var failed []*websocket.Conn
	for conn := range c.conns {
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
			log.Println("websocket write:", err)
			failed = append(failed, conn)
		}
	}
	c.Unlock()
	for _, conn := range failed {
		c.remove(conn)
	}
}
