package web

import (
	"fmt"
	"html/template"
	"image"
	"image/color"
	"image/png"
	"log"
	"math"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/jnb666/deepemotion/img"
	"github.com/jnb666/deepemotion/nnet"
	"github.com/jnb666/deepemotion/num"
	"gonum.org/v1/plot/palette"
	"gonum.org/v1/plot/palette/moreland"
)

// layout of the activation and weight mosaics
const (
	aspectOutput     = 0.125
	aspectWeights    = 0.25
	factorMinOutput  = 20
	factorMinWeights = 20
	scaleWidth       = 20
)

// viewData is a copy of the network with batch size 1 used to show the activations for a single image.
type viewData struct {
	*nnet.Network
	queue   num.Queue
	dset    string
	data    nnet.Data
	trans   *img.Transformer
	input   num.Array
	inData  []float32
	probs   []float32
	outputs []viewImage
	weights []viewImage
}

type viewImage struct {
	name  string
	shape []int
	image *image.NRGBA
}

func newViewData(dev num.Device, data map[string]nnet.Data, conf nnet.Config, rng *rand.Rand) (v *viewData, err error) {
	v = &viewData{queue: dev.NewQueue(), dset: "test"}
	if v.data = data["test"]; v.data == nil {
		v.dset, v.data = "train", data["train"]
	}
	shape := v.data.Shape()
	if v.Network, err = nnet.New(v.queue, conf, 1, shape, rng); err != nil {
		return nil, err
	}
	if d, ok := v.data.(*img.Data); ok && conf.Normalise {
		v.trans = img.NewTransformer(d, img.Normalise, rng)
	}
	v.inData = make([]float32, num.Prod(shape))
	v.input = dev.NewArray(num.Float32, append([]int{1}, shape...)...)
	return v, nil
}

func (v *viewData) loadWeights(net *nnet.Network) {
	net.CopyTo(v.Network)
}

// update runs the image at index through the network and draws each of the named activations
func (v *viewData) update(index int) error {
	v.data.Input([]int{index}, v.inData, v.trans)
	v.queue.Call(num.Write(v.input, v.inData))
	spec, err := v.ModelFn(nnet.ModePredict, nnet.Batch{X: v.input, Index: []int{index}, Valid: 1}, nil)
	if err != nil {
		return err
	}
	v.probs = spec.Predictions.Probabilities[0]
	v.outputs = v.outputs[:0]
	for _, name := range v.ActivationNames() {
		act := spec.Predictions.Activations[name]
		v.outputs = append(v.outputs, outputImage(name, act.Shape, act.Data[0]))
	}
	return nil
}

// updateWeights draws each weight matrix, biases are skipped
func (v *viewData) updateWeights() {
	v.weights = v.weights[:0]
	for _, p := range v.Params() {
		if dims := p.Value.Dims(); len(dims) >= 2 {
			data := make([]float32, p.Value.Size())
			v.queue.Call(num.Read(p.Value, data)).Finish()
			v.weights = append(v.weights, weightImage(p.Name, dims, data))
		}
	}
}

// mosaic is a grid of equal sized blocks separated by a one pixel gap
type mosaic struct {
	cols, bw, bh int
	image        *image.NRGBA
}

func newMosaic(blocks, bw, bh, nmin int, aspect float64) *mosaic {
	rows, cols := factorise(blocks, nmin, aspect)
	m := &mosaic{cols: cols, bw: bw, bh: bh}
	m.image = image.NewNRGBA(image.Rect(0, 0, (bw+1)*cols, (bh+1)*rows))
	return m
}

// set pixel i in row major order within the block
func (m *mosaic) set(block, i int, c color.Color) {
	x := (m.bw+1)*(block%m.cols) + i%m.bw + 1
	y := (m.bh+1)*(block/m.cols) + i/m.bw + 1
	m.image.Set(x, y, c)
}

// outputImage draws each channel of a [C,H,W] activation as a separate block
func outputImage(name string, shape []int, data []float32) viewImage {
	if len(shape) != 3 {
		log.Printf("outputImage: %s shape %v not supported", name, shape)
		return viewImage{name: name, shape: shape}
	}
	nc, h, w := shape[0], shape[1], shape[2]
	var vmax float64
	for _, x := range data {
		vmax = max(vmax, float64(x))
	}
	if vmax == 0 {
		vmax = 1
	}
	cmap := colorMap(moreland.BlackBody(), 0, vmax)
	m := newMosaic(nc, w, h, factorMinOutput, aspectOutput)
	for i, x := range data[:nc*h*w] {
		m.set(i/(h*w), i%(h*w), colorAt(cmap, float64(x)))
	}
	return viewImage{name: name, shape: shape, image: m.image}
}

// weightImage draws conv filters [F,C,kh,kw] averaged over the input channels, or a linear weight
// matrix [in,out] with one block for each output
func weightImage(name string, dims []int, data []float32) viewImage {
	var blocks, bw, bh int
	var value func(block, i int) float32
	switch len(dims) {
	case 4:
		nc, k := dims[1], dims[2]*dims[3]
		blocks, bh, bw = dims[0], dims[2], dims[3]
		value = func(block, i int) float32 {
			var sum float32
			for c := 0; c < nc; c++ {
				sum += data[(block*nc+c)*k+i]
			}
			return sum / float32(nc)
		}
	case 2:
		nout := dims[1]
		blocks = nout
		bh, bw = factorise(dims[0], 0, 1)
		value = func(block, i int) float32 { return data[i*nout+block] }
	default:
		return viewImage{name: name, shape: dims}
	}
	var scale float64
	for _, x := range data {
		scale = max(scale, math.Abs(float64(x)))
	}
	if scale == 0 {
		scale = 1
	}
	cmap := colorMap(moreland.SmoothBlueRed(), -scale, scale)
	m := newMosaic(blocks, bw, bh, factorMinWeights, aspectWeights)
	for b := 0; b < blocks; b++ {
		for i := 0; i < bw*bh; i++ {
			m.set(b, i, colorAt(cmap, float64(value(b, i))))
		}
	}
	return viewImage{name: name, shape: dims, image: m.image}
}

// factorise returns f1, f2 where f1*f2 = n and f1 <= aspect * f2 if n > nmin, else 1, n
func factorise(n, nmin int, aspect float64) (f1, f2 int) {
	if n < 1 {
		panic("factorise: input must be >= 1")
	}
	if n <= nmin {
		return 1, n
	}
	for f1 = int(math.Sqrt(float64(n) * aspect)); f1 > 1; f1-- {
		if n%f1 == 0 {
			return f1, n / f1
		}
	}
	return 1, n
}

func colorMap(cmap palette.ColorMap, lo, hi float64) palette.ColorMap {
	cmap.SetMin(lo)
	cmap.SetMax(hi)
	return cmap
}

// colorAt clamps v to the range of the color map
func colorAt(cmap palette.ColorMap, v float64) color.Color {
	c, err := cmap.At(min(max(v, cmap.Min()), cmap.Max()))
	if err != nil {
		return color.Black
	}
	return c
}

// ViewPage shows the activations for one image or the network weights.
type ViewPage struct {
	*Templates
	Page  string
	Index int
	net   *Network
}

// LayerInfo is one row on the view page: an image and or a list of values.
type LayerInfo struct {
	Desc   string
	Image  string
	Values []template.HTML
	Width  int
}

func NewViewPage(t *Templates, net *Network) *ViewPage {
	p := &ViewPage{Templates: t, Index: 1, net: net}
	p.AddOption(Link{Name: "prev", Url: "./prev"})
	p.AddOption(Link{Name: "next", Url: "./next"})
	return p
}

// Handler for /view/{page}/
func (p *ViewPage) Base() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		p.net.Lock()
		defer p.net.Unlock()
		p.Page = mux.Vars(r)["page"]
		p.Select("/view/")
		p.Heading = p.net.heading()
		p.Dropdown = p.Dropdown[:0]
		for _, page := range []string{"outputs", "weights"} {
			p.Dropdown = append(p.Dropdown, Link{Name: page, Url: "/view/" + page + "/", Selected: p.Page == page})
		}
		p.Toplevel = true
		p.Exec(w, "view", p)
	}
}

// Handler to step to the previous or next image
func (p *ViewPage) Setopt() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		p.net.Lock()
		defer p.net.Unlock()
		vars := mux.Vars(r)
		n := p.net.view.data.Len()
		switch vars["opt"] {
		case "prev":
			p.Index = mod(p.Index-1, 1, n)
		case "next":
			p.Index = mod(p.Index+1, 1, n)
		}
		http.Redirect(w, r, "/view/"+vars["page"]+"/", http.StatusFound)
	}
}

// Handler for the frame with the layer images
func (p *ViewPage) Network() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		p.net.Lock()
		defer p.net.Unlock()
		p.Page = mux.Vars(r)["page"]
		if p.Page == "weights" {
			p.net.view.updateWeights()
		} else if err := p.net.view.update(p.Index - 1); err != nil {
			logError(w, err)
			return
		}
		p.Toplevel = false
		p.Exec(w, "net", p)
	}
}

// Layers lists the rows to show for the current page
func (p *ViewPage) Layers() []LayerInfo {
	v := p.net.view
	// timestamp so the browser does not cache the images
	ts := time.Now().UnixNano()
	var info []LayerInfo
	images := v.weights
	if p.Page == "outputs" {
		classes := v.data.Classes()
		label := classes[p.net.Labels[v.dset][p.Index-1]]
		info = append(info, LayerInfo{
			Desc:  fmt.Sprintf("input %d %v => %s", p.Index, v.data.Shape(), label),
			Image: fmt.Sprintf("/img/%s/%d", v.dset, p.Index),
			Width: 5,
		})
		images = v.outputs
	}
	for i, l := range images {
		width := 100
		if l.image != nil && l.image.Bounds().Dx() <= scaleWidth {
			width = 50
		}
		info = append(info, LayerInfo{
			Desc:  fmt.Sprintf("%s %v", l.name, l.shape),
			Image: fmt.Sprintf("/net/%s/%d?ts=%d", p.Page, i, ts),
			Width: width,
		})
	}
	if p.Page == "outputs" {
		probs := LayerInfo{Desc: "output probabilities"}
		for i, val := range v.probs {
			g := int(255 * (1 - val))
			probs.Values = append(probs.Values, template.HTML(fmt.Sprintf(`<span style="color:#%02x%02x%02x;">%s %.2f</span>`,
				g, g, g, template.HTMLEscapeString(v.data.Classes()[i]), val)))
		}
		info = append(info, probs)
	}
	return info
}

// Handler for /net/{page}/{layer}: PNG of the activation or weight mosaic
func (p *ViewPage) Image() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		p.net.Lock()
		defer p.net.Unlock()
		vars := mux.Vars(r)
		ix, _ := strconv.Atoi(vars["layer"])
		list := p.net.view.outputs
		if vars["page"] == "weights" {
			list = p.net.view.weights
		}
		if ix >= len(list) || list[ix].image == nil {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		png.Encode(w, list[ix].image)
	}
}
