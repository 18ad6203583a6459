package web

import (
	"fmt"
	"image/png"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/jnb666/deepemotion/img"
)

// ImagePage shows a grid of faces from one data set, optionally filtered by class and to
// the misclassified images only.
type ImagePage struct {
	*Templates
	Dset    string
	Class   int
	Page    int
	Pages   int
	Total   int
	Wrong   int
	Errors  bool
	Distort bool
	Nonce   int64
	Rows    []int
	Cols    []int
	Width   int
	Height  int
	net     *Network
	shown   []int
}

func NewImagePage(t *Templates, net *Network, scale float64, rows, cols int) *ImagePage {
	p := &ImagePage{Templates: t, net: net, Page: 1, Rows: seq(rows), Cols: seq(cols)}
	for _, opt := range []string{"all", "errors", "prev", "next", "distort"} {
		p.AddOption(Link{Name: opt, Url: "./" + opt})
	}
	shape := net.Data["train"].Shape()
	p.Height = int(scale * float64(shape[1]))
	p.Width = int(scale * float64(shape[2]))
	return p
}

// Handler for /images/{dset}/{class}, class 0 selects all classes
func (p *ImagePage) Base() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		p.net.Lock()
		defer p.net.Unlock()
		vars := mux.Vars(r)
		d, ok := p.net.Data[vars["dset"]]
		if !ok {
			http.NotFound(w, r)
			return
		}
		p.Dset = vars["dset"]
		p.Class, _ = strconv.Atoi(vars["class"])
		p.filter()
		p.Page = min(max(p.Page, 1), p.Pages)

		opts := []string{"all"}
		if p.Errors {
			opts[0] = "errors"
		}
		if p.Distort {
			opts = append(opts, "distort")
			p.Nonce = time.Now().UnixNano()
		}
		p.Select("/images/").SelectOptions(opts)
		p.Heading = p.net.heading()
		p.Dropdown = p.classLinks(d.Classes())
		p.Toplevel = true
		p.Exec(w, "images", p)
	}
}

// Handler for the option links, redirects back to the grid
func (p *ImagePage) Setopt() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		p.net.Lock()
		defer p.net.Unlock()
		vars := mux.Vars(r)
		p.Dset = vars["dset"]
		p.filter()
		switch vars["opt"] {
		case "all", "errors":
			p.Errors = vars["opt"] == "errors"
			p.Page = 1
		case "prev":
			p.Page = mod(p.Page-1, 1, p.Pages)
		case "next":
			p.Page = mod(p.Page+1, 1, p.Pages)
		case "distort":
			p.Distort = !p.Distort
		}
		http.Redirect(w, r, fmt.Sprintf("/images/%s/%d", p.Dset, p.Class), http.StatusFound)
	}
}

// dropdown entry per class with the number of images and errors
func (p *ImagePage) classLinks(classes []string) []Link {
	labels, pred := p.net.Labels[p.Dset], p.net.Pred[p.Dset]
	count := make([]int, len(classes))
	wrong := make([]int, len(classes))
	for i, lab := range labels {
		count[lab]++
		if i < len(pred) && pred[i] != lab {
			wrong[lab]++
		}
	}
	base := "/images/" + p.Dset + "/"
	links := []Link{{Name: fmt.Sprintf("all classes (%d)", len(labels)), Url: base + "0", Selected: p.Class == 0}}
	for i, name := range classes {
		if len(pred) > 0 {
			name = fmt.Sprintf("%s (%d, %d errors)", name, count[i], wrong[i])
		} else {
			name = fmt.Sprintf("%s (%d)", name, count[i])
		}
		links = append(links, Link{Name: name, Url: base + strconv.Itoa(i+1), Selected: p.Class == i+1})
	}
	return links
}

// select the images for the current class and error settings
func (p *ImagePage) filter() {
	labels, pred := p.net.Labels[p.Dset], p.net.Pred[p.Dset]
	p.shown = p.shown[:0]
	p.Wrong = 0
	for i, lab := range labels {
		if p.Class > 0 && int(lab) != p.Class-1 {
			continue
		}
		wrong := i < len(pred) && pred[i] != lab
		if wrong {
			p.Wrong++
		}
		if !p.Errors || wrong {
			p.shown = append(p.shown, i)
		}
	}
	p.Total = len(p.shown)
	perPage := len(p.Rows) * len(p.Cols)
	p.Pages = max(1, (p.Total+perPage-1)/perPage)
}

// Image number at the grid position on the current page, starting from 1. Zero if the cell is empty.
func (p *ImagePage) Index(row, col int) int {
	i := ((p.Page-1)*len(p.Rows)+row)*len(p.Cols) + col
	if i < len(p.shown) {
		return p.shown[i] + 1
	}
	return 0
}

// Class name for image i, followed by the prediction if it is wrong
func (p *ImagePage) Label(i int) string {
	classes := p.net.Data[p.Dset].Classes()
	lab, pred := p.classes(i)
	if lab < 0 {
		return ""
	}
	if pred >= 0 && pred != lab {
		return classes[lab] + " => " + classes[pred]
	}
	return classes[lab]
}

// label and predicted class of image i, -1 if not known
func (p *ImagePage) classes(i int) (lab, pred int) {
	lab, pred = -1, -1
	if labels := p.net.Labels[p.Dset]; i >= 1 && i <= len(labels) {
		lab = int(labels[i-1])
	}
	if preds := p.net.Pred[p.Dset]; i >= 1 && i <= len(preds) {
		pred = int(preds[i-1])
	}
	return lab, pred
}

// Handler for /img/{dset}/{id}: PNG of one face, tinted red if misclassified. If the d parameter is
// set then a random distortion is applied first.
func (p *ImagePage) Image() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		p.net.Lock()
		defer p.net.Unlock()
		vars := mux.Vars(r)
		id, _ := strconv.Atoi(vars["id"])
		data, ok := p.net.Data[vars["dset"]].(*img.Data)
		if !ok || id < 1 || id > data.Len() {
			http.NotFound(w, r)
			return
		}
		face := data.Image(id - 1)
		if r.FormValue("d") != "" && p.net.distort != nil {
			var err error
			if face, err = p.net.distort.Transform(face, 0); err != nil {
				logError(w, err)
				return
			}
		}
		saved := p.Dset
		p.Dset = vars["dset"]
		lab, pred := p.classes(id)
		p.Dset = saved
		w.Header().Set("Content-Type", "image/png")
		png.Encode(w, img.Highlight(face, pred >= 0 && pred != lab))
	}
}
