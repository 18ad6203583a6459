package web

import (
	"image/color"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/jnb666/deepemotion/img"
	"github.com/jnb666/deepemotion/nnet"
	"gonum.org/v1/plot/palette/moreland"
)

func TestFactorise(t *testing.T) {
	for _, c := range []struct {
		n, nmin int
		aspect  float64
		f1, f2  int
	}{
		{32, 20, aspectOutput, 2, 16},
		{256, 20, aspectOutput, 4, 64},
		{7, 20, 1, 1, 7},
		{9216, 0, 1, 96, 96},
	} {
		f1, f2 := factorise(c.n, c.nmin, c.aspect)
		if f1 != c.f1 || f2 != c.f2 {
			t.Errorf("factorise(%d): got %d,%d expect %d,%d", c.n, f1, f2, c.f1, c.f2)
		}
	}
}

func TestColorMap(t *testing.T) {
	cmap := colorMap(moreland.SmoothBlueRed(), -1, 1)
	same := func(a, b color.Color) bool {
		r1, g1, b1, _ := a.RGBA()
		r2, g2, b2, _ := b.RGBA()
		return r1 == r2 && g1 == g2 && b1 == b2
	}
	if !same(colorAt(cmap, -2), colorAt(cmap, -1)) || !same(colorAt(cmap, 2), colorAt(cmap, 1)) {
		t.Error("values outside range should be clamped")
	}
	if same(colorAt(cmap, -1), colorAt(cmap, 1)) {
		t.Error("expected different colors at each end of the range")
	}
	lo, _, _, _ := colorAt(cmap, -1).RGBA()
	hi, _, _, _ := colorAt(cmap, 1).RGBA()
	if lo >= hi {
		t.Error("expected more red at the top of the range")
	}
}

func TestImages(t *testing.T) {
	data := make([]float32, 4*3*5)
	data[7] = 1
	l := outputImage("act", []int{4, 3, 5}, data)
	if l.image == nil || l.image.Bounds().Dx() != 4*6 || l.image.Bounds().Dy() != 4 {
		t.Error("output image size got", l.image.Bounds())
	}
	w := weightImage("conv1/W", []int{8, 2, 3, 3}, make([]float32, 8*2*9))
	if w.image == nil || w.image.Bounds().Dx() != 8*4 || w.image.Bounds().Dy() != 4 {
		t.Error("conv weight image size got", w.image.Bounds())
	}
	w = weightImage("linear1/W", []int{16, 3}, make([]float32, 48))
	if w.image == nil || w.image.Bounds().Dx() != 3*5 || w.image.Bounds().Dy() != 5 {
		t.Error("linear weight image size got", w.image.Bounds())
	}
}

func TestAuth(t *testing.T) {
	mw := NewAuthMiddleware("user", "secret")
	h := mw.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatal("expected unauthorised, got", rec.Code)
	}
	req := httptest.NewRequest("GET", "/", nil)
	req.SetBasicAuth("user", "wrong")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatal("expected unauthorised with bad password, got", rec.Code)
	}
	req = httptest.NewRequest("GET", "/", nil)
	req.SetBasicAuth("user", "secret")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	cookies := rec.Result().Cookies()
	if rec.Code != http.StatusOK || len(cookies) != 1 {
		t.Fatal("expected ok with cookie, got", rec.Code, cookies)
	}
	req = httptest.NewRequest("GET", "/", nil)
	req.AddCookie(cookies[0])
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Error("expected ok with cookie, got", rec.Code)
	}
}

func setup(t *testing.T) {
	savedData, savedAssets := nnet.DataDir, AssetDir
	nnet.DataDir = t.TempDir()
	AssetDir = "../assets"
	t.Cleanup(func() { nnet.DataDir, AssetDir = savedData, savedAssets })
}

func testConfig(logDir string) nnet.Config {
	conf := nnet.DefaultConfig()
	conf.DataSet = "tiny"
	conf.TrainBatch = 4
	conf.TestBatch = 4
	conf.MaxEpoch = 2
	conf.LogEvery = 0
	conf.SaveSteps = 1
	conf.Normalise = true
	conf.Distort = true
	conf.LogDir = logDir
	return conf.AddLayers(
		nnet.Conv{Nfeats: 4, Size: 3, Pad: true},
		nnet.Activation{Atype: "relu", Name: "conv1"},
		nnet.BatchNorm{},
		nnet.Pool{Size: 2},
		nnet.Flatten{},
		nnet.Linear{Nout: 3},
		nnet.Activation{Atype: "softmax"},
	)
}

func tinyData(n int) *img.Data {
	images := make([]*img.GrayImage, n)
	labels := make([]int32, n)
	for i := range images {
		images[i] = img.NewGray(8, 8)
		labels[i] = int32(i % 3)
		for j := range images[i].Pix {
			images[i].Pix[j] = float32((i+j)%5) / 5
		}
	}
	d := img.NewData([]string{"Happy", "Sad", "Neutral"}, labels, images)
	d.Mean, d.StdDev = img.GetStats(images)
	return d
}

func TestImagePage(t *testing.T) {
	setup(t)
	tp, err := NewTemplates()
	if err != nil {
		t.Fatal(err)
	}
	d := tinyData(12)
	pred := append([]int32{}, d.Labels...)
	pred[0], pred[4] = 2, 0
	net := &Network{
		NetworkData: &NetworkData{Model: "tiny", Pred: map[string][]int32{"train": pred}},
		Data:        map[string]nnet.Data{"train": d},
		Labels:      map[string][]int32{"train": d.Labels},
	}
	p := NewImagePage(tp.Clone(), net, 2, 2, 2)
	if p.Width != 16 || p.Height != 16 {
		t.Error("image size got", p.Width, p.Height)
	}
	p.Dset = "train"
	p.filter()
	if p.Total != 12 || p.Pages != 3 || p.Wrong != 2 {
		t.Errorf("all: got total %d pages %d wrong %d", p.Total, p.Pages, p.Wrong)
	}
	p.Class, p.Errors = 2, true
	p.filter()
	if p.Total != 1 || p.Pages != 1 || p.Index(0, 0) != 5 || p.Index(0, 1) != 0 {
		t.Errorf("errors: got total %d pages %d first %d", p.Total, p.Pages, p.Index(0, 0))
	}
	if lab := p.Label(5); lab != "Sad => Happy" {
		t.Error("label got", lab)
	}
	if lab := p.Label(2); lab != "Sad" {
		t.Error("label got", lab)
	}

	req := mux.SetURLVars(httptest.NewRequest("GET", "/images/train/all", nil), map[string]string{"dset": "train", "opt": "all"})
	rec := httptest.NewRecorder()
	p.Setopt()(rec, req)
	if rec.Code != http.StatusFound || p.Errors || rec.Header().Get("Location") != "/images/train/2" {
		t.Error("setopt got", rec.Code, rec.Header().Get("Location"))
	}

	req = mux.SetURLVars(httptest.NewRequest("GET", "/img/train/1", nil), map[string]string{"dset": "train", "id": "1"})
	rec = httptest.NewRecorder()
	p.Image()(rec, req)
	if rec.Code != http.StatusOK || rec.Header().Get("Content-Type") != "image/png" {
		t.Error("image got", rec.Code)
	}
	req = mux.SetURLVars(httptest.NewRequest("GET", "/img/train/13", nil), map[string]string{"dset": "train", "id": "13"})
	rec = httptest.NewRecorder()
	p.Image()(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Error("expected not found, got", rec.Code)
	}
}

func TestConfigPage(t *testing.T) {
	setup(t)
	tp, err := NewTemplates()
	if err != nil {
		t.Fatal(err)
	}
	conf := testConfig("")
	if err = conf.Save("tiny.conf"); err != nil {
		t.Fatal(err)
	}
	net := &Network{NetworkData: &NetworkData{Model: "tiny", Conf: conf}}
	p := NewConfigPage(tp.Clone(), net)

	form := url.Values{}
	for _, f := range p.Fields {
		if !f.Boolean || f.On {
			form.Set(f.Name, f.Value)
		}
		if f.Boolean && f.On {
			form.Set(f.Name, "true")
		}
	}
	form.Set("Eta", "0.02")
	req := httptest.NewRequest("POST", "/config/save", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	p.Save()(rec, req)
	if rec.Code != http.StatusFound {
		t.Fatal("expected redirect, got", rec.Code, rec.Body.String())
	}
	if net.Conf.Eta != 0.02 {
		t.Error("config not updated, eta =", net.Conf.Eta)
	}
	saved, err := nnet.LoadConfig("tiny.conf")
	if err != nil || saved.Eta != 0.02 {
		t.Error("config not saved", err)
	}

	req = httptest.NewRequest("GET", "/config/", nil)
	for _, c := range rec.Result().Cookies() {
		req.AddCookie(c)
	}
	rec = httptest.NewRecorder()
	p.Base()(rec, req)
	body := rec.Body.String()
	if rec.Code != http.StatusOK || !strings.Contains(body, "config saved") || !strings.Contains(body, "<option selected>tiny</option>") {
		t.Error("invalid config page:", rec.Code, body)
	}
}

func TestNetwork(t *testing.T) {
	setup(t)
	logDir := t.TempDir()
	for key, n := range map[string]int{"train": 12, "test": 6} {
		if err := nnet.SaveDataFile(tinyData(n), "tiny_"+key); err != nil {
			t.Fatal(err)
		}
	}
	if err := testConfig(logDir).Save("tiny.conf"); err != nil {
		t.Fatal(err)
	}
	net, err := NewNetwork("tiny")
	if err != nil {
		t.Fatal(err)
	}
	if err = net.view.update(0); err != nil {
		t.Fatal(err)
	}
	if len(net.view.outputs) != 1 || len(net.view.probs) != 3 {
		t.Error("expected 1 output image and 3 probabilities")
	}
	net.view.updateWeights()
	if len(net.view.weights) != 2 {
		t.Error("expected 2 weight images, got", len(net.view.weights))
	}

	net.Lock()
	err = net.Train(true)
	net.Unlock()
	if err != nil {
		t.Fatal(err)
	}
	for start := time.Now(); ; time.Sleep(10 * time.Millisecond) {
		net.Lock()
		running := net.running
		net.Unlock()
		if !running {
			break
		}
		if time.Since(start) > time.Minute {
			t.Fatal("timeout waiting for training")
		}
	}
	if net.Epoch != 2 || len(net.Stats) != 2 || net.Step != 6 {
		t.Errorf("got epoch %d step %d stats %d", net.Epoch, net.Step, len(net.Stats))
	}
	if len(net.Pred["test"]) != 6 {
		t.Error("expected 6 test predictions")
	}
	// a step in progress is not shown until the epoch ends
	net.Step = 7
	if h := string(net.heading()); !strings.Contains(h, "step 6") {
		t.Error("heading got", h)
	}
	net.Step = 6
	if _, err := os.Stat(path.Join(nnet.DataDir, "tiny.state")); err != nil {
		t.Error(err)
	}
	if !nnet.CheckpointExists(logDir) {
		t.Error("checkpoint not saved")
	}

	tp, err := NewTemplates()
	if err != nil {
		t.Fatal(err)
	}
	pages := map[string]http.HandlerFunc{
		"stats":   NewTrainPage(tp.Clone(), net).Stats(),
		"history": NewHistoryPage(tp.Clone(), net).Base(),
	}
	for name, h := range pages {
		rec := httptest.NewRecorder()
		h(rec, httptest.NewRequest("GET", "/"+name, nil))
		if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "<svg") {
			t.Errorf("%s page: status %d", name, rec.Code)
		}
	}

	// reload saved state
	net2, err := NewNetwork("tiny")
	if err != nil {
		t.Fatal(err)
	}
	if net2.Step != 6 || len(net2.tester.Stats) != 2 {
		t.Error("state not restored: step", net2.Step)
	}
	if h := string(net2.heading()); !strings.Contains(h, "epoch <span id=\"epoch\">2</span> of 2  step 6") {
		t.Error("heading got", h)
	}
}
