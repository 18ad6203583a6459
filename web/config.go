package web

import (
	"fmt"
	"html/template"
	"log"
	"net/http"
	"os"
	"strings"

	"github.com/jnb666/deepemotion/nnet"
)

// ConfigPage is a form to edit the settings for the current model. Changes apply from the next
// training run.
type ConfigPage struct {
	*Templates
	Fields []Field
	Layers []string
	net    *Network
}

// Field is one form input, Error is set if the last value entered could not be parsed.
type Field struct {
	Name    string
	Desc    string
	Value   string
	Error   string
	Boolean bool
	On      bool
}

func NewConfigPage(t *Templates, net *Network) *ConfigPage {
	p := &ConfigPage{Templates: t, net: net}
	p.AddOption(Link{Name: "save", Url: "/config/save", Submit: true})
	p.AddOption(Link{Name: "reset", Url: "/config/reset"})
	p.setConfig(net.Conf)
	return p
}

func (p *ConfigPage) Base() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		p.net.Lock()
		defer p.net.Unlock()
		p.Select("/config/")
		p.LoadFlashes(w, r)
		p.Heading = p.modelSelect()
		p.Toplevel = true
		p.Exec(w, "config", p)
	}
}

// Load switches to the config for the model form value
func (p *ConfigPage) Load() func(w http.ResponseWriter, r *http.Request) {
	return p.action(func(w http.ResponseWriter, r *http.Request) string {
		model := r.FormValue("model")
		conf, err := nnet.LoadConfig(model + ".conf")
		if err != nil {
			return err.Error()
		}
		p.net.Model = model
		p.setConfig(conf)
		return "loaded " + model + ": start training to apply"
	})
}

// Save parses the form and writes the config file if all of the values are valid
func (p *ConfigPage) Save() func(w http.ResponseWriter, r *http.Request) {
	return p.action(func(w http.ResponseWriter, r *http.Request) string {
		r.ParseForm()
		conf, ok := p.net.Conf, true
		for i := range p.Fields {
			f := &p.Fields[i]
			var err error
			if f.Boolean {
				f.On = r.Form.Get(f.Name) == "true"
				conf, err = conf.SetBool(f.Name, f.On)
			} else {
				f.Value = r.Form.Get(f.Name)
				conf, err = conf.SetString(f.Name, f.Value)
			}
			f.Error = ""
			if err != nil {
				f.Error = "invalid syntax"
				ok = false
			}
		}
		if !ok {
			return ""
		}
		if err := conf.Validate(); err != nil {
			return err.Error()
		}
		if err := conf.Save(p.net.Model + ".conf"); err != nil {
			return err.Error()
		}
		p.net.Conf = conf
		return "config saved: start training to apply"
	})
}

// Reset discards any changes and reloads the saved config
func (p *ConfigPage) Reset() func(w http.ResponseWriter, r *http.Request) {
	return p.action(func(w http.ResponseWriter, r *http.Request) string {
		conf, err := nnet.LoadConfig(p.net.Model + ".conf")
		if err != nil {
			return err.Error()
		}
		p.setConfig(conf)
		return ""
	})
}

// action runs fn with the lock held, flashes the returned message and redirects to the config page
func (p *ConfigPage) action(fn func(w http.ResponseWriter, r *http.Request) string) func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		p.net.Lock()
		defer p.net.Unlock()
		if msg := fn(w, r); msg != "" {
			log.Println("config:", msg)
			p.Flash(w, r, msg)
		}
		http.Redirect(w, r, "/config/", http.StatusFound)
	}
}

func (p *ConfigPage) setConfig(conf nnet.Config) {
	p.net.Conf = conf
	p.Fields = p.Fields[:0]
	for _, key := range conf.Fields() {
		val := conf.Get(key)
		f := Field{Name: key, Desc: conf.Describe(key), Value: fmt.Sprint(val)}
		f.On, f.Boolean = val.(bool)
		p.Fields = append(p.Fields, f)
	}
	p.Layers = p.Layers[:0]
	for _, l := range conf.Layers {
		p.Layers = append(p.Layers, l.String())
	}
}

// select box to choose the model from the config files in the data directory
func (p *ConfigPage) modelSelect() template.HTML {
	files, err := os.ReadDir(nnet.DataDir)
	if err != nil {
		log.Println(err)
		return ""
	}
	var b strings.Builder
	b.WriteString(`model: <select name="model" class="model-select" form="loadConfig" onchange="this.form.submit()">`)
	for _, file := range files {
		name, ok := strings.CutSuffix(file.Name(), ".conf")
		if !ok || strings.HasPrefix(name, ".") {
			continue
		}
		sel := ""
		if name == p.net.Model {
			sel = " selected"
		}
		fmt.Fprintf(&b, "<option%s>%s</option>", sel, template.HTMLEscapeString(name))
	}
	b.WriteString("</select>")
	return template.HTML(b.String())
}
