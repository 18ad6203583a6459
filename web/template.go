package web

import (
	"fmt"
	"html/template"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/gorilla/securecookie"
	"github.com/gorilla/sessions"
)

// AssetDir has the html templates and static files, set from BKVGG8_ASSETS if defined.
var AssetDir = "assets"

func init() {
	if dir := os.Getenv("BKVGG8_ASSETS"); dir != "" {
		AssetDir = dir
	}
}

const sessionName = "bkvgg8"

var menuPages = []string{"train", "history", "images", "view", "config"}

// Templates holds the parsed templates and the common page fields used by the header and menu.
// Each page has its own clone.
type Templates struct {
	*template.Template
	Menu     []Link
	Options  []Link
	Dropdown []Link
	Heading  template.HTML
	Toplevel bool
	Messages []string
	store    sessions.Store
}

// Link is a menu, option or dropdown entry. If Submit is set it is rendered as a form submit button.
type Link struct {
	Url      string
	Name     string
	Selected bool
	Submit   bool
}

func NewTemplates() (*Templates, error) {
	tmpl, err := template.ParseGlob(filepath.Join(AssetDir, "*.html"))
	if err != nil {
		return nil, err
	}
	t := &Templates{Template: tmpl, store: sessions.NewCookieStore(securecookie.GenerateRandomKey(32))}
	for _, name := range menuPages {
		t.AddMenuItem(Link{Name: name, Url: "/" + name + "/"})
	}
	return t, nil
}

// Clone shares the parsed templates and session store but copies the menu.
func (t *Templates) Clone() *Templates {
	return &Templates{
		Template: t.Template,
		Menu:     slices.Clone(t.Menu),
		Options:  slices.Clone(t.Options),
		store:    t.store,
	}
}

// Select highlights the menu entry for the page at url
func (t *Templates) Select(url string) *Templates {
	for i := range t.Menu {
		t.Menu[i].Selected = strings.HasPrefix(url, t.Menu[i].Url)
	}
	return t
}

func (t *Templates) AddMenuItem(l Link) *Templates {
	t.Menu = append(t.Menu, l)
	return t
}

func (t *Templates) AddOption(l Link) *Templates {
	t.Options = append(t.Options, l)
	return t
}

// SelectOptions highlights the named options and clears the others
func (t *Templates) SelectOptions(names []string) *Templates {
	for i := range t.Options {
		t.Options[i].Selected = slices.Contains(names, t.Options[i].Name)
	}
	return t
}

func (t *Templates) Exec(w http.ResponseWriter, name string, data any) {
	if err := t.ExecuteTemplate(w, name, data); err != nil {
		logError(w, err)
	}
}

// Flash saves a message in the session cookie to be shown on the next page load.
func (t *Templates) Flash(w http.ResponseWriter, r *http.Request, msg string) {
	t.session(w, r, func(s *sessions.Session) { s.AddFlash(msg) })
}

// LoadFlashes moves any pending flash messages to t.Messages
func (t *Templates) LoadFlashes(w http.ResponseWriter, r *http.Request) {
	t.Messages = t.Messages[:0]
	t.session(w, r, func(s *sessions.Session) {
		for _, msg := range s.Flashes() {
			t.Messages = append(t.Messages, fmt.Sprint(msg))
		}
	})
}

// if the session cookie is invalid a new session is used
func (t *Templates) session(w http.ResponseWriter, r *http.Request, fn func(*sessions.Session)) {
	s, err := t.store.Get(r, sessionName)
	if err != nil {
		log.Println("session:", err)
	}
	fn(s)
	if err = s.Save(r, w); err != nil {
		log.Println("session save:", err)
	}
}

func logError(w http.ResponseWriter, err error) {
	log.Println(err)
	http.Error(w, err.Error(), http.StatusInternalServerError)
}
