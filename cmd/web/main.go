// Web interface to train a model and view the results.
package main

import (
	"flag"
	"log"
	"net/http"
	"os"

	"github.com/gorilla/mux"
	"github.com/jnb666/deepemotion/nnet"
	"github.com/jnb666/deepemotion/web"
)

// image grid layout
const (
	scale = 2
	rows  = 6
	cols  = 10
)

func main() {
	log.SetFlags(0)
	addr := flag.String("addr", ":8080", "address to listen on")
	user := flag.String("user", "", "user name for basic auth, password is read from BKVGG8_PASSWORD")
	flag.Usage = func() {
		log.Printf("usage: %s [opts] <model>", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}

	net, err := web.NewNetwork(flag.Arg(0))
	nnet.CheckErr(err)
	t, err := web.NewTemplates()
	nnet.CheckErr(err)
	r := router(t, net)

	if *user != "" {
		password := os.Getenv("BKVGG8_PASSWORD")
		if password == "" {
			log.Fatal("BKVGG8_PASSWORD must be set when basic auth is enabled")
		}
		r.Use(web.NewAuthMiddleware(*user, password).Middleware)
	}
	log.Printf("listening on %s", *addr)
	log.Fatal(http.ListenAndServe(*addr, r))
}

func redirect(to string) http.Handler {
	return http.RedirectHandler(to, http.StatusFound)
}

func router(t *web.Templates, net *web.Network) *mux.Router {
	r := mux.NewRouter()
	r.Handle("/", redirect("/train/"))
	r.PathPrefix("/static/").Handler(http.StripPrefix("/static/", http.FileServer(http.Dir(web.AssetDir))))

	train := web.NewTrainPage(t.Clone(), net)
	r.HandleFunc("/train/{cmd:(?:start|stop|continue)?}", train.Base())
	r.HandleFunc("/stats", train.Stats())
	r.HandleFunc("/ws", train.Websocket())

	r.HandleFunc("/history/{tag:.*}", web.NewHistoryPage(t.Clone(), net).Base())

	images := web.NewImagePage(t.Clone(), net, scale, rows, cols)
	r.Handle("/images/", redirect("/images/train/0"))
	r.HandleFunc("/images/{dset}/{opt:(?:all|errors|prev|next|distort)}", images.Setopt())
	r.HandleFunc("/images/{dset}/{class:[0-9]*}", images.Base())
	r.HandleFunc("/img/{dset}/{id:[0-9]+}", images.Image())

	const page = "{page:(?:outputs|weights)}"
	view := web.NewViewPage(t.Clone(), net)
	r.Handle("/view/", redirect("/view/outputs/"))
	r.HandleFunc("/view/"+page+"/", view.Base())
	r.HandleFunc("/view/"+page+"/{opt:(?:prev|next)}", view.Setopt())
	r.HandleFunc("/net/"+page, view.Network())
	r.HandleFunc("/net/"+page+"/{layer:[0-9]+}", view.Image())

	config := web.NewConfigPage(t.Clone(), net)
	r.HandleFunc("/config/", config.Base())
	r.HandleFunc("/config/load", config.Load())
	r.HandleFunc("/config/save", config.Save()).Methods("POST")
	r.HandleFunc("/config/reset", config.Reset())
	return r
}
