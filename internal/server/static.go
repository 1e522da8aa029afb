package server

import (
	"embed"
	"io/fs"
	"net/http"

	"github.com/go-chi/chi/v5"
)

//go:embed static
var staticFS embed.FS

// registerStatic serves the bundled web UI shell at / and its assets
// under /static/.
func registerStatic(r chi.Router) {
	assets, _ := fs.Sub(staticFS, "static")
	fileServer := http.FileServer(http.FS(assets))
	r.Get("/", func(w http.ResponseWriter, req *http.Request) {
		data, err := staticFS.ReadFile("static/index.html")
		if err != nil {
			http.Error(w, "ui unavailable", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write(data)
	})
	r.Handle("/static/*", http.StripPrefix("/static/", fileServer))
}
