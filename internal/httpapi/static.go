package httpapi

import (
	"embed"
	"io/fs"
	"net/http"
)

//go:embed static/index.html
var uiFiles embed.FS

// newStaticHandler serves the single-page recorder UI. The page is tiny and
// changes with the binary, so browsers revalidate it on every load.
func newStaticHandler() http.Handler {
	root, err := fs.Sub(uiFiles, "static")
	if err != nil {
		return http.NotFoundHandler()
	}
	files := http.FileServer(http.FS(root))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-cache")
		files.ServeHTTP(w, r)
	})
}
