// Package web embeds the built frontend (dist/) and provides an HTTP handler
// that serves it as a single-page application (SPA).
//
// A placeholder index.html is committed so the server builds without a
// frontend; the frontend build overwrites dist/.
package web

import (
	"embed"
	"errors"
	"io/fs"
	"log/slog"
	"net/http"
	"strings"
)

//go:embed all:dist
var distFS embed.FS

// SPAHandler returns an http.Handler that serves the embedded frontend.
// It serves static files from dist/, and falls back to index.html for
// any other path (client-side routing). Unknown /api/ and /ws/ paths get a
// plain 404 so API clients never receive HTML.
func SPAHandler() http.Handler {
	subFS, err := fs.Sub(distFS, "dist")
	if err != nil {
		panic("web: failed to create sub filesystem: " + err.Error())
	}
	return spaHandler(subFS)
}

func spaHandler(root fs.FS) http.Handler {
	fileServer := http.FileServer(http.FS(root))

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := strings.TrimPrefix(r.URL.Path, "/")
		if strings.HasPrefix(name, "api/") || strings.HasPrefix(name, "ws/") {
			http.NotFound(w, r)
			return
		}

		info, err := fs.Stat(root, name)
		switch {
		case name != "" && err == nil && !info.IsDir():
			if strings.HasPrefix(name, "assets/") {
				w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
			}
		default:
			if err != nil && !errors.Is(err, fs.ErrNotExist) {
				slog.Debug("web: stat embedded file", "path", name, "error", err)
			}
			// Client-side routes resolve to the shell, which must never be cached.
			w.Header().Set("Cache-Control", "no-cache")
			r.URL.Path = "/"
		}
		fileServer.ServeHTTP(w, r)
	})
}
