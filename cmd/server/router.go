package main

import (
	"encoding/json"
	"net/http"

	"go-tunnel/proxy"

	"github.com/go-chi/chi/v5"
)

// newRouter mounts the client attachment endpoint at connectPath and
// forwards everything else through the proxy.
func newRouter(px *proxy.Proxy, ws http.Handler, connectPath string) http.Handler {
	r := chi.NewRouter()
	r.Handle(connectPath, ws)
	r.Handle("/*", px)
	return r
}

func newAdminRouter(px *proxy.Proxy) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(px.Health()); err != nil {
			http.Error(w, "Failed to encode health summary", http.StatusInternalServerError)
		}
	})
	r.Handle("/metrics", px.Metrics().Handler())

	return r
}
