// Package swagger serves the embedded OpenAPI document of the HTTP API.
package swagger

import (
	"net/http"
)

// Register attaches the OpenAPI document route to mux.
//
//	GET /openapi.yaml -> embedded OpenAPI document
func Register(mux *http.ServeMux) {
	if mux == nil {
		panic("mux is nil")
	}
	mux.HandleFunc("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/yaml; charset=utf-8")
		_, _ = w.Write(OpenAPI)
	})
}
