package app

import (
	"net/http"

	"coderoom/cmd/internal/collab"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func registerHTTP(mux *http.ServeMux, cfg Config, ws *collab.WSGateway) {
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	// All state is in-memory; the process is ready as soon as it serves.
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	})

	if cfg.MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
	}

	mux.HandleFunc("/ws", ws.HandleWS)
}
