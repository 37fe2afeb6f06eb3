package main

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func promMetricsHandler() http.HandlerFunc {
	h := promhttp.Handler()
	return func(w http.ResponseWriter, r *http.Request) {
		h.ServeHTTP(w, r)
	}
}
