package main

import (
	"encoding/json"
	"net/http"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/openmesh/kit/command"
)

type circuitStatus struct {
	Key             string `json:"key"`
	Open            bool   `json:"open"`
	Total           int64  `json:"total"`
	Errors          int64  `json:"errors"`
	ErrorPercentage int    `json:"error_percentage"`
}

// newAdminHandler mounts the following routes.
//
//	GET  /metrics              Prometheus exposition of g
//	GET  /circuits             state of every known circuit
//	POST /circuits/{key}/reset close the circuit and clear its health
func newAdminHandler(e *command.Engine, g prometheus.Gatherer, logger log.Logger) http.Handler {
	r := mux.NewRouter()
	r.Methods("GET").Path("/metrics").Handler(promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	r.Methods("GET").Path("/circuits").HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		keys := e.Keys()
		circuits := make([]circuitStatus, 0, len(keys))
		for _, k := range keys {
			circuits = append(circuits, status(e, k))
		}
		encode(w, http.StatusOK, circuits, logger)
	})
	r.Methods("POST").Path("/circuits/{key}/reset").HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		key := command.Key(mux.Vars(req)["key"])
		if !known(e, key) {
			encode(w, http.StatusNotFound, map[string]string{"error": "unknown command key " + string(key)}, logger)
			return
		}
		e.ResetCircuitBreaker(key)
		level.Info(logger).Log("command", key, "circuit", "reset")
		encode(w, http.StatusOK, status(e, key), logger)
	})
	return r
}

func status(e *command.Engine, key command.Key) circuitStatus {
	h := e.Health(key)
	return circuitStatus{
		Key:             string(key),
		Open:            e.CircuitBreaker(key).IsOpen(),
		Total:           h.Total,
		Errors:          h.Errors,
		ErrorPercentage: h.ErrorPercentage,
	}
}

func known(e *command.Engine, key command.Key) bool {
	for _, k := range e.Keys() {
		if k == key {
			return true
		}
	}
	return false
}

func encode(w http.ResponseWriter, code int, v interface{}, logger log.Logger) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		level.Warn(logger).Log("during", "encode", "err", err)
	}
}
