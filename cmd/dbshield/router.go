package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jonwraymond/dbshield/docdb"
	"github.com/jonwraymond/dbshield/health"
	"github.com/jonwraymond/dbshield/shield"
)

var fieldName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func newRouter(svc *shield.Service, agg *health.Aggregator, window time.Duration) chi.Router {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)

	health.Mount(r, agg)
	r.Handle("/metrics", promhttp.Handler())

	r.Get("/report", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte(svc.Report(window)))
	})
	r.Get("/stats", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, svc.Stats(window))
	})
	r.Get("/alerts", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, svc.Alerts())
	})

	r.Get("/items", queryItems(svc))
	r.Delete("/items/{id}", deleteItem(svc))
	r.Post("/invalidate", func(w http.ResponseWriter, req *http.Request) {
		removed := svc.Invalidate(req.URL.Query().Get("pattern"))
		writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
	})
	return r
}

// queryItems lists items whose fields equal every query-string parameter,
// e.g. /items?type=THREAD&userId=123.
func queryItems(svc *shield.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		values := req.URL.Query()
		var nameValues []any
		text := "SELECT * FROM c"
		sep := " WHERE "
		names := make([]string, 0, len(values))
		for name := range values {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			if name == "ttl" {
				continue
			}
			if !fieldName.MatchString(name) {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid field name " + name})
				return
			}
			text += sep + "c." + name + " = @" + name
			sep = " AND "
			nameValues = append(nameValues, "@"+name, values.Get(name))
		}

		opts := shield.QueryOptions{PartitionKey: values.Get("userId"), Operation: "items"}
		if ttl, err := time.ParseDuration(values.Get("ttl")); err == nil {
			opts.TTL = ttl
		}

		res, err := svc.QueryWithCache(req.Context(), docdb.NewQuery(text, nameValues...), opts)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"items":      res.Data,
			"from_cache": res.FromCache,
			"cost":       res.Cost,
		})
	}
}

func deleteItem(svc *shield.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		id := chi.URLParam(req, "id")
		pk := req.URL.Query().Get("partitionKey")
		inv := shield.Invalidation{
			EntityType: req.URL.Query().Get("type"),
			UserID:     pk,
		}
		if err := svc.DeleteItem(req.Context(), id, pk, inv); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case shield.IsUnavailable(err):
		status = http.StatusServiceUnavailable
		w.Header().Set("Retry-After", "5")
	case errors.Is(err, docdb.ErrNotFound):
		status = http.StatusNotFound
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
