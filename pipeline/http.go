package pipeline

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/hazyhaar/tarif/history"
	"github.com/hazyhaar/tarif/kit"
	"github.com/hazyhaar/tarif/runlog"
)

// Handler returns the HTTP surface: the JSON API, the cached product
// images under /images/, and the generated report site at the root.
func (s *Service) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(headToGet)
	r.Use(securityHeaders)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, 200, map[string]string{"status": "ok"})
	})

	r.Get("/api/history", func(w http.ResponseWriter, r *http.Request) {
		snaps, err := s.HistoryFiltered(r.URL.Query().Get("model"), queryInt(r, "limit", 0))
		if err != nil {
			writeError(w, 500, err)
			return
		}
		if snaps == nil {
			snaps = []history.Snapshot{}
		}
		writeJSON(w, 200, snaps)
	})

	r.Get("/api/latest", func(w http.ResponseWriter, _ *http.Request) {
		latest, err := s.Latest()
		if err != nil {
			writeError(w, 500, err)
			return
		}
		writeJSON(w, 200, latest)
	})

	r.Post("/api/run", func(w http.ResponseWriter, r *http.Request) {
		ctx := kit.WithTransport(r.Context(), "http")
		ctx = kit.WithRemoteAddr(ctx, r.RemoteAddr)
		sum, err := s.Run(ctx)
		if err != nil {
			writeError(w, 500, err)
			return
		}
		writeJSON(w, 200, sum)
	})

	r.Get("/api/runs", func(w http.ResponseWriter, r *http.Request) {
		runs, err := s.RecentRuns(r.Context(), queryInt(r, "limit", 20))
		if err != nil {
			writeError(w, 500, err)
			return
		}
		if runs == nil {
			runs = []*runlog.Run{}
		}
		writeJSON(w, 200, runs)
	})

	r.Get("/api/runs/{runID}/fetches", func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(chi.URLParam(r, "runID"), 10, 64)
		if err != nil {
			writeError(w, 400, fmt.Errorf("bad run id"))
			return
		}
		fetches, err := s.RunFetches(r.Context(), id)
		if err != nil {
			writeError(w, 500, err)
			return
		}
		if fetches == nil {
			fetches = []*runlog.FetchEntry{}
		}
		writeJSON(w, 200, fetches)
	})

	r.Handle("/images/*", http.StripPrefix("/images/",
		http.FileServer(http.Dir(s.config.ImagesDir()))))
	r.Handle("/*", http.FileServer(http.Dir(s.config.ReportDir)))

	return r
}

// headToGet converts HEAD requests to GET so that handlers registered
// with r.Get respond 200 instead of 405. net/http strips the body for
// HEAD responses.
func headToGet(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			r.Method = http.MethodGet
		}
		next.ServeHTTP(w, r)
	})
}

// securityHeaders hardens the public report pages. The report has no
// scripts and a single local stylesheet.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		h.Set("Content-Security-Policy", "default-src 'self'; img-src 'self' data:")
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func queryInt(r *http.Request, key string, def int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}
