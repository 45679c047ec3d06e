package main

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/geojson"
	"go.uber.org/zap"

	"github.com/fieldsight/pattern-cli/internal/engine"
	"github.com/fieldsight/pattern-cli/internal/insight"
	"github.com/fieldsight/pattern-cli/internal/model"
	"github.com/fieldsight/pattern-cli/internal/monitoring"
	"github.com/fieldsight/pattern-cli/internal/pattern"
)

const defaultNearbyRadiusKm = 100.0

// apiDeps are the services the HTTP API reads from.
type apiDeps struct {
	patterns pattern.Store
	insights *insight.Service
	engine   *engine.Orchestrator
}

func newRouter(deps apiDeps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		r.Get("/patterns", deps.listPatterns)
		r.Get("/patterns/geojson", deps.patternsGeoJSON)
		r.Get("/patterns/nearby", deps.nearbyPatterns)
		r.Get("/patterns/{id}", deps.getPattern)
		r.Get("/patterns/{id}/insight", deps.getInsight)
		r.Get("/digest", deps.getDigest)
		r.Get("/runs", deps.listRuns)
		r.Get("/stats", deps.getStats)
		r.Post("/analyze", deps.startAnalysis)
	})

	return r
}

func (d apiDeps) listPatterns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 50
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	var patterns []model.DetectedPattern
	var err error
	if s := q.Get("status"); s != "" {
		st := model.PatternStatus(s)
		if !st.Valid() {
			writeError(w, http.StatusBadRequest, "invalid status")
			return
		}
		patterns, err = d.patterns.ListByStatus(r.Context(), st)
	} else {
		// Unfiltered listing is the trending view: active and emerging
		// ordered by significance.
		patterns, err = d.patterns.Trending(r.Context(), limit)
	}
	if err != nil {
		writeInternalError(w, r, err)
		return
	}

	if t := q.Get("type"); t != "" {
		typ := model.PatternType(t)
		if !typ.Valid() {
			writeError(w, http.StatusBadRequest, "invalid pattern type")
			return
		}
		filtered := patterns[:0]
		for _, p := range patterns {
			if p.Type == typ {
				filtered = append(filtered, p)
			}
		}
		patterns = filtered
	}
	if len(patterns) > limit {
		patterns = patterns[:limit]
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"patterns": emptyIfNil(patterns),
		"count":    len(patterns),
	})
}

func (d apiDeps) getPattern(w http.ResponseWriter, r *http.Request) {
	p, err := d.patterns.GetPattern(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if eris.Is(err, pattern.ErrNotFound) {
			writeError(w, http.StatusNotFound, "pattern not found")
			return
		}
		writeInternalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (d apiDeps) getInsight(w http.ResponseWriter, r *http.Request) {
	ins, err := d.insights.GetOrGenerate(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if eris.Is(err, pattern.ErrNotFound) {
			writeError(w, http.StatusNotFound, "pattern not found")
			return
		}
		writeInternalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ins)
}

func (d apiDeps) nearbyPatterns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lat, latErr := strconv.ParseFloat(q.Get("lat"), 64)
	lng, lngErr := strconv.ParseFloat(q.Get("lng"), 64)
	if latErr != nil || lngErr != nil {
		writeError(w, http.StatusBadRequest, "lat and lng are required")
		return
	}
	if lat < -90 || lat > 90 || lng < -180 || lng > 180 {
		writeError(w, http.StatusBadRequest, "lat/lng out of range")
		return
	}

	radius := defaultNearbyRadiusKm
	if v := q.Get("radius_km"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f <= 0 {
			writeError(w, http.StatusBadRequest, "radius_km must be a positive number")
			return
		}
		radius = f
	}
	limit := 50
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	near, err := d.patterns.Nearby(r.Context(), lat, lng, radius, limit, nil)
	if err != nil {
		writeInternalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"patterns": emptyIfNil(near),
		"count":    len(near),
	})
}

// patternsGeoJSON renders the spatial patterns as a GeoJSON
// FeatureCollection for map overlays.
func (d apiDeps) patternsGeoJSON(w http.ResponseWriter, r *http.Request) {
	patterns, err := d.patterns.ListByStatus(r.Context(), model.StatusActive, model.StatusEmerging, model.StatusDeclining)
	if err != nil {
		writeInternalError(w, r, err)
		return
	}

	fc := geojson.FeatureCollection{Features: []*geojson.Feature{}}
	for _, p := range patterns {
		if p.CenterLat == nil || p.CenterLng == nil {
			continue
		}
		props := map[string]any{
			"pattern_type": p.Type,
			"status":       p.Status,
			"report_count": p.ReportCount,
			"significance": p.SignificanceScore,
			"title":        p.Title,
		}
		if p.RadiusKm != nil {
			props["radius_km"] = *p.RadiusKm
		}
		fc.Features = append(fc.Features, &geojson.Feature{
			ID:         p.ID,
			Geometry:   geom.NewPointFlat(geom.XY, []float64{*p.CenterLng, *p.CenterLat}),
			Properties: props,
		})
	}

	w.Header().Set("Content-Type", "application/geo+json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(&fc)
}

func (d apiDeps) getDigest(w http.ResponseWriter, r *http.Request) {
	digest, err := d.insights.GetOrGenerateDigest(r.Context())
	if err != nil {
		writeInternalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, digest)
}

func (d apiDeps) listRuns(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	runs, err := d.patterns.ListRuns(r.Context(), limit)
	if err != nil {
		writeInternalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"runs":  emptyIfNil(runs),
		"count": len(runs),
	})
}

func (d apiDeps) getStats(w http.ResponseWriter, r *http.Request) {
	snap, err := monitoring.NewCollector(d.patterns).Collect(r.Context(), 20)
	if err != nil {
		writeInternalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (d apiDeps) startAnalysis(w http.ResponseWriter, r *http.Request) {
	runType := model.RunIncremental
	if r.Body != nil {
		var req struct {
			RunType string `json:"run_type"`
		}
		// An empty body means an incremental run.
		if err := json.NewDecoder(r.Body).Decode(&req); err == nil && req.RunType != "" {
			runType = model.RunType(req.RunType)
			if !runType.Valid() {
				writeError(w, http.StatusBadRequest, "run_type must be full or incremental")
				return
			}
		}
	}

	run, err := d.engine.RunAsync(r.Context(), runType)
	if err != nil {
		if eris.Is(err, pattern.ErrRunInProgress) {
			writeError(w, http.StatusConflict, "an analysis run is already in progress")
			return
		}
		writeInternalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, run)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeInternalError(w http.ResponseWriter, r *http.Request, err error) {
	zap.L().Error("request failed",
		zap.String("path", r.URL.Path),
		zap.Error(err))
	writeError(w, http.StatusInternalServerError, "internal error")
}

func emptyIfNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
