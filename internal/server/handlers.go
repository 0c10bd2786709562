package server

import (
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"vidsearch/internal/models"
	"vidsearch/internal/vectorstore"
)

const (
	filterPrefix = "filter."
	minPrefix    = "min."
	viewCountKey = "view_count"
)

type searchResponse struct {
	Query   string          `json:"query"`
	Count   int             `json:"count"`
	Results []models.Result `json:"results"`
}

type itemResponse struct {
	ID        string            `json:"id"`
	Model     string            `json:"model"`
	Dim       int               `json:"dim"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	UpdatedAt string            `json:"updatedAt,omitempty"`
}

type statsResponse struct {
	Count int      `json:"count"`
	Model string   `json:"model"`
	Dim   int      `json:"dim"`
	Stale []string `json:"stale"`
}

func (a *API) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if err := a.search.CheckCompatible(); err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"ok": false, "reason": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (a *API) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := q.Get("q")
	k := a.search.DefaultTopK()
	if raw := strings.TrimSpace(q.Get("k")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "invalid_request", "k must be a positive integer")
			return
		}
		k = n
	}
	filter, err := parseFilter(q)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	results, err := a.search.Search(r.Context(), query, k, filter)
	if err != nil {
		a.logger.Warn("search failed", "err", err)
		writeFailure(w, err)
		return
	}
	if results == nil {
		results = []models.Result{}
	}
	writeJSON(w, http.StatusOK, searchResponse{Query: query, Count: len(results), Results: results})
}

// parseFilter reads filter.<field>=value, min.<field>=n and the min_views
// shorthand from the query string.
func parseFilter(q map[string][]string) (vectorstore.Filter, error) {
	var f vectorstore.Filter
	setMin := func(field, raw string) error {
		v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil || math.IsNaN(v) {
			return fmt.Errorf("%s: not a number: %q", field, raw)
		}
		if f.Min == nil {
			f.Min = make(map[string]float64)
		}
		f.Min[field] = v
		return nil
	}
	for key, vals := range q {
		if len(vals) == 0 {
			continue
		}
		val := vals[len(vals)-1]
		switch {
		case key == "min_views":
			if err := setMin(viewCountKey, val); err != nil {
				return f, err
			}
		case strings.HasPrefix(key, filterPrefix):
			field := strings.TrimPrefix(key, filterPrefix)
			if field == "" {
				return f, errors.New("empty filter field")
			}
			if f.Equals == nil {
				f.Equals = make(map[string]string)
			}
			f.Equals[field] = val
		case strings.HasPrefix(key, minPrefix):
			field := strings.TrimPrefix(key, minPrefix)
			if field == "" {
				return f, errors.New("empty min field")
			}
			if err := setMin(field, val); err != nil {
				return f, err
			}
		}
	}
	return f, nil
}

func (a *API) handleGetItem(w http.ResponseWriter, r *http.Request) {
	rec, err := a.items.Get(r.PathValue("id"))
	if err != nil {
		writeFailure(w, err)
		return
	}
	resp := itemResponse{ID: rec.ID, Model: rec.Model, Dim: len(rec.Vector), Metadata: rec.Metadata}
	if !rec.UpdatedAt.IsZero() {
		resp.UpdatedAt = rec.UpdatedAt.UTC().Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleDeleteItem(w http.ResponseWriter, r *http.Request) {
	if a.opts.ReadOnly {
		writeError(w, http.StatusForbidden, "read_only", "server is read-only")
		return
	}
	id := r.PathValue("id")
	if _, err := a.items.Get(id); err != nil {
		writeFailure(w, err)
		return
	}
	if err := a.items.Delete(r.Context(), id); err != nil {
		writeFailure(w, err)
		return
	}
	a.logger.Info("item deleted", "id", id)
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleStats(w http.ResponseWriter, _ *http.Request) {
	stale := a.items.Stale()
	if stale == nil {
		stale = []string{}
	}
	writeJSON(w, http.StatusOK, statsResponse{
		Count: a.items.Count(),
		Model: a.items.Model(),
		Dim:   a.items.Dim(),
		Stale: stale,
	})
}
