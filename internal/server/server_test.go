package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"vidsearch/internal/models"
	"vidsearch/internal/vectorstore"
)

type fakeSearcher struct {
	results []models.Result
	err     error
	compat  error

	gotQuery  string
	gotK      int
	gotFilter vectorstore.Filter
}

func (f *fakeSearcher) Search(_ context.Context, q string, k int, filter vectorstore.Filter) ([]models.Result, error) {
	f.gotQuery, f.gotK, f.gotFilter = q, k, filter
	return f.results, f.err
}

func (f *fakeSearcher) CheckCompatible() error { return f.compat }
func (f *fakeSearcher) DefaultTopK() int       { return 10 }

func newTestStore(t *testing.T) *vectorstore.Store {
	t.Helper()
	st, err := vectorstore.New(context.Background(), vectorstore.Options{Dim: 2, Model: "test-model"})
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	ctx := context.Background()
	if err := st.Upsert(ctx, "a", []float32{1, 0}, map[string]string{"title": "Alpha"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := st.Upsert(ctx, "b", []float32{0, 1}, nil); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	return st
}

func decode(t *testing.T, rr *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rr.Body.Bytes(), v); err != nil {
		t.Fatalf("json: %v (body=%s)", err, rr.Body.String())
	}
}

func TestHealthz(t *testing.T) {
	api := NewAPI(&fakeSearcher{}, newTestStore(t), Options{})
	rr := httptest.NewRecorder()
	api.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("code=%d", rr.Code)
	}
	var body struct{ OK bool }
	decode(t, rr, &body)
	if !body.OK {
		t.Fatalf("expected ok=true")
	}
}

func TestSearchReturnsResultsAndParsesFilter(t *testing.T) {
	fs := &fakeSearcher{results: []models.Result{{ItemID: "a", Score: 0.9, Rank: 1}}}
	api := NewAPI(fs, newTestStore(t), Options{})
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/search?q=photosynthesis&k=3&min_views=100&filter.category=biology&min.like_count=5", nil)
	api.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("code=%d body=%s", rr.Code, rr.Body.String())
	}
	var resp searchResponse
	decode(t, rr, &resp)
	if resp.Count != 1 || resp.Results[0].ItemID != "a" || resp.Query != "photosynthesis" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if fs.gotK != 3 {
		t.Fatalf("k=%d", fs.gotK)
	}
	if fs.gotFilter.Equals["category"] != "biology" {
		t.Fatalf("equals filter: %+v", fs.gotFilter)
	}
	if fs.gotFilter.Min["view_count"] != 100 || fs.gotFilter.Min["like_count"] != 5 {
		t.Fatalf("min filter: %+v", fs.gotFilter)
	}
}

func TestSearchDefaultsKAndEmptyResults(t *testing.T) {
	fs := &fakeSearcher{}
	api := NewAPI(fs, newTestStore(t), Options{})
	rr := httptest.NewRecorder()
	api.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/search?q=anything", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("code=%d", rr.Code)
	}
	if fs.gotK != 10 {
		t.Fatalf("default k=%d", fs.gotK)
	}
	var resp searchResponse
	decode(t, rr, &resp)
	if resp.Results == nil || resp.Count != 0 {
		t.Fatalf("expected empty results array, got %+v", resp)
	}
}

func TestSearchRejectsBadParams(t *testing.T) {
	api := NewAPI(&fakeSearcher{}, newTestStore(t), Options{})
	for _, target := range []string{
		"/search?q=x&k=0",
		"/search?q=x&k=ten",
		"/search?q=x&min_views=lots",
		"/search?q=x&min.=3",
	} {
		rr := httptest.NewRecorder()
		api.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, target, nil))
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("%s: code=%d", target, rr.Code)
		}
	}
}

func TestGetItem(t *testing.T) {
	api := NewAPI(&fakeSearcher{}, newTestStore(t), Options{})
	rr := httptest.NewRecorder()
	api.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/items/a", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("code=%d", rr.Code)
	}
	var item itemResponse
	decode(t, rr, &item)
	if item.ID != "a" || item.Model != "test-model" || item.Dim != 2 || item.Metadata["title"] != "Alpha" {
		t.Fatalf("unexpected item: %+v", item)
	}

	rr = httptest.NewRecorder()
	api.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/items/missing", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("missing item code=%d", rr.Code)
	}
}

func TestDeleteItem(t *testing.T) {
	st := newTestStore(t)
	api := NewAPI(&fakeSearcher{}, st, Options{})
	rr := httptest.NewRecorder()
	api.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodDelete, "/items/a", nil))
	if rr.Code != http.StatusNoContent {
		t.Fatalf("code=%d", rr.Code)
	}
	if st.Count() != 1 {
		t.Fatalf("count=%d", st.Count())
	}
	rr = httptest.NewRecorder()
	api.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodDelete, "/items/a", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("second delete code=%d", rr.Code)
	}
}

func TestDeleteItemReadOnly(t *testing.T) {
	st := newTestStore(t)
	api := NewAPI(&fakeSearcher{}, st, Options{ReadOnly: true})
	rr := httptest.NewRecorder()
	api.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodDelete, "/items/a", nil))
	if rr.Code != http.StatusForbidden {
		t.Fatalf("code=%d", rr.Code)
	}
	if st.Count() != 2 {
		t.Fatalf("count=%d", st.Count())
	}
}

func TestStats(t *testing.T) {
	api := NewAPI(&fakeSearcher{}, newTestStore(t), Options{})
	rr := httptest.NewRecorder()
	api.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/stats", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("code=%d", rr.Code)
	}
	var s statsResponse
	decode(t, rr, &s)
	if s.Count != 2 || s.Model != "test-model" || s.Dim != 2 || len(s.Stale) != 0 {
		t.Fatalf("unexpected stats: %+v", s)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	api := NewAPI(&fakeSearcher{}, newTestStore(t), Options{})
	rr := httptest.NewRecorder()
	api.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/search", nil))
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("code=%d", rr.Code)
	}
}
