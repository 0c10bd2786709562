// Package corpus reads raw video records from the cleaned dataset export.
package corpus

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"vidsearch/internal/models"
)

// Source yields records until it returns io.EOF.
type Source interface {
	Next() (models.Record, error)
}

// RowError reports one unusable row. Reading can continue past it.
type RowError struct {
	Line int
	ID   string
	Err  error
}

func (e *RowError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("corpus: line %d (id %s): %v", e.Line, e.ID, e.Err)
	}
	return fmt.Sprintf("corpus: line %d: %v", e.Line, e.Err)
}

func (e *RowError) Unwrap() error { return e.Err }

// Text columns, in the order their *_cleaned variants are preferred.
var textColumns = []string{models.FieldTitle, models.FieldDescription, models.FieldTranscript}

// Metadata keys and the dataset columns they are read from.
var (
	stringMeta = map[string]string{
		"title":         "title",
		"channel_title": "channel_title",
		"published_at":  "publishedAt",
		"category":      "category",
		"url":           "url",
	}
	countMeta = map[string]string{
		"view_count":    "viewCount",
		"like_count":    "likeCount",
		"comment_count": "commentCount",
	}
)

// CSVSource reads the cleaned dataset: a header row followed by one video per
// row. Only the id column is required.
type CSVSource struct {
	r      *csv.Reader
	cols   map[string]int
	closer io.Closer
}

// NewCSVSource reads the header from r.
func NewCSVSource(r io.Reader) (*CSVSource, error) {
	cr := csv.NewReader(r)
	cr.LazyQuotes = true
	cr.ReuseRecord = false
	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("corpus: read header: %w", err)
	}
	cols := make(map[string]int, len(header))
	for i, h := range header {
		h = strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
		if _, dup := cols[h]; !dup {
			cols[h] = i
		}
	}
	if _, ok := cols["id"]; !ok {
		return nil, errors.New("corpus: header has no id column")
	}
	return &CSVSource{r: cr, cols: cols}, nil
}

// OpenCSV opens the file at path. Close releases it.
func OpenCSV(path string) (*CSVSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	src, err := NewCSVSource(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	src.closer = f
	return src, nil
}

func (s *CSVSource) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}

// Next returns the next record. Malformed rows yield a *RowError.
func (s *CSVSource) Next() (models.Record, error) {
	row, err := s.r.Read()
	if err == io.EOF {
		return models.Record{}, io.EOF
	}
	if err != nil {
		var pe *csv.ParseError
		if errors.As(err, &pe) {
			return models.Record{}, &RowError{Line: pe.Line, Err: pe.Err}
		}
		return models.Record{}, err
	}
	line, _ := s.r.FieldPos(0)
	get := func(col string) string {
		if i, ok := s.cols[col]; ok && i < len(row) {
			return strings.TrimSpace(row[i])
		}
		return ""
	}

	rec := models.Record{ID: get("id"), Metadata: map[string]string{}}
	if rec.ID == "" {
		return models.Record{}, &RowError{Line: line, Err: errors.New("missing id")}
	}
	for _, name := range textColumns {
		text := get(name + "_cleaned")
		if text == "" {
			text = get(name)
		}
		rec.Fields = append(rec.Fields, models.Field{Name: name, Text: text})
	}
	for key, col := range stringMeta {
		if v := get(col); v != "" {
			rec.Metadata[key] = v
		}
	}
	if _, ok := rec.Metadata["title"]; !ok && get("title_cleaned") != "" {
		rec.Metadata["title"] = get("title_cleaned")
	}
	for key, col := range countMeta {
		if n, ok := parseCount(get(col)); ok {
			rec.Metadata[key] = strconv.FormatInt(n, 10)
		}
	}
	if v := get("duration_seconds"); v != "" {
		if n, ok := parseCount(v); ok {
			rec.Metadata["duration_seconds"] = strconv.FormatInt(n, 10)
		}
	} else if v := get("duration"); v != "" {
		d, err := ParseISODuration(v)
		if err != nil {
			return models.Record{}, &RowError{Line: line, ID: rec.ID, Err: err}
		}
		rec.Metadata["duration_seconds"] = strconv.FormatInt(int64(d.Seconds()), 10)
	}
	return rec, nil
}

// parseCount accepts integers and the float spelling pandas writes ("1234.0").
func parseCount(s string) (int64, bool) {
	if s == "" {
		return 0, false
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, true
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return int64(f), true
}

// SliceSource serves records from memory.
type SliceSource struct {
	recs []models.Record
	pos  int
}

func NewSliceSource(recs []models.Record) *SliceSource { return &SliceSource{recs: recs} }

func (s *SliceSource) Next() (models.Record, error) {
	if s.pos >= len(s.recs) {
		return models.Record{}, io.EOF
	}
	rec := s.recs[s.pos]
	s.pos++
	return rec, nil
}
