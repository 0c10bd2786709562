package vectorstore

import (
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/RoaringBitmap/roaring/v2"
)

// Filter restricts a query to items whose metadata matches. All conditions
// must hold. The zero Filter matches everything.
type Filter struct {
	// Equals requires metadata[field] == value.
	Equals map[string]string
	// Min requires metadata[field] to parse as a number >= bound.
	Min map[string]float64
}

// Empty reports whether f imposes no condition.
func (f Filter) Empty() bool { return len(f.Equals) == 0 && len(f.Min) == 0 }

func (f Filter) validate() error {
	for k := range f.Equals {
		if strings.TrimSpace(k) == "" {
			return invalidf("filter field name is empty")
		}
	}
	for k, v := range f.Min {
		if strings.TrimSpace(k) == "" {
			return invalidf("filter field name is empty")
		}
		if math.IsNaN(v) {
			return invalidf("filter bound for %q is NaN", k)
		}
	}
	return nil
}

// matchMin checks the numeric bounds against one item's metadata.
// Missing or unparsable values never match.
func (f Filter) matchMin(meta map[string]string) bool {
	for field, bound := range f.Min {
		raw, ok := meta[field]
		if !ok {
			return false
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil || v < bound {
			return false
		}
	}
	return true
}

// postings is an inverted index field -> value -> slots.
type postings map[string]map[string]*roaring.Bitmap

func (p postings) add(slot uint32, meta map[string]string) {
	for k, v := range meta {
		values := p[k]
		if values == nil {
			values = make(map[string]*roaring.Bitmap)
			p[k] = values
		}
		bm := values[v]
		if bm == nil {
			bm = roaring.New()
			values[v] = bm
		}
		bm.Add(slot)
	}
}

func (p postings) remove(slot uint32, meta map[string]string) {
	for k, v := range meta {
		values := p[k]
		if values == nil {
			continue
		}
		if bm := values[v]; bm != nil {
			bm.Remove(slot)
			if bm.IsEmpty() {
				delete(values, v)
			}
		}
		if len(values) == 0 {
			delete(p, k)
		}
	}
}

// candidates intersects the posting lists of every equality condition with
// live. The result is a fresh bitmap the caller may keep.
func (p postings) candidates(live *roaring.Bitmap, eq map[string]string) *roaring.Bitmap {
	if len(eq) == 0 {
		return live.Clone()
	}
	// smallest list first keeps intermediate results small
	lists := make([]*roaring.Bitmap, 0, len(eq))
	for k, v := range eq {
		bm := p[k][v]
		if bm == nil {
			return roaring.New()
		}
		lists = append(lists, bm)
	}
	sort.Slice(lists, func(i, j int) bool { return lists[i].GetCardinality() < lists[j].GetCardinality() })
	out := roaring.And(live, lists[0])
	for _, bm := range lists[1:] {
		if out.IsEmpty() {
			break
		}
		out.And(bm)
	}
	return out
}
