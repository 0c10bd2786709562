package models

import "time"

// Well-known field names for video records.
const (
	FieldTitle       = "title"
	FieldDescription = "description"
	FieldTranscript  = "transcript"
)

// DefaultFieldOrder is the declared order in which text fields are joined.
var DefaultFieldOrder = []string{FieldTitle, FieldDescription, FieldTranscript}

// Field is one named text segment of a record.
type Field struct {
	Name string `json:"name"`
	Text string `json:"text"`
}

// Record is a raw item as yielded by a content source.
type Record struct {
	ID       string            `json:"id"`
	Fields   []Field           `json:"fields"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Text returns the text of the named field, or "" when absent.
func (r Record) Text(name string) string {
	for _, f := range r.Fields {
		if f.Name == name {
			return f.Text
		}
	}
	return ""
}

type Result struct {
	ItemID   string            `json:"itemID"`
	Score    float64           `json:"score"`
	Rank     int               `json:"rank"`
	URL      string            `json:"url,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// ItemError records why a single record did not make it into the store.
type ItemError struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

type IngestReport struct {
	RunID      string      `json:"runID"`
	StartedAt  time.Time   `json:"startedAt"`
	FinishedAt time.Time   `json:"finishedAt"`
	Succeeded  int         `json:"succeeded"`
	Skipped    []ItemError `json:"skipped"`
	Failed     []ItemError `json:"failed"`
}

// Total is the number of records the run looked at.
func (r IngestReport) Total() int { return r.Succeeded + len(r.Skipped) + len(r.Failed) }
