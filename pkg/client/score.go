package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// Score is a validated quality score payload.
type Score struct {
	// ID echoes the work item id when the service returns it.
	ID string `json:"id,omitempty"`

	Version int `json:"version"`

	// Value is the overall disclosure quality score in [0, 100].
	Value float64 `json:"score"`

	// Band is the qualitative grade the service assigns ("A".."E").
	Band string `json:"band,omitempty"`

	// Subscores holds per-pillar scores keyed by pillar name.
	Subscores map[string]float64 `json:"subscores,omitempty"`

	GeneratedAt time.Time `json:"generatedAt,omitempty"`

	// Raw is the full payload as received, kept as the item detail.
	Raw json.RawMessage `json:"-"`
}

// Summary is the compact view of a score carried by ItemEntries and batch
// cache-check results.
type Summary struct {
	Value       float64   `json:"score"`
	Band        string    `json:"band,omitempty"`
	Version     int       `json:"version"`
	GeneratedAt time.Time `json:"generatedAt,omitempty"`
}

// Summary returns the compact view of s.
func (s *Score) Summary() Summary {
	return Summary{
		Value:       s.Value,
		Band:        s.Band,
		Version:     s.Version,
		GeneratedAt: s.GeneratedAt,
	}
}

// ParseError reports a payload that is not a valid score.
type ParseError struct {
	Field  string
	Reason string
	Err    error
}

// Error implements the error interface.
func (e *ParseError) Error() string {
	msg := "invalid score payload"
	if e.Field != "" {
		msg += ": " + e.Field
	}
	if e.Reason != "" {
		msg += " " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *ParseError) Unwrap() error {
	return e.Err
}

// wireScore mirrors the payload with pointer fields so missing values are
// distinguishable from zero values.
type wireScore struct {
	ID          string             `json:"id"`
	Version     *int               `json:"version"`
	Score       *float64           `json:"score"`
	Band        string             `json:"band"`
	Subscores   map[string]float64 `json:"subscores"`
	GeneratedAt string             `json:"generatedAt"`
}

// ParseScore validates data as a score payload.
func ParseScore(data []byte) (*Score, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, &ParseError{Reason: "is empty"}
	}
	if trimmed[0] != '{' {
		return nil, &ParseError{Reason: "is not a JSON object"}
	}

	var w wireScore
	if err := json.Unmarshal(trimmed, &w); err != nil {
		return nil, &ParseError{Reason: "is malformed", Err: err}
	}

	if w.Score == nil {
		return nil, &ParseError{Field: "score", Reason: "is missing"}
	}
	if math.IsNaN(*w.Score) || *w.Score < 0 || *w.Score > 100 {
		return nil, &ParseError{Field: "score", Reason: fmt.Sprintf("out of range: %v", *w.Score)}
	}
	if w.Version == nil {
		return nil, &ParseError{Field: "version", Reason: "is missing"}
	}
	if *w.Version < 1 {
		return nil, &ParseError{Field: "version", Reason: fmt.Sprintf("must be >= 1 (got %d)", *w.Version)}
	}

	s := &Score{
		ID:        w.ID,
		Version:   *w.Version,
		Value:     *w.Score,
		Band:      w.Band,
		Subscores: w.Subscores,
		Raw:       append(json.RawMessage(nil), trimmed...),
	}

	if w.GeneratedAt != "" {
		at, err := time.Parse(time.RFC3339, w.GeneratedAt)
		if err != nil {
			return nil, &ParseError{Field: "generatedAt", Reason: "is not RFC3339", Err: err}
		}
		s.GeneratedAt = at
	}

	return s, nil
}
