package client

import (
	"errors"
	"testing"
	"time"
)

func TestParseScore(t *testing.T) {
	tests := []struct {
		name      string
		payload   string
		wantErr   bool
		wantField string
		wantValue float64
	}{
		{
			name:      "full payload",
			payload:   `{"id": "r1", "version": 3, "score": 73.5, "band": "B", "subscores": {"governance": 61}, "generatedAt": "2024-05-01T12:00:00Z"}`,
			wantValue: 73.5,
		},
		{
			name:      "minimal payload",
			payload:   `{"version": 1, "score": 0}`,
			wantValue: 0,
		},
		{name: "empty", payload: ``, wantErr: true},
		{name: "null", payload: `null`, wantErr: true},
		{name: "array", payload: `[1, 2]`, wantErr: true},
		{name: "malformed", payload: `{"score": `, wantErr: true},
		{name: "missing score", payload: `{"version": 3}`, wantErr: true, wantField: "score"},
		{name: "score wrong type", payload: `{"version": 3, "score": "high"}`, wantErr: true},
		{name: "score out of range", payload: `{"version": 3, "score": 140}`, wantErr: true, wantField: "score"},
		{name: "negative score", payload: `{"version": 3, "score": -1}`, wantErr: true, wantField: "score"},
		{name: "missing version", payload: `{"score": 50}`, wantErr: true, wantField: "version"},
		{name: "zero version", payload: `{"score": 50, "version": 0}`, wantErr: true, wantField: "version"},
		{name: "bad timestamp", payload: `{"score": 50, "version": 3, "generatedAt": "yesterday"}`, wantErr: true, wantField: "generatedAt"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			score, err := ParseScore([]byte(tt.payload))
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseScore() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				var pe *ParseError
				if !errors.As(err, &pe) {
					t.Fatalf("error %T is not *ParseError", err)
				}
				if tt.wantField != "" && pe.Field != tt.wantField {
					t.Errorf("Field = %q, want %q", pe.Field, tt.wantField)
				}
				return
			}
			if score.Value != tt.wantValue {
				t.Errorf("Value = %v, want %v", score.Value, tt.wantValue)
			}
			if len(score.Raw) == 0 {
				t.Error("Raw is empty")
			}
		})
	}
}

func TestScore_Summary(t *testing.T) {
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	score, err := ParseScore([]byte(`{"version": 3, "score": 81, "band": "A", "generatedAt": "2024-05-01T12:00:00Z"}`))
	if err != nil {
		t.Fatalf("ParseScore() error = %v", err)
	}

	got := score.Summary()
	want := Summary{Value: 81, Band: "A", Version: 3, GeneratedAt: at}
	if got != want {
		t.Errorf("Summary() = %+v, want %+v", got, want)
	}
}

func TestParseError_Error(t *testing.T) {
	err := &ParseError{Field: "score", Reason: "is missing"}
	if got, want := err.Error(), "invalid score payload: score is missing"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}
