package postgres

import (
	"errors"
	"fmt"
	"testing"

	"github.com/lib/pq"
)

func TestIsUniqueViolation(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"unique violation", &pq.Error{Code: "23505"}, true},
		{"wrapped unique violation", fmt.Errorf("insert: %w", &pq.Error{Code: "23505"}), true},
		{"foreign key violation", &pq.Error{Code: "23503"}, false},
		{"other error", errors.New("connection refused"), false},
		{"nil", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isUniqueViolation(tt.err); got != tt.want {
				t.Errorf("isUniqueViolation() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEncodeDecodeMap(t *testing.T) {
	if s, err := encodeMap(nil); err != nil || s != "{}" {
		t.Errorf("encodeMap(nil) = (%q, %v), want {}", s, err)
	}
	m, err := decodeMap([]byte(`{"book_id":"b-1","rating":4}`))
	if err != nil {
		t.Fatalf("decodeMap() error = %v", err)
	}
	if m["book_id"] != "b-1" || m["rating"] != float64(4) {
		t.Errorf("unexpected map %v", m)
	}
	if m, _ := decodeMap([]byte(`{}`)); m != nil {
		t.Errorf("empty object should decode to nil, got %v", m)
	}
}
