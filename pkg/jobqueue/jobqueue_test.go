package jobqueue

import (
	"testing"
	"time"
)

func TestNextBackoff(t *testing.T) {
	tests := []struct {
		name     string
		attempts int
		want     time.Duration
	}{
		{"first attempt", 0, 1 * time.Second},
		{"second attempt", 1, 2 * time.Second},
		{"third attempt", 2, 4 * time.Second},
		{"caps at 300s", 10, 300 * time.Second},
		{"well past cap", 20, 300 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := nextBackoff(tt.attempts)
			if got != tt.want {
				t.Fatalf("got %s, want %s", got, tt.want)
			}
		})
	}
}

func TestDefaultMaxAttempts(t *testing.T) {
	if DefaultMaxAttempts != 5 {
		t.Fatalf("got %d, want 5", DefaultMaxAttempts)
	}
}
