package dispatch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffDelay(t *testing.T) {
	b := Backoff{Base: 100 * time.Millisecond, Cap: 500 * time.Millisecond}

	tests := []struct {
		retry int
		want  time.Duration
	}{
		{retry: 0, want: 0},
		{retry: 1, want: 100 * time.Millisecond},
		{retry: 2, want: 200 * time.Millisecond},
		{retry: 3, want: 400 * time.Millisecond},
		{retry: 4, want: 500 * time.Millisecond},
		{retry: 40, want: 500 * time.Millisecond},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, b.Delay(tt.retry), "retry %d", tt.retry)
	}
}

func TestBackoffWithHint(t *testing.T) {
	b := Backoff{Base: 100 * time.Millisecond, Cap: time.Second}

	assert.Equal(t, 200*time.Millisecond, b.withHint(200*time.Millisecond, 50*time.Millisecond))
	assert.Equal(t, 700*time.Millisecond, b.withHint(200*time.Millisecond, 700*time.Millisecond))
	assert.Equal(t, time.Second, b.withHint(200*time.Millisecond, time.Minute))
}
