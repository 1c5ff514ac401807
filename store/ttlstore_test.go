package store

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetGet(t *testing.T) {
	s := New[string, int](time.Minute, nil)
	defer s.Close()

	s.Set("a", 1, time.Now().Add(time.Hour))
	got, ok := s.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1, got)

	_, ok = s.Get("missing")
	assert.False(t, ok)
}

func TestLookupObservesExpiry(t *testing.T) {
	var mu sync.Mutex
	var expired []string
	s := New[string, int](time.Hour, func(k string, _ int) {
		mu.Lock()
		expired = append(expired, k)
		mu.Unlock()
	})
	defer s.Close()

	s.Set("a", 1, time.Now().Add(-time.Second))
	_, ok := s.Get("a")
	assert.False(t, ok)

	mu.Lock()
	assert.Equal(t, []string{"a"}, expired)
	mu.Unlock()

	// The entry is gone; a second lookup must not report it again.
	_, ok = s.Get("a")
	assert.False(t, ok)
	mu.Lock()
	assert.Len(t, expired, 1)
	mu.Unlock()
}

func TestSweepReportsExpiry(t *testing.T) {
	ch := make(chan string, 1)
	s := New[string, int](10*time.Millisecond, func(k string, _ int) {
		ch <- k
	})
	defer s.Close()

	s.Set("a", 1, time.Now().Add(5*time.Millisecond))
	select {
	case k := <-ch:
		assert.Equal(t, "a", k)
	case <-time.After(time.Second):
		t.Fatal("sweep did not report expiry")
	}
	assert.Equal(t, 0, s.Len())
}

func TestDeleteIsSilent(t *testing.T) {
	called := false
	s := New[string, int](time.Hour, func(string, int) { called = true })
	defer s.Close()

	s.Set("a", 7, time.Now().Add(time.Hour))
	v, ok := s.Delete("a")
	require.True(t, ok)
	assert.Equal(t, 7, v)
	assert.False(t, called)

	_, ok = s.Delete("a")
	assert.False(t, ok)
}

func TestLenSkipsExpired(t *testing.T) {
	s := New[string, int](time.Hour, nil)
	defer s.Close()

	s.Set("live", 1, time.Now().Add(time.Hour))
	s.Set("dead", 2, time.Now().Add(-time.Hour))
	assert.Equal(t, 1, s.Len())
}
