package telem

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markus-lassfolk/ons/pkg"
)

func TestNewStoreValidation(t *testing.T) {
	_, err := NewStore(4, 24)
	assert.Error(t, err)
	_, err = NewStore(64, 0)
	assert.Error(t, err)
	_, err = NewStore(64, 24)
	assert.NoError(t, err)
}

func TestRingBufferOverwritesOldest(t *testing.T) {
	rb := NewRingBuffer(3)
	for i := 1; i <= 5; i++ {
		rb.Add(&pkg.Event{SubID: i})
	}

	items := rb.Items()
	require.Len(t, items, 3)
	assert.Equal(t, []int{3, 4, 5}, []int{items[0].SubID, items[1].SubID, items[2].SubID})
	assert.Equal(t, 3, rb.Capacity())
}

func TestRingBufferRemoveBefore(t *testing.T) {
	base := time.Now()
	rb := NewRingBuffer(4)
	for i := 0; i < 4; i++ {
		rb.Add(&pkg.Event{SubID: i, Timestamp: base.Add(time.Duration(i) * time.Minute)})
	}

	assert.Equal(t, 2, rb.RemoveBefore(base.Add(90*time.Second)))
	assert.Equal(t, 2, rb.Size())
	assert.Equal(t, 2, rb.Items()[0].SubID)

	rb.Add(&pkg.Event{SubID: 9, Timestamp: base.Add(time.Hour)})
	assert.Equal(t, []int{2, 3, 9}, []int{rb.Items()[0].SubID, rb.Items()[1].SubID, rb.Items()[2].SubID})
}

func TestGetEventsFilters(t *testing.T) {
	s, err := NewStore(16, 24)
	require.NoError(t, err)

	seen := 0
	s.SetEventCallback(func(*pkg.Event) { seen++ })

	start := time.Now().Add(-time.Second)
	s.Emit(&pkg.Event{Type: pkg.EventScanStarted})
	s.Emit(&pkg.Event{Type: pkg.EventSelectionFinished, Result: "success"})
	s.Emit(&pkg.Event{Type: pkg.EventScanStarted})
	s.Emit(nil)

	assert.Len(t, s.GetEvents(start, 0), 3)
	assert.Len(t, s.GetEvents(time.Now().Add(time.Minute), 0), 0)

	finished := s.GetEvents(start, 0, pkg.EventSelectionFinished)
	require.Len(t, finished, 1)
	assert.Equal(t, "success", finished[0].Result)

	newest := s.GetEvents(start, 1)
	require.Len(t, newest, 1)
	assert.Equal(t, pkg.EventScanStarted, newest[0].Type)

	stats := s.GetStats()
	assert.Equal(t, 3, stats.Stored)
	assert.Equal(t, int64(2), stats.ByType[pkg.EventScanStarted])
	assert.Equal(t, 3, seen)
}

func TestCleanupDropsExpired(t *testing.T) {
	s, err := NewStore(16, 1)
	require.NoError(t, err)

	s.Emit(&pkg.Event{Type: pkg.EventScanStarted, Timestamp: time.Now().Add(-2 * time.Hour)})
	s.Emit(&pkg.Event{Type: pkg.EventScanStarted})
	s.Cleanup()

	assert.Equal(t, 1, s.GetStats().Stored)
	assert.Equal(t, int64(2), s.GetStats().Total)
}
