package block

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTime struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeTime) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeTime) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func newTestStore() (*Store, *fakeTime) {
	ft := &fakeTime{now: time.Unix(1700000000, 0)}
	return NewStore(NewClock(ft.Now), time.Minute), ft
}

func TestClockMillis(t *testing.T) {
	ft := &fakeTime{now: time.Unix(100, 0)}
	c := NewClock(ft.Now)
	assert.Equal(t, uint64(0), c.Millis())

	ft.Advance(1500 * time.Millisecond)
	assert.Equal(t, uint64(1500), c.Millis())

	ft.Advance(-time.Hour)
	assert.Equal(t, uint64(0), c.Millis())
}

func TestPushStampsBlock(t *testing.T) {
	s, ft := newTestStore()
	ft.Advance(250 * time.Millisecond)

	require.NoError(t, s.Push(NewMeta(3, 200*time.Millisecond, 1), []byte("hello")))
	b, ok := s.Get(3)
	require.True(t, ok)
	assert.Equal(t, uint64(250), b.CreateTime)
	assert.Equal(t, uint64(200), b.Deadline)
	assert.Equal(t, uint64(1), b.Priority)
	assert.Equal(t, uint64(5), b.Size)
	assert.Equal(t, uint64(5), b.Remaining)
	assert.False(t, b.HasDependency())
}

func TestPushRejectsBadBlocks(t *testing.T) {
	s, _ := newTestStore()

	require.ErrorIs(t, s.Push(NewMeta(1, time.Second, 0), nil), ErrEmptyBlock)
	require.NoError(t, s.Push(NewMeta(1, time.Second, 0), []byte("x")))
	require.ErrorIs(t, s.Push(NewMeta(1, time.Second, 0), []byte("y")), ErrDuplicateBlock)

	_, ok := s.Drop(1)
	require.True(t, ok)
	require.ErrorIs(t, s.Push(NewMeta(1, time.Second, 0), []byte("z")), ErrBlockDropped)
	assert.True(t, s.WasDropped(1))
}

func TestCandidatesKeepInsertionOrder(t *testing.T) {
	s, _ := newTestStore()
	for _, id := range []uint64{9, 2, 5} {
		require.NoError(t, s.Push(NewMeta(id, time.Second, 0), []byte("abc")))
	}
	require.NoError(t, s.Push(NewMeta(7, time.Second, 0).DependsOn(2), []byte("abc")))

	ids := make([]uint64, 0)
	for _, b := range s.Candidates() {
		ids = append(ids, b.ID)
	}
	assert.Equal(t, []uint64{9, 2, 5, 7}, ids)
	assert.Equal(t, uint64(2), s.Candidates()[3].DependID)

	require.True(t, s.Remove(2))
	assert.False(t, s.Remove(2))
	assert.Equal(t, 3, s.Len())
}

func TestCandidatesAreCopies(t *testing.T) {
	s, _ := newTestStore()
	require.NoError(t, s.Push(NewMeta(1, time.Second, 0), []byte("abcd")))

	c := s.Candidates()
	c[0].Remaining = 0

	b, _ := s.Get(1)
	assert.Equal(t, uint64(4), b.Remaining)
}

func TestNextDrainsInChunks(t *testing.T) {
	s, _ := newTestStore()
	payload := bytes.Repeat([]byte("0123456789"), 3)
	require.NoError(t, s.Push(NewMeta(1, time.Second, 0), payload))

	var got []byte
	for {
		chunk, err := s.Next(1, 8)
		require.NoError(t, err)
		if len(chunk) == 0 {
			break
		}
		assert.LessOrEqual(t, len(chunk), 8)
		got = append(got, chunk...)
	}
	assert.Equal(t, payload, got)

	b, _ := s.Get(1)
	assert.False(t, b.Eligible())
	assert.Equal(t, uint64(0), s.PendingBytes())

	_, err := s.Next(42, 8)
	require.ErrorIs(t, err, ErrUnknownBlock)
}

func TestPendingBytes(t *testing.T) {
	s, _ := newTestStore()
	require.NoError(t, s.Push(NewMeta(1, time.Second, 0), make([]byte, 100)))
	require.NoError(t, s.Push(NewMeta(2, time.Second, 0), make([]byte, 50)))

	_, err := s.Next(1, 30)
	require.NoError(t, err)
	assert.Equal(t, uint64(120), s.PendingBytes())
}

func TestDropUnknownBlock(t *testing.T) {
	s, _ := newTestStore()
	_, ok := s.Drop(5)
	assert.False(t, ok)
	assert.False(t, s.WasDropped(5))
}
