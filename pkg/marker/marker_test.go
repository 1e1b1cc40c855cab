package marker

import (
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetAndConsume(t *testing.T) {
	m := New(t.TempDir())

	set, err := m.IsSet()
	require.NoError(t, err)
	assert.False(t, set)

	ok, _, err := m.Consume()
	require.NoError(t, err)
	assert.False(t, ok, "consuming an unset marker")

	now := time.Date(2026, 3, 1, 12, 0, 0, 42, time.UTC)
	require.NoError(t, m.Set(now))
	require.NoError(t, m.Set(now.Add(time.Second)))

	set, err = m.IsSet()
	require.NoError(t, err)
	assert.True(t, set)

	ok, setAt, err := m.Consume()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, setAt.Equal(now.Add(time.Second)))

	ok, _, err = m.Consume()
	require.NoError(t, err)
	assert.False(t, ok, "two sets are consumed once")
}

func TestConsumeLeavesDirectoryClean(t *testing.T) {
	dir := t.TempDir()
	m := New(dir)

	require.NoError(t, m.Set(time.Now()))
	_, _, err := m.Consume()
	require.NoError(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestConcurrentConsumersSeeMarkerOnce(t *testing.T) {
	m := New(t.TempDir())
	require.NoError(t, m.Set(time.Now()))

	var (
		wg       sync.WaitGroup
		consumed atomic.Int32
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, _, err := m.Consume()
			assert.NoError(t, err)
			if ok {
				consumed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), consumed.Load())
}

func TestSetAfterConsumeIsSeenAgain(t *testing.T) {
	m := New(t.TempDir())

	require.NoError(t, m.Set(time.Now()))
	ok, _, err := m.Consume()
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, m.Set(time.Now()))
	ok, _, err = m.Consume()
	require.NoError(t, err)
	assert.True(t, ok)
}
