package coordinator

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/urbackup-go/backupcore/internal/db"
)

func dbClient(id int64) db.Client {
	return db.Client{ID: id, Name: fmt.Sprintf("host%d", id)}
}

type nopCloserRW struct {
	io.Reader
	io.Writer
}

func (nopCloserRW) Close() error { return nil }

func TestUnthrottledPassesThrough(t *testing.T) {
	var out bytes.Buffer
	inner := nopCloserRW{Reader: bytes.NewReader([]byte("abc")), Writer: &out}
	tr := NewThrottler(0)
	rwc := tr.Attach(context.Background(), inner)
	assert.Equal(t, io.ReadWriteCloser(inner), rwc, "zero bandwidth cap should not wrap")
}

func TestThrottledStillMovesAllBytes(t *testing.T) {
	payload := bytes.Repeat([]byte{0x42}, 4096)
	var out bytes.Buffer
	inner := nopCloserRW{Reader: bytes.NewReader(payload), Writer: &out}

	// Generous budget so the test is fast; the point is correctness of
	// the wrapping, not the shaping itself.
	tr := NewThrottler(10 << 20)
	rwc := tr.Attach(context.Background(), inner)

	n, err := rwc.Write(payload)
	require.NoError(t, err)
	assert.Equal(t, len(payload), n)
	assert.Equal(t, payload, out.Bytes())

	got, err := io.ReadAll(rwc)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestThrottledWriteRespectsCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var out bytes.Buffer
	inner := nopCloserRW{Reader: bytes.NewReader(nil), Writer: &out}

	// Tiny budget: the first wait must consult the context and fail.
	tr := NewThrottler(1)
	rwc := tr.Attach(ctx, inner)
	done := make(chan error, 1)
	go func() {
		_, err := rwc.Write(bytes.Repeat([]byte{1}, 1<<20))
		done <- err
	}()
	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("throttled write ignored context cancellation")
	}
}

func TestSharedThrottlerPerClient(t *testing.T) {
	r := NewBackupRunner(nil, nil)
	c1 := r.throttlerFor(dbClient(1), 1000)
	again := r.throttlerFor(dbClient(1), 1000)
	c2 := r.throttlerFor(dbClient(2), 1000)
	assert.Same(t, c1, again, "sessions of one client share a limiter")
	assert.NotSame(t, c1, c2)
}
