package sinkpipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"

	"github.com/estuary/ingestcore/go/acktracker"
	"github.com/estuary/ingestcore/go/membudget"
	"github.com/estuary/ingestcore/go/model"
	"github.com/estuary/ingestcore/go/offsetstore"
)

// fakeTransport records every batch it's handed and acks it immediately,
// standing in for the out-of-scope dataproxy client.
type fakeTransport struct {
	mu      sync.Mutex
	batches [][]model.Message
}

func (f *fakeTransport) Send(streamKey string, batch []model.Message, done func(error)) {
	f.mu.Lock()
	f.batches = append(f.batches, batch)
	f.mu.Unlock()
	done(nil)
}

func (f *fakeTransport) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.batches)
}

func newTestPipeline(t *testing.T) (*Pipeline, *fakeTransport, *membudget.Budget) {
	t.Helper()
	db, err := bolt.Open(t.TempDir()+"/test.db", 0600, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store, err := offsetstore.Open(db)
	require.NoError(t, err)

	var budget = membudget.New()
	budget.Register(membudget.AgentGlobalWriterPermit, 1<<20)

	var ack = acktracker.New("task1", "inst1", 1, budget, membudget.AgentGlobalWriterPermit, store)
	var transport = &fakeTransport{}

	var cfg = Config{
		BatchFlushInterval: 10 * time.Millisecond,
		SaveOffsetInterval: 10 * time.Millisecond,
		BatchMaxMessages:   256,
		BatchMaxBytes:      4 << 20,
	}
	return New("task1", "inst1", cfg, budget, membudget.AgentGlobalWriterPermit, ack, transport), transport, budget
}

func TestWriteFlushesAndChecksPointsOffset(t *testing.T) {
	var p, transport, _ = newTestPipeline(t)
	p.Start()
	defer p.Shutdown()

	require.NoError(t, p.Write(context.Background(), model.Message{
		Header: map[string]string{"offset": "10", "streamKey": "s1"},
		Body:   []byte("hello"),
	}))

	require.Eventually(t, func() bool {
		return transport.count() > 0
	}, time.Second, 5*time.Millisecond)

	require.Eventually(t, p.Finished, time.Second, 5*time.Millisecond)
}

func TestWriteRejectsEndMessageWithoutForwarding(t *testing.T) {
	var p, transport, _ = newTestPipeline(t)
	p.Start()
	defer p.Shutdown()

	require.NoError(t, p.Write(context.Background(), model.EndMessage()))
	time.Sleep(30 * time.Millisecond)
	require.Equal(t, 0, transport.count())
}

func TestShutdownReleasesOutstandingPermits(t *testing.T) {
	var p, _, budget = newTestPipeline(t)
	p.Start()

	require.NoError(t, p.Write(context.Background(), model.Message{
		Header: map[string]string{"offset": "1", "streamKey": "s1"},
		Body:   []byte("xyz"),
	}))
	p.Shutdown()

	require.EqualValues(t, 0, budget.Used(membudget.AgentGlobalWriterPermit))
}

func TestWriteBlocksWhilePermitUnavailable(t *testing.T) {
	var p, _, budget = newTestPipeline(t)
	// Starve the budget so the first Write has to spin.
	require.True(t, budget.TryAcquire(membudget.AgentGlobalWriterPermit, (1<<20)-2))
	p.Start()
	defer p.Shutdown()

	var ctx, cancel = context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	var err = p.Write(ctx, model.Message{
		Header: map[string]string{"offset": "1", "streamKey": "s1"},
		Body:   []byte("abcdefgh"),
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
