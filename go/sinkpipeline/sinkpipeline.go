// Package sinkpipeline implements the bounded, grouped, flush-on-timer
// buffer in front of a sink transport. It acquires MemoryBudget permits
// before admitting a message, groups messages by stream key, flushes
// batches to a Transport on a timer, and drives an AckTracker from
// transport completion callbacks.
package sinkpipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/estuary/ingestcore/go/acktracker"
	"github.com/estuary/ingestcore/go/membudget"
	"github.com/estuary/ingestcore/go/metrics"
	"github.com/estuary/ingestcore/go/model"
)

// writeSpin is the poll interval Write uses while a permit is unavailable:
// it blocks with a small spin+sleep rather than a condition variable.
const writeSpin = 10 * time.Millisecond

// Transport is the concrete sink client contract SinkPipeline drives. It
// is an external collaborator; this package only depends on the small
// surface the flusher needs.
//
// Send must eventually call done, exactly once, with nil on success or a
// non-nil error. Transport errors are the transport's own responsibility
// to retry; SinkPipeline never re-sends a batch itself and never drops
// it.
type Transport interface {
	Send(streamKey string, batch []model.Message, done func(error))
}

// Config bounds how a Pipeline batches and checkpoints. BatchMaxMessages
// and BatchMaxBytes are the size/byte limits a flush is bounded by; sane
// engine-level defaults are documented here rather than invented silently
// at the call site.
type Config struct {
	BatchFlushInterval time.Duration
	SaveOffsetInterval time.Duration
	BatchMaxMessages   int
	BatchMaxBytes      int64
}

// DefaultConfig returns conservative batching limits.
func DefaultConfig() Config {
	return Config{
		BatchFlushInterval: time.Second,
		SaveOffsetInterval: time.Second,
		BatchMaxMessages:   256,
		BatchMaxBytes:      4 << 20, // 4MiB
	}
}

type queued struct {
	msg    model.Message
	handle acktracker.Handle
}

// Pipeline is the SinkPipeline: a bounded, stream-keyed, flush-on-timer
// buffer in front of a sink Transport.
type Pipeline struct {
	taskID, instanceID string
	cfg                Config
	budget             *membudget.Budget
	poolName           string
	ack                *acktracker.Tracker
	transport          Transport

	mu     sync.Mutex
	queues map[string][]queued

	shutdown atomic.Bool
	wg       sync.WaitGroup
}

// New constructs a Pipeline. ack must be the same Tracker the caller uses
// to observe Finished()/offset progress for this instance.
func New(taskID, instanceID string, cfg Config, budget *membudget.Budget, poolName string, ack *acktracker.Tracker, transport Transport) *Pipeline {
	return &Pipeline{
		taskID:     taskID,
		instanceID: instanceID,
		cfg:        cfg,
		budget:     budget,
		poolName:   poolName,
		ack:        ack,
		transport:  transport,
		queues:     make(map[string][]queued),
	}
}

// Start launches the flusher and checkpoint background loops. It must be
// called once before Write.
func (p *Pipeline) Start() {
	p.wg.Add(2)
	go p.flusherLoop()
	go p.checkpointLoop()
}

// Write blocks, spinning on MemoryBudget permits, until msg is accepted or
// ctx is cancelled or the pipeline is shut down. The EndMessage sentinel
// is accepted but never forwarded to the transport; it only increments a
// failure metric.
//
// A message's opaque source offset travels in Header["offset"]; the
// SourceAdapter that produced msg is responsible for setting it (Instance
// forwards messages unchanged), since SinkPipeline has no visibility into
// SourceAdapter's read position otherwise.
func (p *Pipeline) Write(ctx context.Context, msg model.Message) error {
	if msg.End {
		metrics.FailureTotal.WithLabelValues(p.taskID, "end-message").Inc()
		return nil
	}

	var length = int64(len(msg.Body))
	for {
		if p.shutdown.Load() {
			return model.ErrInvalidState
		}
		if p.budget.TryAcquire(p.poolName, length) {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(writeSpin):
		}
	}

	var handle = p.ack.Enqueue(msg.Header["offset"], length)

	p.mu.Lock()
	var key = msg.StreamKey()
	p.queues[key] = append(p.queues[key], queued{msg: msg, handle: handle})
	p.mu.Unlock()

	return nil
}

// Finished reports whether the AckTracker is empty, i.e. every admitted
// message has been flushed and acknowledged.
func (p *Pipeline) Finished() bool {
	return p.ack.IsEmpty()
}

// Shutdown sets the shutdown flag, waits for both background loops to
// observe it and exit, then releases every outstanding permit via
// AckTracker.Clear. In-flight batches handed to the transport but not yet
// acknowledged are abandoned; their permits are released here rather than
// by a transport completion that may never arrive.
func (p *Pipeline) Shutdown() {
	p.shutdown.Store(true)
	p.wg.Wait()
	p.ack.Clear()
}

func (p *Pipeline) flusherLoop() {
	defer p.wg.Done()

	var ticker = time.NewTicker(p.cfg.BatchFlushInterval)
	defer ticker.Stop()

	for {
		if p.shutdown.Load() {
			return
		}
		<-ticker.C
		p.flushOnce()
	}
}

func (p *Pipeline) flushOnce() {
	p.mu.Lock()
	var keys = make([]string, 0, len(p.queues))
	for k, v := range p.queues {
		if len(v) > 0 {
			keys = append(keys, k)
		}
	}
	p.mu.Unlock()

	for _, key := range keys {
		p.flushStream(key)
	}
}

// flushStream dequeues one bounded batch for key and hands it to the
// transport. It never reorders within key: the batch is always a prefix
// of the queue, and messages not selected stay at the front for the next
// tick.
func (p *Pipeline) flushStream(key string) {
	p.mu.Lock()
	var all = p.queues[key]
	var n int
	var bytes int64
	for n < len(all) && n < p.cfg.BatchMaxMessages {
		var next = int64(len(all[n].msg.Body))
		if n > 0 && bytes+next > p.cfg.BatchMaxBytes {
			break
		}
		bytes += next
		n++
	}
	var batch = append([]queued(nil), all[:n]...)
	p.queues[key] = all[n:]
	p.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	var msgs = make([]model.Message, len(batch))
	for i, q := range batch {
		msgs[i] = q.msg
	}

	p.transport.Send(key, msgs, func(err error) {
		if err != nil {
			// Transport owns retries; a callback error here means the
			// transport gave up reporting, not that delivery failed
			// permanently. Log and leave the entries unacked so a future
			// Drain never checkpoints past them.
			log.WithFields(log.Fields{
				"task":     p.taskID,
				"instance": p.instanceID,
				"stream":   key,
				"err":      err,
			}).Error("sinkpipeline: transport reported a send failure")
			return
		}
		for _, q := range batch {
			p.ack.MarkAcked(q.handle)
		}
	})
}

func (p *Pipeline) checkpointLoop() {
	defer p.wg.Done()

	var ticker = time.NewTicker(p.cfg.SaveOffsetInterval)
	defer ticker.Stop()

	for {
		if p.shutdown.Load() {
			return
		}
		<-ticker.C
		if err := p.ack.Drain(); err != nil {
			log.WithFields(log.Fields{
				"task":     p.taskID,
				"instance": p.instanceID,
				"err":      err,
			}).Error("sinkpipeline: offset checkpoint failed")
		}
	}
}
