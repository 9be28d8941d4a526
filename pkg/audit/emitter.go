package audit

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// Sink receives finished audit records. Implementations may block; the
// Emitter keeps them off the retrieval path.
type Sink interface {
	Write(ctx context.Context, rec Record) error
}

// Emitter hands records to a sink through a bounded buffer. Emit never
// blocks and never fails the caller: when the buffer is full the record is
// dropped and counted, because audit must not become an availability
// dependency for the path it observes.
type Emitter struct {
	sink       Sink
	buf        chan Record
	dropped    atomic.Int64
	sinkErrors atomic.Int64
	wg         sync.WaitGroup
	mu         sync.RWMutex
	closed     bool
	timeout    time.Duration
}

func NewEmitter(sink Sink, buffer int, sinkTimeout time.Duration) *Emitter {
	if buffer <= 0 {
		buffer = 256
	}
	if sinkTimeout <= 0 {
		sinkTimeout = 2 * time.Second
	}
	e := &Emitter{
		sink:    sink,
		buf:     make(chan Record, buffer),
		timeout: sinkTimeout,
	}
	e.wg.Add(1)
	go e.drain()
	return e
}

// Emit enqueues a record, dropping it if the buffer is full or the emitter
// is closed.
func (e *Emitter) Emit(rec Record) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		e.drop()
		return
	}
	select {
	case e.buf <- rec:
	default:
		e.drop()
	}
}

func (e *Emitter) drop() {
	n := e.dropped.Add(1)
	if n == 1 || n%100 == 0 {
		log.Printf("audit: dropped %d records", n)
	}
}

// Dropped reports records lost to a full buffer or a closed emitter.
func (e *Emitter) Dropped() int64 { return e.dropped.Load() }

// SinkErrors reports records the sink failed to persist.
func (e *Emitter) SinkErrors() int64 { return e.sinkErrors.Load() }

// Close stops accepting records and flushes the buffer.
func (e *Emitter) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	close(e.buf)
	e.mu.Unlock()
	e.wg.Wait()
}

func (e *Emitter) drain() {
	defer e.wg.Done()
	for rec := range e.buf {
		ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
		if err := e.sink.Write(ctx, rec); err != nil {
			n := e.sinkErrors.Add(1)
			if n == 1 || n%100 == 0 {
				log.Printf("audit: sink write failed (%d total): %v", n, err)
			}
		}
		cancel()
	}
}
