package journal

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Recorder writes lifecycle records off the caller's goroutine so lifecycle observers
// never wait on storage.
type Recorder struct {
	store   Store
	logger  *zap.Logger
	timeout time.Duration

	mu     sync.Mutex
	ids    map[string]string
	queue  chan func(context.Context)
	closed bool
	done   chan struct{}
}

func NewRecorder(store Store, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Recorder{
		store:   store,
		logger:  logger.Named("journal"),
		timeout: 5 * time.Second,
		ids:     make(map[string]string),
		queue:   make(chan func(context.Context), 64),
		done:    make(chan struct{}),
	}
	go r.run()
	return r
}

// Started opens a record for a session.
func (r *Recorder) Started(record Record) {
	r.enqueue(func(ctx context.Context) {
		saved, err := r.store.Begin(ctx, record)
		if err != nil {
			r.logger.Warn("journal begin failed", zap.String("session_id", record.SessionID), zap.Error(err))
			return
		}
		r.mu.Lock()
		r.ids[record.SessionID] = saved.ID
		r.mu.Unlock()
	})
}

// Ended closes the record opened for sessionID. Sessions that never started are recorded
// as zero-length entries.
func (r *Recorder) Ended(record Record, end Ending) {
	r.enqueue(func(ctx context.Context) {
		r.mu.Lock()
		id, ok := r.ids[record.SessionID]
		delete(r.ids, record.SessionID)
		r.mu.Unlock()
		if !ok {
			record.StartedAt = end.EndedAt
			saved, err := r.store.Begin(ctx, record)
			if err != nil {
				r.logger.Warn("journal begin failed", zap.String("session_id", record.SessionID), zap.Error(err))
				return
			}
			id = saved.ID
		}
		if err := r.store.Finish(ctx, id, end); err != nil {
			r.logger.Warn("journal finish failed", zap.String("session_id", record.SessionID), zap.Error(err))
		}
	})
}

func (r *Recorder) Recent(ctx context.Context, limit int) ([]Record, error) {
	return r.store.Recent(ctx, limit)
}

func (r *Recorder) enqueue(op func(context.Context)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	select {
	case r.queue <- op:
	default:
		r.logger.Warn("journal queue full, dropping write")
	}
}

func (r *Recorder) run() {
	defer close(r.done)
	for op := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		op(ctx)
		cancel()
	}
}

// Close drains pending writes and closes the store.
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()
	select {
	case <-r.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return r.store.Close()
}
