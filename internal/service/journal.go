package service

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dreamnet/spine/internal/domain/agent"
	"github.com/dreamnet/spine/internal/domain/subscription"
	"github.com/dreamnet/spine/internal/domain/task"
	"github.com/dreamnet/spine/internal/port/database"
)

// flushTimeout bounds a single store write so a stalled database cannot
// wedge the journal worker.
const flushTimeout = 5 * time.Second

// entry is a single pending write. Exactly one field is non-nil.
type entry struct {
	agent *agent.Agent
	task  *task.Task
	sub   *subscription.Subscription
}

// JournalCounters is a snapshot of the journal's write statistics.
type JournalCounters struct {
	Enqueued int64 `json:"enqueued"`
	Flushed  int64 `json:"flushed"`
	Failed   int64 `json:"failed"`
	Dropped  int64 `json:"dropped"`
}

// Journal is a write-behind persistence queue. Registry mutations are
// enqueued without blocking and flushed to the store by a single worker.
// Flush failures are counted and logged, never propagated to callers.
type Journal struct {
	store database.Store
	log   *slog.Logger

	queue chan entry
	wg    sync.WaitGroup

	enqueued atomic.Int64
	flushed  atomic.Int64
	failed   atomic.Int64
	dropped  atomic.Int64
}

// NewJournal creates a Journal with the given queue depth.
func NewJournal(store database.Store, buffer int, log *slog.Logger) *Journal {
	return &Journal{
		store: store,
		log:   log,
		queue: make(chan entry, buffer),
	}
}

// Start launches the flush worker. It runs until ctx is cancelled, then
// drains whatever is still queued before returning.
func (j *Journal) Start(ctx context.Context) {
	j.wg.Add(1)
	go func() {
		defer j.wg.Done()
		for {
			select {
			case e := <-j.queue:
				j.flush(e)
			case <-ctx.Done():
				j.drain()
				return
			}
		}
	}()
}

// Wait blocks until the flush worker has exited.
func (j *Journal) Wait() {
	j.wg.Wait()
}

// RecordAgent enqueues an agent snapshot for persistence. The agent is
// copied so later registry mutations do not race the flush.
func (j *Journal) RecordAgent(a *agent.Agent) {
	cp := *a
	cp.TaskQueue = append([]string(nil), a.TaskQueue...)
	cp.Capabilities = append([]agent.Capability(nil), a.Capabilities...)
	j.enqueue(entry{agent: &cp})
}

// RecordTask enqueues a task snapshot for persistence.
func (j *Journal) RecordTask(t *task.Task) {
	cp := *t
	j.enqueue(entry{task: &cp})
}

// RecordSubscription enqueues a subscription for persistence.
func (j *Journal) RecordSubscription(s *subscription.Subscription) {
	cp := *s
	j.enqueue(entry{sub: &cp})
}

// Counters returns a snapshot of the journal statistics.
func (j *Journal) Counters() JournalCounters {
	return JournalCounters{
		Enqueued: j.enqueued.Load(),
		Flushed:  j.flushed.Load(),
		Failed:   j.failed.Load(),
		Dropped:  j.dropped.Load(),
	}
}

func (j *Journal) enqueue(e entry) {
	select {
	case j.queue <- e:
		j.enqueued.Add(1)
	default:
		j.dropped.Add(1)
		j.log.Warn("journal queue full, dropping write")
	}
}

func (j *Journal) flush(e entry) {
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()

	var err error
	switch {
	case e.agent != nil:
		err = j.store.UpsertAgent(ctx, e.agent)
	case e.task != nil:
		err = j.store.UpsertTask(ctx, e.task)
	case e.sub != nil:
		err = j.store.InsertSubscription(ctx, e.sub)
	}

	if err != nil {
		j.failed.Add(1)
		j.log.Error("journal flush failed", "error", err)
		return
	}
	j.flushed.Add(1)
}

func (j *Journal) drain() {
	for {
		select {
		case e := <-j.queue:
			j.flush(e)
		default:
			return
		}
	}
}
