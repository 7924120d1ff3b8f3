// Package queue dispatches agent requests asynchronously in priority
// order. Higher-weight jobs dispatch first; jobs of equal weight keep
// their submission order.
package queue

import (
	"container/heap"
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"forge-ai/internal/domain"
	"forge-ai/internal/infra/config"
	"forge-ai/internal/infra/metrics"
)

// ExecuteFunc runs one dequeued request. The queue owns retries across
// calls; the func owns everything inside a single attempt.
type ExecuteFunc func(ctx context.Context, req domain.AgentRequest) (domain.AgentResponse, error)

type item struct {
	job    *domain.QueueJob
	weight int
	seq    uint64
}

// jobHeap orders by weight descending, then seq ascending.
type jobHeap []*item

func (h jobHeap) Len() int { return len(h) }
func (h jobHeap) Less(i, j int) bool {
	if h[i].weight != h[j].weight {
		return h[i].weight > h[j].weight
	}
	return h[i].seq < h[j].seq
}
func (h jobHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *jobHeap) Push(x any)        { *h = append(*h, x.(*item)) }
func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

// Queue is the in-memory priority dispatcher.
type Queue struct {
	cfg       config.QueueConfig
	exec      ExecuteFunc
	bus       domain.EventBus
	collector *metrics.Collector // nil = no gauge export
	logger    *slog.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	heap    jobHeap
	jobs    map[string]*domain.QueueJob
	seq     uint64
	stopped bool

	wg sync.WaitGroup
}

// New creates a queue. Workers start on Start.
func New(cfg config.QueueConfig, exec ExecuteFunc, bus domain.EventBus, collector *metrics.Collector, logger *slog.Logger) *Queue {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	q := &Queue{
		cfg:       cfg,
		exec:      exec,
		bus:       bus,
		collector: collector,
		logger:    logger,
		jobs:      make(map[string]*domain.QueueJob),
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Start launches the dispatch workers.
func (q *Queue) Start() {
	for i := 0; i < q.cfg.Workers; i++ {
		q.wg.Add(1)
		go q.worker()
	}
	q.logger.Info("queue started", "workers", q.cfg.Workers)
}

// Stop prevents new dispatches and waits for in-flight jobs to finish.
// Pending jobs stay pending; they are not failed.
func (q *Queue) Stop() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	q.cond.Broadcast()
	q.mu.Unlock()

	q.wg.Wait()
	q.logger.Info("queue stopped")
}

// Enqueue submits a request for asynchronous dispatch and returns the job
// id immediately. Never blocks on queue depth.
func (q *Queue) Enqueue(req domain.AgentRequest) (string, error) {
	return q.enqueue(req, 0)
}

// EnqueueDelayed submits a request that becomes eligible for dispatch
// after the delay elapses.
func (q *Queue) EnqueueDelayed(req domain.AgentRequest, delay time.Duration) (string, error) {
	return q.enqueue(req, delay)
}

func (q *Queue) enqueue(req domain.AgentRequest, delay time.Duration) (string, error) {
	if req.ID == "" {
		req.ID = domain.NewID()
	}

	job := &domain.QueueJob{
		ID:          domain.NewID(),
		Request:     req,
		Priority:    req.Priority.Weight(),
		Status:      domain.JobPending,
		MaxAttempts: q.cfg.MaxAttempts,
		Delay:       delay,
		CreatedAt:   time.Now(),
	}

	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return "", domain.NewDomainError("Queue.Enqueue", domain.ErrEngineDestroyed, "queue")
	}
	q.jobs[job.ID] = job
	if delay <= 0 {
		q.pushLocked(job)
	}
	q.mu.Unlock()

	if delay > 0 {
		// The timer may fire after Stop; the stopped check makes it a no-op.
		time.AfterFunc(delay, func() {
			q.mu.Lock()
			if !q.stopped && job.Status == domain.JobPending {
				q.pushLocked(job)
			}
			q.mu.Unlock()
		})
	}

	q.publishJob(domain.EventJobEnqueued, job)
	return job.ID, nil
}

func (q *Queue) pushLocked(job *domain.QueueJob) {
	q.seq++
	heap.Push(&q.heap, &item{job: job, weight: job.Priority, seq: q.seq})
	q.cond.Signal()
	q.exportDepthLocked()
}

// Job returns a snapshot of a job's state.
func (q *Queue) Job(id string) (domain.QueueJob, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[id]
	if !ok {
		return domain.QueueJob{}, domain.NewDomainError("Queue.Job", domain.ErrJobNotFound, id)
	}
	return *job, nil
}

// Depth returns the number of jobs waiting for dispatch.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}

func (q *Queue) worker() {
	defer q.wg.Done()

	for {
		q.mu.Lock()
		for len(q.heap) == 0 && !q.stopped {
			q.cond.Wait()
		}
		if q.stopped {
			q.mu.Unlock()
			return
		}
		it := heap.Pop(&q.heap).(*item)
		job := it.job
		now := time.Now()
		job.Status = domain.JobProcessing
		job.Attempts++
		if job.ProcessedAt == nil {
			job.ProcessedAt = &now
		}
		q.exportDepthLocked()
		q.mu.Unlock()

		q.dispatch(job)
	}
}

func (q *Queue) dispatch(job *domain.QueueJob) {
	_, err := q.exec(context.Background(), job.Request)

	q.mu.Lock()
	now := time.Now()
	switch {
	case err == nil:
		job.Status = domain.JobCompleted
		job.CompletedAt = &now
	case job.Attempts < job.MaxAttempts && !q.stopped:
		job.Status = domain.JobPending
		job.Error = err.Error()
		q.pushLocked(job)
	default:
		job.Status = domain.JobFailed
		job.FailedAt = &now
		job.Error = err.Error()
	}
	status := job.Status
	q.mu.Unlock()

	switch status {
	case domain.JobCompleted:
		q.publishJob(domain.EventJobCompleted, job)
	case domain.JobFailed:
		q.logger.Warn("queued job failed",
			"job_id", job.ID,
			"agent_id", job.Request.AgentID,
			"attempts", job.Attempts,
			"error", err,
		)
		q.publishJob(domain.EventJobFailed, job)
	}
}

func (q *Queue) exportDepthLocked() {
	if q.collector != nil {
		q.collector.SetQueueDepth(len(q.heap))
	}
}

func (q *Queue) publishJob(typ domain.EventType, job *domain.QueueJob) {
	payload, _ := json.Marshal(map[string]any{
		"job_id":   job.ID,
		"priority": job.Priority,
	})
	q.bus.Publish(context.Background(), domain.Event{
		Type:      typ,
		Timestamp: time.Now(),
		AgentID:   job.Request.AgentID,
		RequestID: job.Request.ID,
		Payload:   payload,
	})
}
