package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/nsqio/go-nsq"

	"docvec/features/job"
)

// Pool runs a fixed set of pollers that claim and process jobs. Polling is
// the authoritative pickup path; the NSQ nudge handler only shortens the
// wait between enqueue and claim.
type Pool struct {
	orchestrator *Orchestrator
	jobs         JobStore
	workers      int
	pollInterval time.Duration

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

func NewPool(orchestrator *Orchestrator, jobs JobStore, workers int, pollInterval time.Duration) *Pool {
	if workers <= 0 {
		workers = 1
	}
	return &Pool{
		orchestrator: orchestrator,
		jobs:         jobs,
		workers:      workers,
		pollInterval: pollInterval,
	}
}

func (p *Pool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.poll(ctx, i)
	}
	slog.Info("worker pool started", "workers", p.workers, "poll_interval", p.pollInterval)
}

// Stop cancels the pollers and waits for in-flight jobs to finish their
// current stage.
func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	slog.Info("worker pool stopped")
}

func (p *Pool) poll(ctx context.Context, id int) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.drain(ctx, id)
		}
	}
}

// drain claims jobs until the queue is empty so a burst does not wait one
// poll interval per job.
func (p *Pool) drain(ctx context.Context, workerID int) {
	for {
		if ctx.Err() != nil {
			return
		}
		j, err := p.jobs.ClaimNext(ctx)
		if err != nil {
			slog.ErrorContext(ctx, "failed to claim job", "worker", workerID, "error", err)
			return
		}
		if j == nil {
			return
		}
		if err := p.orchestrator.Process(ctx, j); err != nil {
			slog.ErrorContext(ctx, "job processing error", "worker", workerID, "job_id", j.ID, "error", err)
		}
	}
}

// ReadyConsumer handles jobs.ready nudges. The claim-by-id is conditional on
// the job still being pending, so duplicate or stale messages are no-ops.
type ReadyConsumer struct {
	orchestrator *Orchestrator
	jobs         JobStore
}

func NewReadyConsumer(orchestrator *Orchestrator, jobs JobStore) *ReadyConsumer {
	return &ReadyConsumer{orchestrator: orchestrator, jobs: jobs}
}

func (c *ReadyConsumer) HandleMessage(m *nsq.Message) error {
	if len(m.Body) == 0 {
		return nil
	}

	var msg job.ReadyMessage
	if err := json.Unmarshal(m.Body, &msg); err != nil {
		// Poison pill, don't retry
		slog.Error("poison pill: invalid jobs.ready message", "error", err)
		return nil
	}

	ctx := context.Background()
	j, err := c.jobs.Claim(ctx, msg.JobID)
	if err != nil {
		slog.ErrorContext(ctx, "failed to claim nudged job", "job_id", msg.JobID, "error", err)
		return err
	}
	if j == nil {
		// A poller got there first.
		return nil
	}
	return c.orchestrator.Process(ctx, j)
}
