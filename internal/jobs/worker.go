package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/garnizeh/volunteer-match/internal/models"
	"github.com/garnizeh/volunteer-match/pkg/repository"
)

const (
	defaultIdleWait  = 500 * time.Millisecond
	defaultErrorWait = time.Second
)

type WorkerPool struct {
	repo        repository.JobRepo
	mu          sync.RWMutex
	handlers    map[string]Handler
	logger      *slog.Logger
	workerCount int
	idleWait    time.Duration
	stop        chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup
}

func NewWorkerPool(repo repository.JobRepo, handlers map[string]Handler, logger *slog.Logger, workerCount int) *WorkerPool {
	if workerCount <= 0 {
		workerCount = 4
	}
	if logger == nil {
		logger = slog.Default()
	}
	hs := make(map[string]Handler, len(handlers))
	for k, v := range handlers {
		hs[k] = v
	}
	return &WorkerPool{repo: repo, handlers: hs, logger: logger, workerCount: workerCount, idleWait: defaultIdleWait, stop: make(chan struct{})}
}

// SetIdleWait changes how long an idle worker sleeps before polling again.
func (p *WorkerPool) SetIdleWait(d time.Duration) {
	if d > 0 {
		p.idleWait = d
	}
}

// Register adds or replaces the handler for a job type.
func (p *WorkerPool) Register(typ string, h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[typ] = h
}

func (p *WorkerPool) handler(typ string) (Handler, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	h, ok := p.handlers[typ]
	return h, ok
}

// Start launches the worker goroutines. Jobs still marked running from a
// previous process are requeued first.
func (p *WorkerPool) Start(ctx context.Context) {
	if n, err := p.repo.RequeueRunning(ctx); err != nil {
		p.logger.Error("requeue stale jobs", "err", err)
	} else if n > 0 {
		p.logger.Warn("requeued jobs left running by a previous process", "count", n)
	}
	for i := 0; i < p.workerCount; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
}

// Stop signals workers to stop and waits for them
func (p *WorkerPool) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
	p.wg.Wait()
}

// wait sleeps for d unless the pool is stopping. It reports whether the worker should continue.
func (p *WorkerPool) wait(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-p.stop:
		return false
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (p *WorkerPool) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	for {
		select {
		case <-p.stop:
			p.logger.Info("worker stopping", "id", id)
			return
		case <-ctx.Done():
			p.logger.Info("context canceled, worker exiting", "id", id)
			return
		default:
		}

		job, err := p.repo.FetchNext(ctx)
		if err != nil {
			p.logger.Error("fetch job", "err", err)
			if !p.wait(ctx, defaultErrorWait) {
				return
			}
			continue
		}
		if job == nil {
			if !p.wait(ctx, p.idleWait) {
				return
			}
			continue
		}
		p.run(ctx, job)
	}
}

// run executes one claimed job. Bookkeeping uses a context detached from ctx so
// a job interrupted by shutdown is still recorded rather than left running.
func (p *WorkerPool) run(ctx context.Context, job *models.BackgroundJob) {
	bctx := context.WithoutCancel(ctx)
	h, ok := p.handler(job.Type)
	if !ok {
		job.Status = StatusFailed
		job.LastError = "no handler"
		if err := p.repo.MoveToDeadLetter(bctx, job); err != nil {
			p.logger.Error("move to dead letter", "job_id", job.ID, "err", err)
		}
		return
	}

	err := h(ctx, job)
	if err == nil {
		job.Status = StatusDone
		if upErr := p.repo.UpdateJob(bctx, job); upErr != nil {
			p.logger.Error("mark job done", "job_id", job.ID, "err", upErr)
		}
		return
	}

	job.LastError = err.Error()
	if !errors.Is(err, ErrPermanent) && ctx.Err() != nil {
		// Interrupted by shutdown: hand the job back without spending an attempt.
		job.Status = StatusQueued
		job.NextTryAt = nil
		p.logger.Info("job interrupted, requeued", "job_id", job.ID, "type", job.Type, "err", err)
		if upErr := p.repo.UpdateJob(bctx, job); upErr != nil {
			p.logger.Error("requeue interrupted job", "job_id", job.ID, "err", upErr)
		}
		return
	}

	job.Attempts++
	if errors.Is(err, ErrPermanent) || job.Attempts >= job.MaxAttempts {
		job.Status = StatusFailed
		p.logger.Warn("job failed permanently", "job_id", job.ID, "type", job.Type, "attempts", job.Attempts, "err", err)
		if mvErr := p.repo.MoveToDeadLetter(bctx, job); mvErr != nil {
			p.logger.Error("move to dead letter", "job_id", job.ID, "err", mvErr)
		}
		return
	}

	t := time.Now().Add(BackoffDuration(job.Attempts))
	job.NextTryAt = &t
	job.Status = StatusRetry
	if upErr := p.repo.UpdateJob(bctx, job); upErr != nil {
		p.logger.Error("update job for retry", "job_id", job.ID, "err", upErr)
	}
}

// Enqueue convenience helper that creates a job and persists it
func (p *WorkerPool) Enqueue(ctx context.Context, typ string, payload any, priority int, maxAttempts int) (int64, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("marshal %s payload: %w", typ, err)
	}
	j := &models.BackgroundJob{Type: typ, Payload: b, Priority: priority, MaxAttempts: maxAttempts, ScheduledAt: time.Now()}
	return p.repo.Enqueue(ctx, j)
}
