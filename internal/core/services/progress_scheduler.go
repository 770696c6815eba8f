package services

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"spsc-transferflow/internal/adapters/persistence/repositories"
	"spsc-transferflow/internal/config"
	"spsc-transferflow/internal/core/domain"

	"github.com/google/uuid"
)

// SettlementHandler finalizes a transfer once simulated settlement is over
type SettlementHandler func(ctx context.Context, transferID uuid.UUID) error

// ProgressScheduler owns at most one advancement job per transfer. Jobs are
// cheap goroutines; every tick re-reads the transfer under its row lock, so a
// job never acts on stale state and a lost job is rebuilt by Reconcile.
type ProgressScheduler struct {
	repo            repositories.TransferRepository
	notifier        *TransferNotifyService
	interval        time.Duration
	step            int
	settlementDelay time.Duration

	mu        sync.Mutex
	jobs      map[uuid.UUID]*progressJob
	onSettled SettlementHandler
	stopped   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type progressJob struct {
	transferID uuid.UUID
	target     int
	settle     bool
	cancel     context.CancelFunc
	done       chan struct{}
}

type tickOutcome int

const (
	tickContinue tickOutcome = iota
	tickReached
	tickHalt
)

// NewProgressScheduler creates a new scheduler
func NewProgressScheduler(repo repositories.TransferRepository, notifier *TransferNotifyService, cfg config.TransferConfig) *ProgressScheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &ProgressScheduler{
		repo:            repo,
		notifier:        notifier,
		interval:        cfg.TickInterval,
		step:            cfg.ProgressStep,
		settlementDelay: cfg.SettlementDelay,
		jobs:            make(map[uuid.UUID]*progressJob),
		ctx:             ctx,
		cancel:          cancel,
	}
}

// SetSettlementHandler sets what runs when a settling job finishes its delay
func (s *ProgressScheduler) SetSettlementHandler(fn SettlementHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onSettled = fn
}

// Enqueue starts advancing transferID toward targetPercent, replacing any
// existing job. The old job is cancelled and awaited first, so two jobs never
// run for the same transfer. A target of 100 means "approved, settle on
// arrival". Callers must not hold the transfer's row lock.
func (s *ProgressScheduler) Enqueue(transferID uuid.UUID, startPercent, targetPercent int) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(s.ctx)
	job := &progressJob{
		transferID: transferID,
		target:     targetPercent,
		settle:     targetPercent >= domain.SettledProgress,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	old := s.jobs[transferID]
	s.jobs[transferID] = job
	s.wg.Add(1)
	s.mu.Unlock()

	if old != nil {
		old.cancel()
		<-old.done
	}

	log.Printf("⏩ Progress job %s: %d%% -> %d%% (settle=%v)", transferID, startPercent, targetPercent, job.settle)
	go s.run(ctx, job)
}

// Cancel stops the job for transferID, if any. Safe to call repeatedly.
func (s *ProgressScheduler) Cancel(transferID uuid.UUID) {
	s.mu.Lock()
	job := s.jobs[transferID]
	delete(s.jobs, transferID)
	s.mu.Unlock()

	if job != nil {
		job.cancel()
		log.Printf("⏹️ Progress job %s cancelled", transferID)
	}
}

// IsActive reports whether a job is registered for transferID
func (s *ProgressScheduler) IsActive(transferID uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.jobs[transferID]
	return ok
}

// ActiveJobs returns the number of registered jobs
func (s *ProgressScheduler) ActiveJobs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

// Stop cancels every job and waits for them to exit
func (s *ProgressScheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	log.Println("🛑 ProgressScheduler stopped")
}

// Reconcile rebuilds jobs from persisted state: every pending transfer below
// its pause threshold and every in-progress transfer without a job gets one.
// Returns the number of jobs started.
func (s *ProgressScheduler) Reconcile(ctx context.Context) (int, error) {
	transfers, err := s.repo.ListActive(ctx)
	if err != nil {
		return 0, err
	}

	started := 0
	for _, t := range transfers {
		if s.IsActive(t.ID) {
			continue
		}
		target, settle, ok := domain.ProgressTarget(t.Status, t.CodesValidated, t.RequiredCodes)
		if !ok {
			continue
		}
		// paused, waiting for the next code
		if !settle && t.ProgressPercent >= target {
			continue
		}
		s.Enqueue(t.ID, t.ProgressPercent, target)
		started++
	}

	if started > 0 {
		log.Printf("🔁 Reconciled %d progress jobs", started)
	}
	return started, nil
}

// ============================================================
// Job loop
// ============================================================

func (s *ProgressScheduler) run(ctx context.Context, job *progressJob) {
	defer s.wg.Done()
	defer close(job.done)
	defer s.release(job)

	if !s.advance(ctx, job) || !job.settle {
		return
	}
	s.settle(ctx, job)
}

// release deregisters job unless it was already replaced
func (s *ProgressScheduler) release(job *progressJob) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.jobs[job.transferID] == job {
		delete(s.jobs, job.transferID)
	}
}

// advance ticks until the target is reached (true) or the job must stop (false)
func (s *ProgressScheduler) advance(ctx context.Context, job *progressJob) bool {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}

		outcome, err := s.tick(ctx, job)
		if err != nil {
			if ctx.Err() == nil {
				log.Printf("❌ Progress tick error for %s: %v", job.transferID, err)
			}
			return false
		}
		switch outcome {
		case tickReached:
			return true
		case tickHalt:
			return false
		}
	}
}

func (s *ProgressScheduler) tick(ctx context.Context, job *progressJob) (tickOutcome, error) {
	outcome := tickContinue
	var changes []TransferChange

	err := s.repo.WithLock(ctx, job.transferID, func(tx repositories.TransferTx) error {
		t := tx.Transfer()
		target, settle, ok := domain.ProgressTarget(t.Status, t.CodesValidated, t.RequiredCodes)
		if !ok {
			// suspended or terminal
			outcome = tickHalt
			return nil
		}

		limit := job.target
		capped := false
		if target < limit || (job.settle && !settle) {
			limit = target
			capped = true
		}
		reached := tickReached
		if capped {
			reached = tickHalt
		}

		if t.ProgressPercent >= limit {
			outcome = reached
			return nil
		}

		next := t.ProgressPercent + s.step
		if next > limit {
			next = limit
		}
		t.ProgressPercent = next
		if err := tx.SaveTransfer(t); err != nil {
			return err
		}

		changes = append(changes, ChangeFromTransfer(domain.NotifyProgressUpdated, t, ""))
		if next >= limit {
			outcome = reached
			if !settle {
				changes = append(changes, ChangeFromTransfer(domain.NotifyCodeRequired, t, "Validation code required to continue"))
			}
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, repositories.ErrTransferNotFound) {
			return tickHalt, nil
		}
		return tickHalt, err
	}

	for _, c := range changes {
		s.notifier.Publish(c)
	}
	return outcome, nil
}

func (s *ProgressScheduler) settle(ctx context.Context, job *progressJob) {
	timer := time.NewTimer(s.settlementDelay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}

	s.mu.Lock()
	handler := s.onSettled
	s.mu.Unlock()

	if handler == nil {
		log.Printf("⚠️ No settlement handler, %s stays in progress", job.transferID)
		return
	}
	if err := handler(ctx, job.transferID); err != nil && ctx.Err() == nil {
		log.Printf("❌ Settlement of %s failed: %v", job.transferID, err)
	}
}
