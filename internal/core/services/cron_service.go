package services

import (
	"context"
	"log"
	"time"

	"spsc-transferflow/internal/adapters/persistence/repositories"
	"spsc-transferflow/internal/config"

	"github.com/robfig/cron/v3"
)

const cronJobTimeout = 2 * time.Minute

// CronService runs periodic maintenance: the expired-code sweep and the
// progress job reconciliation pass
type CronService struct {
	cron      *cron.Cron
	repo      repositories.TransferRepository
	scheduler *ProgressScheduler
	cfg       config.CronConfig
	now       func() time.Time
}

// NewCronService creates a new cron service
func NewCronService(repo repositories.TransferRepository, scheduler *ProgressScheduler, cfg config.CronConfig) *CronService {
	return &CronService{
		cron: cron.New(cron.WithChain(
			cron.Recover(cron.DefaultLogger),
			cron.SkipIfStillRunning(cron.DefaultLogger),
		)),
		repo:      repo,
		scheduler: scheduler,
		cfg:       cfg,
		now:       time.Now,
	}
}

// Start registers the jobs and starts the cron loop
func (s *CronService) Start() error {
	if s.cfg.CodeRetentionDays > 0 {
		if _, err := s.cron.AddFunc(s.cfg.SweepSpec, s.runSweep); err != nil {
			return err
		}
	} else {
		log.Println("⚠️ CODE_RETENTION_DAYS=0 - expired code sweep disabled")
	}

	if _, err := s.cron.AddFunc(s.cfg.ReconcileSpec, s.runReconcile); err != nil {
		return err
	}

	s.cron.Start()
	log.Printf("🚀 CronService started (sweep=%q, reconcile=%q)", s.cfg.SweepSpec, s.cfg.ReconcileSpec)
	return nil
}

// Stop stops scheduling and waits for running jobs
func (s *CronService) Stop() {
	<-s.cron.Stop().Done()
	log.Println("🛑 CronService stopped")
}

// SweepExpiredCodes deletes unconsumed codes that expired more than the
// retention period ago. Consumed codes are kept as audit material.
func (s *CronService) SweepExpiredCodes(ctx context.Context) (int64, error) {
	if s.cfg.CodeRetentionDays <= 0 {
		return 0, nil
	}
	cutoff := s.now().AddDate(0, 0, -s.cfg.CodeRetentionDays)
	return s.repo.PurgeExpiredCodes(ctx, cutoff)
}

func (s *CronService) runSweep() {
	ctx, cancel := context.WithTimeout(context.Background(), cronJobTimeout)
	defer cancel()

	purged, err := s.SweepExpiredCodes(ctx)
	if err != nil {
		log.Printf("❌ Expired code sweep error: %v", err)
		return
	}
	if purged > 0 {
		log.Printf("🗑️ Purged %d expired validation codes", purged)
	}
}

func (s *CronService) runReconcile() {
	ctx, cancel := context.WithTimeout(context.Background(), cronJobTimeout)
	defer cancel()

	if _, err := s.scheduler.Reconcile(ctx); err != nil {
		log.Printf("❌ Progress reconcile error: %v", err)
	}
}
