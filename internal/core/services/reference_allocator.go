package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"strconv"
	"strings"
	"time"

	"spsc-transferflow/internal/adapters/persistence/models"
	"spsc-transferflow/internal/adapters/persistence/repositories"
	"spsc-transferflow/internal/core/domain"
)

const (
	referenceTag      = "TRF"
	maxDailyReference = 9999
)

// ReferenceAllocator assigns TRF-YYMMDD-NNNN references under concurrent creation
type ReferenceAllocator struct {
	repo        repositories.TransferRepository
	maxAttempts int
	backoff     time.Duration
}

// NewReferenceAllocator creates a new allocator
func NewReferenceAllocator(repo repositories.TransferRepository, maxAttempts int, backoff time.Duration) *ReferenceAllocator {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &ReferenceAllocator{
		repo:        repo,
		maxAttempts: maxAttempts,
		backoff:     backoff,
	}
}

// ReferencePrefix returns the day-scoped prefix, e.g. "TRF-261018-"
func ReferencePrefix(day time.Time) string {
	return fmt.Sprintf("%s-%s-", referenceTag, day.Format("060102"))
}

// NextReference returns the reference following latest within prefix
func NextReference(prefix, latest string) (string, error) {
	if latest == "" {
		return prefix + "0001", nil
	}
	if !strings.HasPrefix(latest, prefix) {
		return "", fmt.Errorf("reference %q does not belong to %q", latest, prefix)
	}

	n, err := strconv.Atoi(strings.TrimPrefix(latest, prefix))
	if err != nil || n < 1 {
		return "", fmt.Errorf("malformed reference %q", latest)
	}
	if n >= maxDailyReference {
		return "", fmt.Errorf("%w: daily reference space exhausted for %s", domain.ErrReferenceAllocationFailed, prefix)
	}
	return fmt.Sprintf("%s%04d", prefix, n+1), nil
}

// Allocate inserts t with the next reference for day and runs fn in the same
// transaction. A lost race rolls everything back and the whole allocation is
// retried with a randomized backoff; fn may therefore run more than once.
func (a *ReferenceAllocator) Allocate(ctx context.Context, day time.Time, t *models.Transfer, fn func(tx repositories.TransferTx) error) (string, error) {
	prefix := ReferencePrefix(day)
	next := func(latest string) (string, error) {
		return NextReference(prefix, latest)
	}

	var lastErr error
	for attempt := 1; attempt <= a.maxAttempts; attempt++ {
		err := a.repo.CreateWithReference(ctx, prefix, next, t, fn)
		if err == nil {
			return t.ReferenceNumber, nil
		}
		if !errors.Is(err, repositories.ErrReferenceConflict) {
			return "", err
		}

		lastErr = err
		log.Printf("⚠️ Reference conflict for %s (attempt %d/%d): %v", prefix, attempt, a.maxAttempts, err)

		if attempt < a.maxAttempts {
			if err := sleepContext(ctx, a.jitter(attempt)); err != nil {
				return "", err
			}
		}
	}

	return "", fmt.Errorf("%w after %d attempts: %v", domain.ErrReferenceAllocationFailed, a.maxAttempts, lastErr)
}

func (a *ReferenceAllocator) jitter(attempt int) time.Duration {
	if a.backoff <= 0 {
		return 0
	}
	return time.Duration(attempt)*a.backoff + time.Duration(rand.Int63n(int64(a.backoff)))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
