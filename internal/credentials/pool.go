package credentials

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	"github.com/book-expert/logger"
)

var (
	// ErrExhausted is returned when no active credential exists.
	ErrExhausted = errors.New("no active credential available")
	// ErrAllLeased is returned when every active credential is already in use by this process.
	ErrAllLeased = errors.New("all active credentials are in use")
)

// Pool selects credentials and applies lifecycle transitions after every attempt.
// State lives in the Store; the pool only keeps the set of credentials leased to
// in-flight calls of this process.
type Pool struct {
	store  Store
	log    *logger.Logger
	now    func() time.Time
	pick   func(n int) int
	mu     sync.Mutex
	leased map[string]struct{}
}

// Lease is a credential reserved for a single in-flight attempt.
type Lease struct {
	Record Record
	pool   *Pool
	once   sync.Once
}

// NewPool creates a pool over store.
func NewPool(store Store, log *logger.Logger) *Pool {
	return &Pool{
		store:  store,
		log:    log,
		now:    time.Now,
		pick:   rand.IntN,
		mu:     sync.Mutex{},
		leased: make(map[string]struct{}),
	}
}

// SelectRandom returns a uniformly chosen active credential.
func (p *Pool) SelectRandom(ctx context.Context) (Record, error) {
	active, err := p.activeRecords(ctx)
	if err != nil {
		return Record{}, err
	}

	if len(active) == 0 {
		return Record{}, ErrExhausted
	}

	return active[p.pick(len(active))], nil
}

// Acquire selects a random active credential that is neither excluded nor leased
// and leases it until Release is called.
func (p *Pool) Acquire(ctx context.Context, exclude ...string) (*Lease, error) {
	active, err := p.activeRecords(ctx)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	candidates := make([]Record, 0, len(active))
	available := 0

	for _, record := range active {
		if slices.Contains(exclude, record.ID) {
			continue
		}

		available++

		if _, busy := p.leased[record.ID]; busy {
			continue
		}

		candidates = append(candidates, record)
	}

	if available == 0 {
		return nil, ErrExhausted
	}

	if len(candidates) == 0 {
		return nil, ErrAllLeased
	}

	chosen := candidates[p.pick(len(candidates))]
	p.leased[chosen.ID] = struct{}{}

	return &Lease{Record: chosen, pool: p, once: sync.Once{}}, nil
}

// Release returns the credential to the pool. It is safe to call more than once.
func (l *Lease) Release() {
	l.once.Do(func() {
		l.pool.mu.Lock()
		delete(l.pool.leased, l.Record.ID)
		l.pool.mu.Unlock()
	})
}

// RecordSuccess stamps the credential as used now.
func (p *Pool) RecordSuccess(ctx context.Context, id string) error {
	usedAt := p.now().UTC()

	err := p.store.Patch(ctx, id, Fields{Status: nil, CreditsRemaining: nil, LastUsedAt: &usedAt})
	if err != nil {
		return fmt.Errorf("failed to record success: %w", err)
	}

	return nil
}

// RecordCreditObservation stores the observed balance and applies the threshold rule.
// Terminal credentials are left untouched. It returns the resulting status.
func (p *Pool) RecordCreditObservation(ctx context.Context, id string, creditsRemaining int) (Status, error) {
	record, err := p.find(ctx, id)
	if err != nil {
		return "", err
	}

	if record.Status.IsTerminal() {
		return record.Status, nil
	}

	status := StatusForCredits(creditsRemaining)

	err = p.store.Patch(ctx, id, Fields{Status: &status, CreditsRemaining: &creditsRemaining, LastUsedAt: nil})
	if err != nil {
		return "", fmt.Errorf("failed to record credit observation: %w", err)
	}

	if status != record.Status {
		p.log.Info("Credential %s moved from %s to %s (%d credits remaining)",
			Redact(record.Secret), record.Status, status, creditsRemaining)
	}

	return status, nil
}

// RecordFailure marks the credential as failed. Terminal credentials are left untouched.
func (p *Pool) RecordFailure(ctx context.Context, id string) error {
	record, err := p.find(ctx, id)
	if err != nil {
		return err
	}

	if record.Status.IsTerminal() {
		return nil
	}

	status := StatusFailed

	err = p.store.Patch(ctx, id, Fields{Status: &status, CreditsRemaining: nil, LastUsedAt: nil})
	if err != nil {
		return fmt.Errorf("failed to record failure: %w", err)
	}

	p.log.Warn("Credential %s marked as failed", Redact(record.Secret))

	return nil
}

// PurgeNonActive removes every low_credits, failed and expired credential.
func (p *Pool) PurgeNonActive(ctx context.Context) (int, error) {
	records, err := p.store.ListAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list credentials: %w", err)
	}

	removed := 0

	for _, record := range records {
		if record.Status == StatusActive {
			continue
		}

		removeErr := p.store.Remove(ctx, record.ID)
		if removeErr != nil {
			if errors.Is(removeErr, ErrNotFound) {
				continue
			}

			return removed, fmt.Errorf("failed to purge credential %s: %w", Redact(record.Secret), removeErr)
		}

		removed++
	}

	p.log.Info("Purged %d non-active credentials", removed)

	return removed, nil
}

// List returns every credential record.
func (p *Pool) List(ctx context.Context) ([]Record, error) {
	records, err := p.store.ListAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}

	return records, nil
}

func (p *Pool) activeRecords(ctx context.Context) ([]Record, error) {
	records, err := p.store.ListAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}

	active := make([]Record, 0, len(records))

	for _, record := range records {
		if record.Status == StatusActive {
			active = append(active, record)
		}
	}

	return active, nil
}

func (p *Pool) find(ctx context.Context, id string) (Record, error) {
	records, err := p.store.ListAll(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("failed to list credentials: %w", err)
	}

	for _, record := range records {
		if record.ID == id {
			return record, nil
		}
	}

	return Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
}
