package messaging

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/G-Research/batchflow/internal/common/pgkeyvalue"
)

// Ledger remembers the envelopes that have been executed so a redelivery can be skipped. It only saves work:
// handlers stay idempotent on their own.
type Ledger interface {
	Contains(ctx context.Context, envelopeID string) (bool, error)
	Add(ctx context.Context, envelopeID string) error
}

// MemoryLedger keeps envelope ids for a fixed time in process memory.
type MemoryLedger struct {
	ids *cache.Cache
}

func NewMemoryLedger(retention time.Duration) *MemoryLedger {
	return &MemoryLedger{ids: cache.New(retention, retention)}
}

func (l *MemoryLedger) Contains(_ context.Context, envelopeID string) (bool, error) {
	_, ok := l.ids.Get(envelopeID)
	return ok, nil
}

func (l *MemoryLedger) Add(_ context.Context, envelopeID string) error {
	l.ids.SetDefault(envelopeID, struct{}{})
	return nil
}

// PostgresLedger shares executed envelope ids between scheduler instances through a postgres table.
type PostgresLedger struct {
	kv *pgkeyvalue.PGKeyValueStore
}

func NewPostgresLedger(kv *pgkeyvalue.PGKeyValueStore) *PostgresLedger {
	return &PostgresLedger{kv: kv}
}

func (l *PostgresLedger) Contains(ctx context.Context, envelopeID string) (bool, error) {
	return l.kv.Contains(ctx, envelopeID)
}

func (l *PostgresLedger) Add(ctx context.Context, envelopeID string) error {
	_, err := l.kv.AddKey(ctx, envelopeID)
	return err
}

type noopLedger struct{}

func (noopLedger) Contains(context.Context, string) (bool, error) { return false, nil }
func (noopLedger) Add(context.Context, string) error              { return nil }
