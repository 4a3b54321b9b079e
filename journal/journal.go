// Package journal keeps an append-only, hash-chained record of ledger events
// in a SQL database. Each entry commits to its predecessor so that edits or
// deletions are detectable with Verify.
package journal

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"lukechampine.com/blake3"

	"bobvault/core/events"
	"bobvault/core/types"
	"bobvault/observability"
)

// GenesisHash is the predecessor hash of the first entry.
var GenesisHash = strings.Repeat("0", 64)

var (
	ErrBrokenChain     = errors.New("journal: hash chain broken")
	ErrUnknownDriver   = errors.New("journal: unknown driver")
	errNilEvent        = errors.New("journal: event required")
	errJournalDisabled = errors.New("journal: not configured")
)

// Entry is a single persisted event.
type Entry struct {
	Seq        uint64 `gorm:"primaryKey;autoIncrement"`
	Type       string `gorm:"size:64;index;not null"`
	Attributes string `gorm:"type:text;not null"`
	// RecordedAt is in unix microseconds so every backend round-trips it
	// exactly; it is part of the hashed payload.
	RecordedAt int64  `gorm:"not null"`
	PrevHash   string `gorm:"size:64;not null"`
	Hash       string `gorm:"size:64;uniqueIndex;not null"`
	CreatedAt  time.Time
}

// TableName pins the table name independent of naming strategy.
func (Entry) TableName() string { return "journal_entries" }

// Event decodes the stored payload.
func (e Entry) Event() (*types.Event, error) {
	attrs := map[string]string{}
	if err := json.Unmarshal([]byte(e.Attributes), &attrs); err != nil {
		return nil, fmt.Errorf("journal: decode entry %d: %w", e.Seq, err)
	}
	return &types.Event{Type: e.Type, Attributes: attrs}, nil
}

func entryHash(prev, eventType, attributes string, recordedAt int64) string {
	h := blake3.New(32, nil)
	for _, part := range []string{prev, eventType, attributes, strconv.FormatInt(recordedAt, 10)} {
		_, _ = h.Write([]byte(strconv.Itoa(len(part))))
		_, _ = h.Write([]byte{':'})
		_, _ = h.Write([]byte(part))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Open connects to the journal database. Supported drivers are "sqlite" and
// "postgres".
func Open(driver, dsn string) (*gorm.DB, error) {
	cfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "sqlite", "":
		return gorm.Open(sqlite.Open(dsn), cfg)
	case "postgres", "postgresql":
		return gorm.Open(postgres.Open(dsn), cfg)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, driver)
	}
}

// AutoMigrate creates or updates the journal schema.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&Entry{})
}

// Journal appends events to the database.
type Journal struct {
	mu     sync.Mutex
	db     *gorm.DB
	logger *slog.Logger
	now    func() time.Time
}

// New wraps db, migrating the schema first.
func New(db *gorm.DB, log *slog.Logger) (*Journal, error) {
	if db == nil {
		return nil, errJournalDisabled
	}
	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("journal: migrate: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Journal{db: db, logger: log, now: time.Now}, nil
}

// DB exposes the underlying handle for offline verification.
func (j *Journal) DB() *gorm.DB { return j.db }

// Append stores ev as the next entry in the chain.
func (j *Journal) Append(ctx context.Context, ev *types.Event) (*Entry, error) {
	if ev == nil {
		return nil, errNilEvent
	}
	attrs := ev.Attributes
	if attrs == nil {
		attrs = map[string]string{}
	}
	// encoding/json sorts map keys, which keeps the hashed payload canonical.
	payload, err := json.Marshal(attrs)
	if err != nil {
		return nil, fmt.Errorf("journal: encode attributes: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	var entry Entry
	err = j.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		prev := GenesisHash
		var last Entry
		res := tx.Order("seq desc").Limit(1).Find(&last)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected > 0 {
			prev = last.Hash
		}
		recordedAt := j.now().UTC().UnixMicro()
		entry = Entry{
			Type:       ev.Type,
			Attributes: string(payload),
			RecordedAt: recordedAt,
			PrevHash:   prev,
			Hash:       entryHash(prev, ev.Type, string(payload), recordedAt),
		}
		return tx.Create(&entry).Error
	})
	if err != nil {
		return nil, fmt.Errorf("journal: append: %w", err)
	}
	return &entry, nil
}

// Emit implements events.Emitter. Failures are logged and counted; the
// ledger state has already committed by the time events are emitted.
func (j *Journal) Emit(ev events.Event) {
	if j == nil || ev == nil {
		return
	}
	if _, err := j.Append(context.Background(), ev.Event()); err != nil {
		observability.Events().RecordDrop("journal")
		j.logger.Error("journal append failed",
			slog.String("type", ev.EventType()),
			slog.Any("error", err))
	}
}

// List returns up to limit entries with a sequence number above after.
func (j *Journal) List(ctx context.Context, after uint64, limit int) ([]Entry, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	var entries []Entry
	err := j.db.WithContext(ctx).
		Where("seq > ?", after).
		Order("seq asc").
		Limit(limit).
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("journal: list: %w", err)
	}
	return entries, nil
}

// Verify walks the whole chain and returns the number of entries checked.
func (j *Journal) Verify(ctx context.Context) (int, error) {
	return Verify(ctx, j.db)
}

// Verify checks the chain stored in db.
func Verify(ctx context.Context, db *gorm.DB) (int, error) {
	prev := GenesisHash
	checked := 0
	var batch []Entry
	res := db.WithContext(ctx).Order("seq asc").FindInBatches(&batch, 500, func(tx *gorm.DB, _ int) error {
		for _, entry := range batch {
			if entry.PrevHash != prev {
				return fmt.Errorf("%w: entry %d links to %s, expected %s", ErrBrokenChain, entry.Seq, entry.PrevHash, prev)
			}
			if want := entryHash(entry.PrevHash, entry.Type, entry.Attributes, entry.RecordedAt); want != entry.Hash {
				return fmt.Errorf("%w: entry %d hash mismatch", ErrBrokenChain, entry.Seq)
			}
			prev = entry.Hash
			checked++
		}
		return nil
	})
	if res.Error != nil {
		return checked, res.Error
	}
	return checked, nil
}
