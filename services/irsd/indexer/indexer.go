package indexer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"irsvenue/core/events"
)

// EventRecord is one committed venue event.
type EventRecord struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	Seq        uint64    `gorm:"uniqueIndex;not null"`
	Type       string    `gorm:"index;not null"`
	Pool       string    `gorm:"index"`
	Trader     string    `gorm:"index"`
	Attributes string    `gorm:"type:text"`
	CreatedAt  time.Time
}

// TableName pins the table name across drivers.
func (EventRecord) TableName() string { return "irs_events" }

// Filter narrows a query. Zero values match everything.
type Filter struct {
	Type   string
	Pool   string
	Trader string
	After  uint64
	Limit  int
}

// Indexer persists events and serves them back in commit order. It
// implements events.Emitter.
type Indexer struct {
	db     *gorm.DB
	logger *slog.Logger
	now    func() time.Time

	mu  sync.Mutex
	seq uint64
}

// Open connects to driver ("sqlite" or "postgres") and migrates the schema.
func Open(driver, dsn string, log *slog.Logger) (*Indexer, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "sqlite":
		if strings.TrimSpace(dsn) == "" {
			dsn = fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
		}
		dialector = sqlite.Open(dsn)
	case "postgres":
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("indexer: unsupported driver %q", driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("indexer: open: %w", err)
	}
	return New(db, log)
}

// New wraps an existing connection.
func New(db *gorm.DB, log *slog.Logger) (*Indexer, error) {
	if db == nil {
		return nil, fmt.Errorf("indexer: db required")
	}
	if log == nil {
		log = slog.Default()
	}
	if err := db.AutoMigrate(&EventRecord{}); err != nil {
		return nil, fmt.Errorf("indexer: migrate: %w", err)
	}
	idx := &Indexer{db: db, logger: log, now: time.Now}
	var last EventRecord
	res := db.Order("seq desc").Limit(1).Find(&last)
	if res.Error != nil {
		return nil, fmt.Errorf("indexer: resume: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		idx.seq = last.Seq
	}
	return idx, nil
}

// Emit implements events.Emitter. Storage failures are logged; the venue
// state has already committed.
func (i *Indexer) Emit(evt events.Event) {
	if i == nil || evt == nil {
		return
	}
	if _, err := i.Record(context.Background(), evt); err != nil {
		i.logger.Error("index event", slog.String("type", evt.EventType()), slog.String("error", err.Error()))
	}
}

// Record stores evt and returns the persisted row.
func (i *Indexer) Record(ctx context.Context, evt events.Event) (*EventRecord, error) {
	attrs := map[string]string{}
	if typed, ok := evt.(events.Typed); ok {
		if rendered := typed.Event(); rendered != nil && rendered.Attributes != nil {
			attrs = rendered.Attributes
		}
	}
	payload, err := json.Marshal(attrs)
	if err != nil {
		return nil, err
	}
	trader := attrs["trader"]
	if trader == "" {
		trader = firstNonEmpty(attrs["owner"], attrs["account"])
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	rec := &EventRecord{
		ID:         uuid.New(),
		Seq:        i.seq + 1,
		Type:       evt.EventType(),
		Pool:       attrs["pool"],
		Trader:     trader,
		Attributes: string(payload),
		CreatedAt:  i.now().UTC(),
	}
	if err := i.db.WithContext(ctx).Create(rec).Error; err != nil {
		return nil, err
	}
	i.seq = rec.Seq
	return rec, nil
}

// Query returns events matching f ordered by sequence.
func (i *Indexer) Query(ctx context.Context, f Filter) ([]EventRecord, error) {
	if i == nil {
		return nil, fmt.Errorf("indexer not configured")
	}
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	q := i.db.WithContext(ctx).Where("seq > ?", f.After)
	if f.Type != "" {
		q = q.Where("type = ?", f.Type)
	}
	if f.Pool != "" {
		q = q.Where("pool = ?", f.Pool)
	}
	if f.Trader != "" {
		q = q.Where("trader = ?", f.Trader)
	}
	var out []EventRecord
	if err := q.Order("seq asc").Limit(limit).Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// Decode returns the record's attribute map.
func (r EventRecord) Decode() (map[string]string, error) {
	out := map[string]string{}
	if r.Attributes == "" {
		return out, nil
	}
	err := json.Unmarshal([]byte(r.Attributes), &out)
	return out, err
}

// Close releases the connection pool.
func (i *Indexer) Close() error {
	if i == nil || i.db == nil {
		return nil
	}
	sqlDB, err := i.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
