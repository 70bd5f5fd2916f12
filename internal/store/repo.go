package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"device-pipeline/internal/event"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Outcome of applying one message to the aggregate store.
type Outcome int

const (
	Applied Outcome = iota + 1
	Duplicate
)

func (o Outcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case Duplicate:
		return "duplicate"
	default:
		return "unknown"
	}
}

type Options struct {
	AggregateTable string
	DedupTable     string
}

type Repo struct {
	db         *gorm.DB
	aggregates string
	processed  string
}

func OpenPostgres(user, password, dbName, host, port, sslMode string) (*gorm.DB, error) {
	if sslMode == "" {
		sslMode = "disable"
	}
	dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=UTC", host, user, password, dbName, port, sslMode)
	return gorm.Open(postgres.Open(dsn), &gorm.Config{})
}

// OpenSQLite is meant for local runs; production deployments use Postgres.
func OpenSQLite(path string) (*gorm.DB, error) {
	return gorm.Open(sqlite.Open(path), &gorm.Config{})
}

func New(db *gorm.DB, opts Options) (*Repo, error) {
	r := &Repo{
		db:         db,
		aggregates: strings.TrimSpace(opts.AggregateTable),
		processed:  strings.TrimSpace(opts.DedupTable),
	}
	if r.aggregates == "" {
		r.aggregates = "aggregates"
	}
	if r.processed == "" {
		r.processed = "processed_events"
	}
	if err := db.Table(r.aggregates).AutoMigrate(&AggregateRecord{}); err != nil {
		return nil, err
	}
	if err := db.Table(r.processed).AutoMigrate(&ProcessedEvent{}); err != nil {
		return nil, err
	}
	return r, nil
}

// Apply counts m exactly once. The dedup row and the increment commit in one
// transaction, so a concurrent or later delivery of the same event identity
// finds the dedup row and becomes a no-op.
func (r *Repo) Apply(ctx context.Context, m event.Message, messageID string) (Outcome, error) {
	now := time.Now().UTC()
	typeState := m.TypeState()
	outcome := Applied
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		seen := &ProcessedEvent{EventID: m.EventID, Date: m.Date, TypeState: typeState, MessageID: messageID, ProcessedAt: now}
		res := tx.Table(r.processed).Clauses(clause.OnConflict{DoNothing: true}).Create(seen)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			outcome = Duplicate
			return nil
		}

		rec := &AggregateRecord{Date: m.Date, TypeState: typeState, Type: m.Type, State: m.State, Count: 1, UpdatedAt: now}
		return tx.Table(r.aggregates).Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "date"}, {Name: "type_state"}},
			DoUpdates: clause.Assignments(map[string]any{
				"count":      gorm.Expr(r.aggregates+".count + ?", 1),
				"updated_at": now,
			}),
		}).Create(rec).Error
	})
	if err != nil {
		return 0, fmt.Errorf("apply event %s: %w: %w", m.EventID, event.ErrStorageUnavailable, err)
	}
	return outcome, nil
}

// Filter narrows ListAggregates. Dates are inclusive YYYY-MM-DD bounds; empty
// fields do not filter.
type Filter struct {
	From string
	To   string
	Type string
}

type Page struct {
	Records    []AggregateRecord `json:"records"`
	NextCursor string            `json:"next_cursor,omitempty"`
}

func (r *Repo) ListAggregates(ctx context.Context, f Filter, limit int, cursor *Cursor) (Page, error) {
	if limit <= 0 {
		limit = 1000
	}
	if limit > 10000 {
		limit = 10000
	}

	exprs := []clause.Expression{}
	if f.From != "" {
		exprs = append(exprs, clause.Gte{Column: clause.Column{Name: "date"}, Value: f.From})
	}
	if f.To != "" {
		exprs = append(exprs, clause.Lte{Column: clause.Column{Name: "date"}, Value: f.To})
	}
	if f.Type != "" {
		exprs = append(exprs, clause.Eq{Column: clause.Column{Name: "type"}, Value: f.Type})
	}
	if cursor != nil {
		exprs = append(exprs, clause.Or(
			clause.Gt{Column: clause.Column{Name: "date"}, Value: cursor.Date},
			clause.And(
				clause.Eq{Column: clause.Column{Name: "date"}, Value: cursor.Date},
				clause.Gt{Column: clause.Column{Name: "type_state"}, Value: cursor.TypeState},
			),
		))
	}

	order := clause.OrderBy{Columns: []clause.OrderByColumn{
		{Column: clause.Column{Name: "date"}},
		{Column: clause.Column{Name: "type_state"}},
	}}

	rows := []AggregateRecord{}
	q := r.db.WithContext(ctx).Table(r.aggregates)
	if len(exprs) > 0 {
		q = q.Clauses(clause.Where{Exprs: exprs})
	}
	if err := q.Clauses(order).Limit(limit + 1).Find(&rows).Error; err != nil {
		return Page{}, fmt.Errorf("list aggregates: %w: %w", event.ErrStorageUnavailable, err)
	}
	if rows == nil {
		rows = []AggregateRecord{}
	}

	out := Page{Records: rows}
	if len(rows) > limit {
		last := rows[limit-1]
		out.Records = rows[:limit]
		out.NextCursor = EncodeCursor(Cursor{Date: last.Date, TypeState: last.TypeState})
	}
	return out, nil
}

// Get returns a single counter; ok is false when the key has never been counted.
func (r *Repo) Get(ctx context.Context, date, typeState string) (rec AggregateRecord, ok bool, err error) {
	var rows []AggregateRecord
	err = r.db.WithContext(ctx).Table(r.aggregates).
		Where(clause.Eq{Column: clause.Column{Name: "date"}, Value: date}).
		Where(clause.Eq{Column: clause.Column{Name: "type_state"}, Value: typeState}).
		Limit(1).Find(&rows).Error
	if err != nil || len(rows) == 0 {
		return AggregateRecord{}, false, err
	}
	return rows[0], true, nil
}

// PruneProcessed drops dedup rows older than before. The retention must stay
// longer than the queue's redelivery window or redeliveries could be recounted.
func (r *Repo) PruneProcessed(ctx context.Context, before time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Table(r.processed).
		Where(clause.Lt{Column: clause.Column{Name: "processed_at"}, Value: before.UTC()}).
		Delete(&ProcessedEvent{})
	return res.RowsAffected, res.Error
}

// Ping reports whether the database is reachable.
func (r *Repo) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
