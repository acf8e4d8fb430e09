package explorer

import (
	"encoding/json"
	"log/slog"
	"strconv"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"settlechain/core/events"
	"settlechain/core/types"
)

// StoredEvent is one indexed ledger event, queryable by type, week, and the
// addresses it touches.
type StoredEvent struct {
	ID         uint64 `gorm:"primaryKey;autoIncrement"`
	Type       string `gorm:"index"`
	Week       uint64 `gorm:"index"`
	Address    string `gorm:"index"`
	Amount     string
	Attributes string
	CreatedAt  time.Time
}

// Indexer subscribes to ledger events and persists them into a sqlite read
// model for dashboards. It satisfies events.Emitter.
type Indexer struct {
	db  *gorm.DB
	log *slog.Logger
}

// Open connects the indexer to the sqlite file at path, creating the schema
// if needed.
func Open(path string, log *slog.Logger) (*Indexer, error) {
	if log == nil {
		log = slog.Default()
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Discard,
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&StoredEvent{}); err != nil {
		return nil, err
	}
	return &Indexer{db: db, log: log}, nil
}

type attributeCarrier interface {
	Event() *types.Event
}

// Emit indexes one ledger event. Indexing failures are logged, never
// propagated; the ledger does not depend on the read model.
func (ix *Indexer) Emit(evt events.Event) {
	if ix == nil || evt == nil {
		return
	}
	record := StoredEvent{Type: evt.EventType(), CreatedAt: time.Now().UTC()}
	if carrier, ok := evt.(attributeCarrier); ok {
		if payload := carrier.Event(); payload != nil {
			record.Week = parseWeek(payload.Attributes)
			record.Address = firstAddress(payload.Attributes)
			record.Amount = payload.Attributes["amount"]
			if encoded, err := json.Marshal(payload.Attributes); err == nil {
				record.Attributes = string(encoded)
			}
		}
	}
	if err := ix.db.Create(&record).Error; err != nil {
		ix.log.Warn("explorer index failed", "type", record.Type, "err", err)
	}
}

func parseWeek(attrs map[string]string) uint64 {
	week, err := strconv.ParseUint(attrs["week"], 10, 64)
	if err != nil {
		return 0
	}
	return week
}

func firstAddress(attrs map[string]string) string {
	for _, key := range []string{"recipient", "address", "proposer", "caller"} {
		if v, ok := attrs[key]; ok {
			return v
		}
	}
	return ""
}

// EventsByType returns the most recent events of one type, newest first.
func (ix *Indexer) EventsByType(eventType string, limit int) ([]StoredEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []StoredEvent
	err := ix.db.Where("type = ?", eventType).Order("id desc").Limit(limit).Find(&out).Error
	return out, err
}

// EventsForWeek returns every indexed event attributed to a week.
func (ix *Indexer) EventsForWeek(week uint64) ([]StoredEvent, error) {
	var out []StoredEvent
	err := ix.db.Where("week = ?", week).Order("id asc").Find(&out).Error
	return out, err
}

// EventsForAddress returns the most recent events that touched an address.
func (ix *Indexer) EventsForAddress(addr string, limit int) ([]StoredEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []StoredEvent
	err := ix.db.Where("address = ?", addr).Order("id desc").Limit(limit).Find(&out).Error
	return out, err
}

// Close releases the underlying database handle.
func (ix *Indexer) Close() error {
	db, err := ix.db.DB()
	if err != nil {
		return err
	}
	return db.Close()
}
