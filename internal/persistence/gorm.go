package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// snapshotRecord is the persisted row, one per bot.
type snapshotRecord struct {
	ID        uint   `gorm:"primarykey"`
	Bot       string `gorm:"uniqueIndex;not null"`
	Payload   []byte `gorm:"not null"`
	SavedAt   time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// GormStore keeps snapshots in a SQLite database through GORM.
type GormStore struct {
	logger *zap.Logger
	db     *gorm.DB
}

var _ Store = (*GormStore)(nil)

// NewGormStore opens (or creates) the database and migrates the
// snapshot schema.
func NewGormStore(log *zap.Logger, dsn string) (*GormStore, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open snapshot database: %w", err)
	}
	if err := db.AutoMigrate(&snapshotRecord{}); err != nil {
		return nil, fmt.Errorf("migrate snapshot schema: %w", err)
	}

	log.Info("Snapshot store ready", zap.String("dsn", dsn))
	return &GormStore{logger: log, db: db}, nil
}

// SaveSnapshot upserts the bot's snapshot row.
func (s *GormStore) SaveSnapshot(ctx context.Context, snap *Snapshot) error {
	payload, err := json.Marshal(snap.Engines)
	if err != nil {
		return fmt.Errorf("serialize snapshot: %w", err)
	}

	rec := snapshotRecord{Bot: snap.Bot, Payload: payload, SavedAt: snap.Timestamp}
	err = s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "bot"}},
			DoUpdates: clause.AssignmentColumns([]string{"payload", "saved_at", "updated_at"}),
		}).
		Create(&rec).Error
	if err != nil {
		return fmt.Errorf("save snapshot for %s: %w", snap.Bot, err)
	}

	s.logger.Debug("Snapshot saved",
		zap.String("bot", snap.Bot),
		zap.Int("engines", len(snap.Engines)),
		zap.Int("bytes", len(payload)),
	)
	return nil
}

// LoadSnapshot returns the bot's snapshot or ErrNoSnapshot.
func (s *GormStore) LoadSnapshot(ctx context.Context, bot string) (*Snapshot, error) {
	var rec snapshotRecord
	err := s.db.WithContext(ctx).Where("bot = ?", bot).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNoSnapshot
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot for %s: %w", bot, err)
	}

	engines := make(map[string][]byte)
	if err := json.Unmarshal(rec.Payload, &engines); err != nil {
		return nil, fmt.Errorf("decode snapshot for %s: %w", bot, err)
	}
	return &Snapshot{Bot: rec.Bot, Engines: engines, Timestamp: rec.SavedAt}, nil
}

// DeleteSnapshot removes the bot's snapshot, reporting whether one
// existed.
func (s *GormStore) DeleteSnapshot(ctx context.Context, bot string) (bool, error) {
	res := s.db.WithContext(ctx).Where("bot = ?", bot).Delete(&snapshotRecord{})
	if res.Error != nil {
		return false, fmt.Errorf("delete snapshot for %s: %w", bot, res.Error)
	}
	return res.RowsAffected > 0, nil
}

// Close releases the underlying connection pool.
func (s *GormStore) Close() error {
	db, err := s.db.DB()
	if err != nil {
		return err
	}
	return db.Close()
}
