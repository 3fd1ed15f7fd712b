package storage

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/GaoFan98/bitfinex-p2p-exchange/internal/domain"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Storage persists executed and announced matches to SQLite.
type Storage struct {
	db *gorm.DB
}

// NewStorage opens (and migrates) the match history database at path. An
// empty path falls back to ./data/exchange.db.
func NewStorage(path string) (*Storage, error) {
	if path == "" {
		path = filepath.Join("data", "exchange.db")
	}

	// Ensure directory exists
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create DB directory: %w", err)
	}

	// Connect to SQLite (Pure Go)
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Auto Migration
	if err := db.AutoMigrate(&domain.MatchRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &Storage{db: db}, nil
}

// SaveMatch upserts one match record. Re-announcing a known match id is
// harmless.
func (s *Storage) SaveMatch(rec *domain.MatchRecord) error {
	return s.db.Save(rec).Error
}

// RecentMatches returns up to limit records, newest first.
func (s *Storage) RecentMatches(limit int) ([]domain.MatchRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	var recs []domain.MatchRecord
	err := s.db.Order("matched_at desc").Limit(limit).Find(&recs).Error
	return recs, err
}

// MatchesByClient returns records where the client participated on either
// side, newest first.
func (s *Storage) MatchesByClient(clientID string, limit int) ([]domain.MatchRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	var recs []domain.MatchRecord
	err := s.db.
		Where("buy_client_id = ? OR sell_client_id = ?", clientID, clientID).
		Order("matched_at desc").Limit(limit).
		Find(&recs).Error
	return recs, err
}

// CountMatches returns the number of persisted matches.
func (s *Storage) CountMatches() (int64, error) {
	var n int64
	err := s.db.Model(&domain.MatchRecord{}).Count(&n).Error
	return n, err
}
