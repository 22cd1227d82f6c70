package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/scalarorg/svm-aptos-relayer/pkg/types"
)

// settlementRow is the GORM-mapped row for the settlements table. It exists
// apart from types.SettlementRequest/SettlementState so the wire/domain
// model never carries gorm struct tags.
type settlementRow struct {
	SourceTxHash      string `gorm:"primaryKey;column:source_tx_hash"`
	SourceChain       string `gorm:"column:source_chain"`
	DestinationChain  string `gorm:"column:destination_chain"`
	Sender            string `gorm:"column:sender"`
	Receiver          string `gorm:"column:receiver"`
	Asset             string `gorm:"column:asset"`
	Amount            uint64 `gorm:"column:amount"`
	Nonce             uint64 `gorm:"column:nonce"`
	SourceTimestamp   int64  `gorm:"column:source_timestamp"`
	ObservedAt        time.Time
	Status            string `gorm:"column:status;index"`
	Attempts          int
	LastError         string
	DestinationTxHash string
	Version           int64 `gorm:"column:version"`
	CreatedAt         time.Time
	UpdatedAt         time.Time
	SubmittedAt       *time.Time
	ConfirmedAt       *time.Time
}

func (settlementRow) TableName() string { return "settlements" }

type settlementArchiveRow struct {
	settlementRow
	ArchivedAt time.Time
}

func (settlementArchiveRow) TableName() string { return "settlements_archive" }

type checkpointRow struct {
	Name      string `gorm:"primaryKey;column:name"`
	Cursor    string `gorm:"column:cursor"`
	UpdatedAt time.Time
}

func (checkpointRow) TableName() string { return "checkpoints" }

// PostgresStore implements Store over GORM + gorm.io/driver/postgres, the
// production backend.
type PostgresStore struct {
	db *gorm.DB
}

// OpenPostgres connects to dsn and migrates the schema.
func OpenPostgres(dsn string) (*PostgresStore, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("store: open postgres: %w", err)
	}
	if err := db.AutoMigrate(&settlementRow{}, &settlementArchiveRow{}, &checkpointRow{}); err != nil {
		return nil, fmt.Errorf("store: automigrate: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("store: obtain sql.DB: %w", err)
	}
	return sqlDB.Close()
}

func (s *PostgresStore) PutIfAbsent(ctx context.Context, req types.SettlementRequest) error {
	now := time.Now().UTC()
	row := settlementRow{
		SourceTxHash:     req.SourceTxHash,
		SourceChain:      req.SourceChain,
		DestinationChain: req.DestinationChain,
		Sender:           req.Sender,
		Receiver:         req.Receiver,
		Asset:            req.Asset,
		Amount:           req.Amount,
		Nonce:            req.Nonce,
		SourceTimestamp:  req.SourceTimestamp,
		ObservedAt:       req.ObservedAt,
		Status:           string(types.StatusPending),
		Version:          1,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	result := s.db.WithContext(ctx).Create(&row)
	if result.Error != nil {
		if isPgUniqueViolation(result.Error) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("store: put if absent: %w", result.Error)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, sourceTxHash string) (types.Record, error) {
	var row settlementRow
	err := s.db.WithContext(ctx).First(&row, "source_tx_hash = ?", sourceTxHash).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return types.Record{}, ErrNotFound
	}
	if err != nil {
		return types.Record{}, fmt.Errorf("store: get: %w", err)
	}
	return rowToRecord(row), nil
}

func (s *PostgresStore) UpdateState(ctx context.Context, sourceTxHash string, expectedVersion int64, mutate Mutate) (UpdateResult, error) {
	var result UpdateResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row settlementRow
		if err := tx.First(&row, "source_tx_hash = ?", sourceTxHash).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				result = NotFound
				return nil
			}
			return err
		}
		if row.Version != expectedVersion {
			result = Conflict
			return nil
		}

		rec := rowToRecord(row)
		next := rec.State
		mutate(&next)
		next.Version = row.Version + 1
		next.UpdatedAt = time.Now().UTC()

		tx2 := tx.Model(&settlementRow{}).
			Where("source_tx_hash = ? AND version = ?", sourceTxHash, expectedVersion).
			Updates(map[string]any{
				"status":              string(next.Status),
				"attempts":            next.Attempts,
				"last_error":          next.LastError,
				"destination_tx_hash": next.DestinationTxHash,
				"version":             next.Version,
				"updated_at":          next.UpdatedAt,
				"submitted_at":        next.SubmittedAt,
				"confirmed_at":        next.ConfirmedAt,
			})
		if tx2.Error != nil {
			return tx2.Error
		}
		if tx2.RowsAffected == 0 {
			result = Conflict
			return nil
		}
		result = Updated
		return nil
	})
	if err != nil {
		return NotFound, fmt.Errorf("store: update state: %w", err)
	}
	return result, nil
}

func (s *PostgresStore) ListByStatus(ctx context.Context, status types.Status, limit int) ([]types.Record, error) {
	if limit <= 0 {
		limit = 1000
	}
	var rows []settlementRow
	err := s.db.WithContext(ctx).
		Where("status = ?", string(status)).
		Order("created_at ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("store: list by status: %w", err)
	}
	out := make([]types.Record, 0, len(rows))
	for _, row := range rows {
		out = append(out, rowToRecord(row))
	}
	return out, nil
}

func (s *PostgresStore) List(ctx context.Context, limit int) ([]types.Record, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []settlementRow
	err := s.db.WithContext(ctx).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("store: list: %w", err)
	}
	out := make([]types.Record, 0, len(rows))
	for _, row := range rows {
		out = append(out, rowToRecord(row))
	}
	return out, nil
}

func (s *PostgresStore) CountByStatus(ctx context.Context) (map[types.Status]int64, error) {
	type agg struct {
		Status string
		N      int64
	}
	var aggs []agg
	err := s.db.WithContext(ctx).Model(&settlementRow{}).
		Select("status, count(*) as n").
		Group("status").
		Scan(&aggs).Error
	if err != nil {
		return nil, fmt.Errorf("store: count by status: %w", err)
	}
	counts := make(map[types.Status]int64, len(types.AllStatuses))
	for _, a := range aggs {
		counts[types.Status(a.Status)] = a.N
	}
	return counts, nil
}

func (s *PostgresStore) CompactBefore(ctx context.Context, horizon time.Time) (int64, error) {
	var archived int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rows []settlementRow
		if err := tx.Where("created_at < ? AND status IN ?", horizon,
			[]string{string(types.StatusCompleted), string(types.StatusFailed), string(types.StatusExpired)},
		).Find(&rows).Error; err != nil {
			return err
		}
		for _, row := range rows {
			archiveRow := settlementArchiveRow{settlementRow: row, ArchivedAt: time.Now().UTC()}
			if err := tx.Create(&archiveRow).Error; err != nil {
				return err
			}
		}
		if len(rows) == 0 {
			return nil
		}
		if err := tx.Where("created_at < ? AND status IN ?", horizon,
			[]string{string(types.StatusCompleted), string(types.StatusFailed), string(types.StatusExpired)},
		).Delete(&settlementRow{}).Error; err != nil {
			return err
		}
		archived = int64(len(rows))
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("store: compact before: %w", err)
	}
	return archived, nil
}

func (s *PostgresStore) PutCheckpoint(ctx context.Context, name, cursor string) error {
	row := checkpointRow{Name: name, Cursor: cursor, UpdatedAt: time.Now().UTC()}
	err := s.db.WithContext(ctx).
		Where("name = ?", name).
		Assign(map[string]any{"cursor": cursor, "updated_at": row.UpdatedAt}).
		FirstOrCreate(&row).Error
	if err != nil {
		return fmt.Errorf("store: put checkpoint: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetCheckpoint(ctx context.Context, name string) (string, error) {
	var row checkpointRow
	err := s.db.WithContext(ctx).First(&row, "name = ?", name).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("store: get checkpoint: %w", err)
	}
	return row.Cursor, nil
}

func rowToRecord(row settlementRow) types.Record {
	return types.Record{
		Request: types.SettlementRequest{
			SourceTxHash:     row.SourceTxHash,
			SourceChain:      row.SourceChain,
			DestinationChain: row.DestinationChain,
			Sender:           row.Sender,
			Receiver:         row.Receiver,
			Asset:            row.Asset,
			Amount:           row.Amount,
			Nonce:            row.Nonce,
			SourceTimestamp:  row.SourceTimestamp,
			ObservedAt:       row.ObservedAt,
		},
		State: types.SettlementState{
			SourceTxHash:      row.SourceTxHash,
			Status:            types.Status(row.Status),
			Attempts:          row.Attempts,
			LastError:         row.LastError,
			DestinationTxHash: row.DestinationTxHash,
			Version:           row.Version,
			CreatedAt:         row.CreatedAt,
			UpdatedAt:         row.UpdatedAt,
			SubmittedAt:       row.SubmittedAt,
			ConfirmedAt:       row.ConfirmedAt,
		},
	}
}

func isPgUniqueViolation(err error) bool {
	var pgErr interface{ SQLState() string }
	if errors.As(err, &pgErr) {
		return pgErr.SQLState() == "23505"
	}
	return false
}
