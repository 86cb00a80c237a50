package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type callEndRow struct {
	OperationID string    `gorm:"primaryKey;size:64"`
	RoomID      string    `gorm:"size:191;index"`
	Reason      string    `gorm:"size:191"`
	EndedAt     time.Time `gorm:"index"`
}

func (callEndRow) TableName() string {
	return "call_ends"
}

func (r callEndRow) toRecord() CallEnd {
	return CallEnd{
		OperationID: r.OperationID,
		RoomID:      r.RoomID,
		Reason:      r.Reason,
		EndedAt:     r.EndedAt,
	}
}

type GormStore struct {
	db  *gorm.DB
	now func() time.Time
}

func NewGormStore(driver, dsn string) (*GormStore, error) {
	gormDB, err := OpenGorm(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open gorm store: %w", err)
	}

	store := &GormStore{db: gormDB, now: time.Now}
	if err := store.migrate(); err != nil {
		return nil, fmt.Errorf("migrate call store: %w", err)
	}
	return store, nil
}

func (s *GormStore) migrate() error {
	return s.db.AutoMigrate(&callEndRow{}, &knowledgeSnippetRow{})
}

func (s *GormStore) RecordCallEnd(ctx context.Context, roomID, reason string) (string, error) {
	if err := validateCallEnd(roomID, reason); err != nil {
		return "", err
	}

	row := callEndRow{
		OperationID: uuid.NewString(),
		RoomID:      roomID,
		Reason:      reason,
		EndedAt:     s.now().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return "", fmt.Errorf("create call end: %w", err)
	}
	return row.OperationID, nil
}

func (s *GormStore) CallEnds(ctx context.Context, roomID string) ([]CallEnd, error) {
	var rows []callEndRow
	if err := s.db.WithContext(ctx).
		Where("room_id = ?", roomID).
		Order("ended_at ASC").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list call ends: %w", err)
	}

	out := make([]CallEnd, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toRecord())
	}
	return out, nil
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
