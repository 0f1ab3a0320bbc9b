package repository

import (
	"context"
	"strings"
	"time"

	"gorm.io/gorm"

	"promotion-shop/internal/model"
)

// MaxErrorLen width of the last_error column, in characters
const MaxErrorLen = 500

// TruncateError fits reason into the last_error column without splitting a
// character.
func TruncateError(reason string) string {
	reason = strings.ToValidUTF8(reason, "?")
	n := 0
	for i := range reason {
		if n == MaxErrorLen {
			return reason[:i]
		}
		n++
	}
	return reason
}

type outboxRepository struct {
	db *gorm.DB
}

// NewOutboxRepository creates an outbox repository
func NewOutboxRepository(db *gorm.DB) OutboxRepository {
	return &outboxRepository{db: db}
}

func (r *outboxRepository) Append(ctx context.Context, entry *model.OutboxEntry) error {
	return translate(r.db.WithContext(ctx).Create(entry).Error)
}

func (r *outboxRepository) FetchPending(ctx context.Context, limit int) ([]model.OutboxEntry, error) {
	var entries []model.OutboxEntry
	err := r.db.WithContext(ctx).
		Where("published_at IS NULL").
		Order("created_at ASC, id ASC").
		Limit(limit).
		Find(&entries).Error
	return entries, translate(err)
}

func (r *outboxRepository) MarkPublished(ctx context.Context, id uint64, at time.Time) error {
	return translate(r.db.WithContext(ctx).
		Model(&model.OutboxEntry{}).
		Where("id = ?", id).
		Update("published_at", at).Error)
}

func (r *outboxRepository) RecordFailure(ctx context.Context, id uint64, reason string) error {
	reason = TruncateError(reason)
	return translate(r.db.WithContext(ctx).
		Model(&model.OutboxEntry{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"attempts":   gorm.Expr("attempts + 1"),
			"last_error": reason,
		}).Error)
}

func (r *outboxRepository) DeletePublishedBefore(ctx context.Context, before time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("published_at IS NOT NULL AND published_at < ?", before).
		Delete(&model.OutboxEntry{})
	return res.RowsAffected, translate(res.Error)
}

func (r *outboxRepository) CountPending(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).
		Model(&model.OutboxEntry{}).
		Where("published_at IS NULL").
		Count(&n).Error
	return n, translate(err)
}
