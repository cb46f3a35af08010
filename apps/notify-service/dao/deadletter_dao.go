package dao

import (
	"context"

	"snippet-notify/apps/notify-service/model"
	"snippet-notify/pkg/database"
)

const defaultDeadLetterLimit = 50

type deadLetterDAO struct {
	db *database.PostgreSQL
}

// NewDeadLetterDAO 创建死信DAO实例
func NewDeadLetterDAO(db *database.PostgreSQL) DeadLetterDAO {
	return &deadLetterDAO{db: db}
}

// Save 保存死信
func (d *deadLetterDAO) Save(ctx context.Context, dl *model.DeadLetter) error {
	return d.db.WithContext(ctx).Create(dl).Error
}

// List 按失败时间倒序列出死信，userID 为空时不过滤
func (d *deadLetterDAO) List(ctx context.Context, userID string, limit int) ([]*model.DeadLetter, error) {
	if limit <= 0 {
		limit = defaultDeadLetterLimit
	}
	query := d.db.WithContext(ctx).Model(&model.DeadLetter{})
	if userID != "" {
		query = query.Where("user_id = ?", userID)
	}

	var letters []*model.DeadLetter
	if err := query.Order("failed_at DESC").Limit(limit).Find(&letters).Error; err != nil {
		return nil, err
	}
	return letters, nil
}

// Delete 删除消息的全部死信
func (d *deadLetterDAO) Delete(ctx context.Context, messageID string) (int64, error) {
	result := d.db.WithContext(ctx).Where("message_id = ?", messageID).Delete(&model.DeadLetter{})
	return result.RowsAffected, result.Error
}
