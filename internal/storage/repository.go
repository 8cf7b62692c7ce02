package storage

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/cnap-oss/tmux-agents/internal/model"
)

// ErrNotFound는 조회 대상 레코드가 없을 때 반환됩니다.
var ErrNotFound = errors.New("storage: record not found")

// Repository는 태스크와 스윔레인 영속성을 담당합니다.
// 세션 조정기와 자동 종료 모니터의 저장소 인터페이스를 구현합니다.
type Repository struct {
	db *gorm.DB
}

// NewRepository는 GORM 핸들로 Repository를 생성합니다.
func NewRepository(db *gorm.DB) (*Repository, error) {
	if db == nil {
		return nil, fmt.Errorf("storage: nil database handle")
	}
	return &Repository{db: db}, nil
}

// SaveTask는 태스크를 upsert 합니다.
func (r *Repository) SaveTask(ctx context.Context, task *model.Task) error {
	if task == nil || task.ID == "" {
		return fmt.Errorf("storage: task id is required")
	}
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(task).Error
	if err != nil {
		return fmt.Errorf("storage: save task %s: %w", task.ID, err)
	}
	return nil
}

// GetTask는 ID로 태스크를 조회합니다.
func (r *Repository) GetTask(ctx context.Context, id string) (*model.Task, error) {
	var task model.Task
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&task).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: task %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("storage: get task %s: %w", id, err)
	}
	return &task, nil
}

// GetAllTasks는 생성 순으로 모든 태스크를 반환합니다.
func (r *Repository) GetAllTasks(ctx context.Context) ([]*model.Task, error) {
	var tasks []*model.Task
	if err := r.db.WithContext(ctx).Order("created_at asc, id asc").Find(&tasks).Error; err != nil {
		return nil, fmt.Errorf("storage: list tasks: %w", err)
	}
	return tasks, nil
}

// DeleteTask는 태스크와 상태 이력을 삭제합니다.
func (r *Repository) DeleteTask(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("task_id = ?", id).Delete(&model.StatusHistoryEntry{}).Error; err != nil {
			return fmt.Errorf("storage: delete history of %s: %w", id, err)
		}
		res := tx.Where("id = ?", id).Delete(&model.Task{})
		if res.Error != nil {
			return fmt.Errorf("storage: delete task %s: %w", id, res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: task %s", ErrNotFound, id)
		}
		return nil
	})
}

// SaveSwimLane은 스윔레인을 upsert 합니다.
func (r *Repository) SaveSwimLane(ctx context.Context, lane *model.SwimLane) error {
	if lane == nil || lane.ID == "" {
		return fmt.Errorf("storage: swim lane id is required")
	}
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(lane).Error
	if err != nil {
		return fmt.Errorf("storage: save swim lane %s: %w", lane.ID, err)
	}
	return nil
}

// GetAllSwimLanes는 모든 스윔레인을 반환합니다.
func (r *Repository) GetAllSwimLanes(ctx context.Context) ([]*model.SwimLane, error) {
	var lanes []*model.SwimLane
	if err := r.db.WithContext(ctx).Order("created_at asc, id asc").Find(&lanes).Error; err != nil {
		return nil, fmt.Errorf("storage: list swim lanes: %w", err)
	}
	return lanes, nil
}

// AddStatusHistory는 상태 변경 이력을 추가합니다.
func (r *Repository) AddStatusHistory(ctx context.Context, entry *model.StatusHistoryEntry) error {
	if err := r.db.WithContext(ctx).Create(entry).Error; err != nil {
		return fmt.Errorf("storage: add status history for %s: %w", entry.TaskID, err)
	}
	return nil
}

// ListStatusHistory는 태스크의 상태 이력을 오래된 순으로 반환합니다.
func (r *Repository) ListStatusHistory(ctx context.Context, taskID string) ([]*model.StatusHistoryEntry, error) {
	var entries []*model.StatusHistoryEntry
	err := r.db.WithContext(ctx).
		Where("task_id = ?", taskID).
		Order("id asc").
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("storage: list status history for %s: %w", taskID, err)
	}
	return entries, nil
}
