package audit

import (
	"context"
	"time"

	"backend/internal/agency"
	"backend/internal/common"
	"backend/internal/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// AuditLog 审计日志记录
type AuditLog struct {
	ID       string `json:"id" gorm:"primaryKey;type:uuid"`
	AgencyID string `json:"agencyId" gorm:"type:uuid;not null;index"`
	UserID   string `json:"userId" gorm:"type:uuid;index"`

	// 操作描述
	Action   string            `json:"action" gorm:"size:100;not null;index"` // workflow.create / approval.decide 等
	Resource string            `json:"resource" gorm:"size:100;not null"`
	Details  datatypes.JSONMap `json:"details" gorm:"type:jsonb"`

	CreatedAt time.Time `json:"createdAt" gorm:"not null;autoCreateTime;index"`
}

// TableName 表名
func (AuditLog) TableName() string {
	return "audit_logs"
}

// Service 审计服务。写入失败只记日志，不阻断业务流程。
type Service struct {
	db *gorm.DB
}

// NewService 创建审计服务
func NewService(db *gorm.DB) *Service {
	return &Service{db: db}
}

// Record 记录一条审计日志
func (s *Service) Record(ctx context.Context, ac agency.Context, action, resource string, details map[string]any) {
	if ac.AgencyID == "" {
		return
	}

	entry := &AuditLog{
		ID:       uuid.New().String(),
		AgencyID: ac.AgencyID,
		UserID:   ac.UserID,
		Action:   action,
		Resource: resource,
		Details:  datatypes.JSONMap(details),
	}

	if err := s.db.WithContext(ctx).Create(entry).Error; err != nil {
		logger.Warn("审计日志写入失败",
			zap.String("action", action),
			zap.String("agency_id", ac.AgencyID),
			zap.Error(err),
		)
	}
}

// ListFilter 审计日志查询条件
type ListFilter struct {
	UserID string
	Action string
	From   *time.Time
	To     *time.Time
	common.PaginationRequest
}

// List 按机构查询审计日志
func (s *Service) List(ctx context.Context, agencyID string, f ListFilter) ([]*AuditLog, int64, error) {
	query := s.db.WithContext(ctx).Model(&AuditLog{}).Where("agency_id = ?", agencyID)

	if f.UserID != "" {
		query = query.Where("user_id = ?", f.UserID)
	}
	if f.Action != "" {
		query = query.Where("action = ?", f.Action)
	}
	if f.From != nil {
		query = query.Where("created_at >= ?", *f.From)
	}
	if f.To != nil {
		query = query.Where("created_at <= ?", *f.To)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var logs []*AuditLog
	if err := query.
		Order("created_at DESC").
		Scopes(common.Paginate(f.PaginationRequest)).
		Find(&logs).Error; err != nil {
		return nil, 0, err
	}

	return logs, total, nil
}
