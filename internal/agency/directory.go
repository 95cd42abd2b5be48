package agency

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"backend/internal/common"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

var (
	// ErrUserNotFound 用户不存在
	ErrUserNotFound = errors.New("agency: user not found")
	// ErrRoleNotFound 角色不存在
	ErrRoleNotFound = errors.New("agency: role not found")
)

// DirectoryService 机构目录服务：用户、角色以及角色成员解析。
// 工作流引擎通过 ResolveUsersWithRole 解析 role 类型审批人。
type DirectoryService struct {
	db *gorm.DB
}

// NewDirectoryService 创建 DirectoryService 实例
func NewDirectoryService(db *gorm.DB) *DirectoryService {
	return &DirectoryService{db: db}
}

// GetUser 查询单个用户
func (s *DirectoryService) GetUser(ctx context.Context, agencyID, userID string) (*User, error) {
	var user User
	if err := s.db.WithContext(ctx).
		Scopes(common.NotDeleted(), common.ByAgency(agencyID)).
		Where("id = ?", userID).
		First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("查询用户失败: %w", err)
	}
	return &user, nil
}

// GetUserByEmail 按邮箱查询用户（登录及 user 类型审批人解析）
func (s *DirectoryService) GetUserByEmail(ctx context.Context, agencyID, email string) (*User, error) {
	var user User
	if err := s.db.WithContext(ctx).
		Scopes(common.NotDeleted(), common.ByAgency(agencyID)).
		Where("email = ?", strings.ToLower(strings.TrimSpace(email))).
		First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("查询用户失败: %w", err)
	}
	return &user, nil
}

// GetManager 查询用户的直属上级（dynamic 审批人解析回调会用到）
func (s *DirectoryService) GetManager(ctx context.Context, agencyID, userID string) (*User, error) {
	user, err := s.GetUser(ctx, agencyID, userID)
	if err != nil {
		return nil, err
	}
	if user.ManagerID == "" {
		return nil, ErrUserNotFound
	}
	return s.GetUser(ctx, agencyID, user.ManagerID)
}

// ResolveUsersWithRole 解析当前持有指定角色的用户集合。
// 返回空切片不视为错误，由调用方决定如何处理无人持有角色的情况。
func (s *DirectoryService) ResolveUsersWithRole(ctx context.Context, agencyID, roleCode string) ([]*User, error) {
	var role Role
	if err := s.db.WithContext(ctx).
		Scopes(common.NotDeleted(), common.ByAgency(agencyID)).
		Where("code = ?", roleCode).
		First(&role).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRoleNotFound
		}
		return nil, fmt.Errorf("查询角色失败: %w", err)
	}

	var users []*User
	if err := s.db.WithContext(ctx).
		Model(&User{}).
		Joins("JOIN user_roles ON user_roles.user_id = users.id AND user_roles.agency_id = ?", agencyID).
		Where("user_roles.role_id = ?", role.ID).
		Where("users.deleted_at IS NULL AND users.status = ?", "active").
		Find(&users).Error; err != nil {
		return nil, fmt.Errorf("查询角色成员失败: %w", err)
	}

	return users, nil
}

// CreateUserRequest 创建用户请求
type CreateUserRequest struct {
	AgencyID     string
	Email        string
	Username     string
	PasswordHash string
	FullName     string
	ManagerID    string
}

// CreateUser 创建用户
func (s *DirectoryService) CreateUser(ctx context.Context, req *CreateUserRequest) (*User, error) {
	if req.Email == "" {
		return nil, fmt.Errorf("邮箱不能为空")
	}
	if req.AgencyID == "" {
		return nil, fmt.Errorf("机构 ID 不能为空")
	}

	now := time.Now().UTC()
	user := &User{
		ID:           uuid.New().String(),
		AgencyID:     req.AgencyID,
		Email:        strings.ToLower(strings.TrimSpace(req.Email)),
		Username:     req.Username,
		PasswordHash: req.PasswordHash,
		FullName:     req.FullName,
		ManagerID:    req.ManagerID,
		Status:       "active",
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := s.db.WithContext(ctx).Create(user).Error; err != nil {
		return nil, fmt.Errorf("创建用户失败: %w", err)
	}
	return user, nil
}

// EnsureRole 按 code 查找角色，不存在则创建（系统启动时种子角色会用到）
func (s *DirectoryService) EnsureRole(ctx context.Context, agencyID, code, name string) (*Role, error) {
	var role Role
	err := s.db.WithContext(ctx).
		Scopes(common.NotDeleted(), common.ByAgency(agencyID)).
		Where("code = ?", code).
		First(&role).Error
	if err == nil {
		return &role, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("查询角色失败: %w", err)
	}

	now := time.Now().UTC()
	role = Role{
		ID:        uuid.New().String(),
		AgencyID:  agencyID,
		Name:      name,
		Code:      code,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.db.WithContext(ctx).Create(&role).Error; err != nil {
		return nil, fmt.Errorf("创建角色失败: %w", err)
	}
	return &role, nil
}

// AssignRole 将角色授予用户（幂等）
func (s *DirectoryService) AssignRole(ctx context.Context, agencyID, userID, roleID, grantedBy string) error {
	var count int64
	if err := s.db.WithContext(ctx).
		Model(&UserRole{}).
		Where("agency_id = ? AND user_id = ? AND role_id = ?", agencyID, userID, roleID).
		Count(&count).Error; err != nil {
		return fmt.Errorf("查询角色授予失败: %w", err)
	}
	if count > 0 {
		return nil
	}

	link := &UserRole{
		ID:        uuid.New().String(),
		AgencyID:  agencyID,
		UserID:    userID,
		RoleID:    roleID,
		GrantedBy: grantedBy,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(link).Error; err != nil {
		return fmt.Errorf("授予角色失败: %w", err)
	}
	return nil
}

// RemoveRole 移除用户的角色
func (s *DirectoryService) RemoveRole(ctx context.Context, agencyID, userID, roleID string) error {
	if err := s.db.WithContext(ctx).
		Where("agency_id = ? AND user_id = ? AND role_id = ?", agencyID, userID, roleID).
		Delete(&UserRole{}).Error; err != nil {
		return fmt.Errorf("移除角色失败: %w", err)
	}
	return nil
}

// ListUserRoles 查询用户持有的角色 code 列表
func (s *DirectoryService) ListUserRoles(ctx context.Context, agencyID, userID string) ([]string, error) {
	var codes []string
	if err := s.db.WithContext(ctx).
		Model(&Role{}).
		Joins("JOIN user_roles ON user_roles.role_id = roles.id").
		Where("user_roles.agency_id = ? AND user_roles.user_id = ?", agencyID, userID).
		Where("roles.deleted_at IS NULL").
		Pluck("roles.code", &codes).Error; err != nil {
		return nil, fmt.Errorf("查询用户角色失败: %w", err)
	}
	return codes, nil
}
