package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"backend/internal/agency"
	"backend/internal/logger"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

var (
	// ErrInvalidCredentials 账号或密码错误
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	// ErrUserDisabled 用户已停用
	ErrUserDisabled = errors.New("auth: user disabled")
	// ErrEmailTaken 邮箱已被占用
	ErrEmailTaken = errors.New("auth: email already registered")
)

// Service 认证服务：登录、注册、令牌刷新
type Service struct {
	db        *gorm.DB
	directory *agency.DirectoryService
	jwt       *JWTService
}

// NewService 创建认证服务
func NewService(db *gorm.DB, directory *agency.DirectoryService, jwtService *JWTService) *Service {
	return &Service{db: db, directory: directory, jwt: jwtService}
}

// LoginResult 登录结果
type LoginResult struct {
	User   *agency.User `json:"user"`
	Tokens *TokenPair   `json:"tokens"`
}

// Login 校验邮箱密码并签发令牌对
func (s *Service) Login(ctx context.Context, agencyID, email, password string) (*LoginResult, error) {
	user, err := s.directory.GetUserByEmail(ctx, agencyID, email)
	if err != nil {
		if errors.Is(err, agency.ErrUserNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}

	if user.Status != "active" {
		return nil, ErrUserDisabled
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}

	roles, err := s.directory.ListUserRoles(ctx, agencyID, user.ID)
	if err != nil {
		return nil, err
	}

	tokens, err := s.jwt.GenerateTokenPair(user.ID, agencyID, roles)
	if err != nil {
		return nil, err
	}

	// 更新最后登录时间，失败不影响登录结果
	now := time.Now().UTC()
	if err := s.db.WithContext(ctx).Model(user).Update("last_login_at", now).Error; err != nil {
		logger.Warn("更新最后登录时间失败", zap.String("user_id", user.ID), zap.Error(err))
	}
	user.LastLoginAt = &now

	return &LoginResult{User: user, Tokens: tokens}, nil
}

// RegisterRequest 注册请求
type RegisterRequest struct {
	AgencyID  string
	Email     string
	Username  string
	Password  string
	FullName  string
	ManagerID string
}

// Register 注册新用户
func (s *Service) Register(ctx context.Context, req *RegisterRequest) (*agency.User, error) {
	if len(req.Password) < 8 {
		return nil, fmt.Errorf("密码长度至少 8 位")
	}

	if _, err := s.directory.GetUserByEmail(ctx, req.AgencyID, req.Email); err == nil {
		return nil, ErrEmailTaken
	} else if !errors.Is(err, agency.ErrUserNotFound) {
		return nil, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("密码加密失败: %w", err)
	}

	user, err := s.directory.CreateUser(ctx, &agency.CreateUserRequest{
		AgencyID:     req.AgencyID,
		Email:        req.Email,
		Username:     req.Username,
		PasswordHash: string(hash),
		FullName:     req.FullName,
		ManagerID:    req.ManagerID,
	})
	if err != nil {
		return nil, err
	}

	logger.Info("用户注册成功",
		zap.String("user_id", user.ID),
		zap.String("agency_id", user.AgencyID),
	)
	return user, nil
}

// Refresh 刷新访问令牌
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	return s.jwt.RefreshAccessToken(ctx, refreshToken)
}

// Logout 注销（令牌加入黑名单）
func (s *Service) Logout(ctx context.Context, accessToken string) error {
	return s.jwt.InvalidateToken(ctx, accessToken)
}
