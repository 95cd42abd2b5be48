package agency

import "time"

// Agency represents a logical tenant in the system. All agency-scoped data
// should reference AgencyID to ensure proper isolation.
type Agency struct {
	ID     string `json:"id" gorm:"primaryKey;type:uuid"`
	Name   string `json:"name" gorm:"size:255;not null"`
	Slug   string `json:"slug" gorm:"size:100;uniqueIndex;not null"`
	Status string `json:"status" gorm:"size:50;not null;default:active"`

	// 联系信息
	ContactEmail  string `json:"contactEmail" gorm:"size:255"`
	ContactPhone  string `json:"contactPhone" gorm:"size:50"`
	ContactPerson string `json:"contactPerson" gorm:"size:100"`

	// 时间戳
	CreatedAt time.Time  `json:"createdAt" gorm:"not null;autoCreateTime"`
	UpdatedAt time.Time  `json:"updatedAt" gorm:"not null;autoUpdateTime"`
	DeletedAt *time.Time `json:"deletedAt,omitempty" gorm:"index"`
	DeletedBy string     `json:"deletedBy,omitempty" gorm:"size:100"`
}

// User represents a user that belongs to a specific agency.
type User struct {
	ID       string `json:"id" gorm:"primaryKey;type:uuid"`
	AgencyID string `json:"agencyId" gorm:"type:uuid;not null;index"`

	// 认证信息
	Email        string `json:"email" gorm:"size:255;not null;index"`
	Username     string `json:"username" gorm:"size:100;not null"`
	PasswordHash string `json:"-" gorm:"size:255;not null"`

	// 个人信息
	FullName string `json:"fullName" gorm:"size:255"`
	Phone    string `json:"phone" gorm:"size:50"`

	// 组织关系，dynamic 审批人解析会用到
	ManagerID string `json:"managerId" gorm:"type:uuid;index"`

	// 状态管理
	Status string `json:"status" gorm:"size:50;not null;default:active"`

	// 安全相关
	LastLoginAt *time.Time `json:"lastLoginAt"`

	// 时间戳
	CreatedAt time.Time  `json:"createdAt" gorm:"not null;autoCreateTime"`
	UpdatedAt time.Time  `json:"updatedAt" gorm:"not null;autoUpdateTime"`
	DeletedAt *time.Time `json:"deletedAt,omitempty" gorm:"index"`
	DeletedBy string     `json:"deletedBy,omitempty" gorm:"size:100"`
}

// Role represents a named role inside an agency.
type Role struct {
	ID       string `json:"id" gorm:"primaryKey;type:uuid"`
	AgencyID string `json:"agencyId" gorm:"type:uuid;not null;index"`

	Name        string `json:"name" gorm:"size:100;not null"`
	Code        string `json:"code" gorm:"size:100;not null;index"`
	Description string `json:"description" gorm:"type:text"`

	// 角色属性
	IsSystem bool `json:"isSystem" gorm:"default:false"`

	// 时间戳
	CreatedAt time.Time  `json:"createdAt" gorm:"not null;autoCreateTime"`
	UpdatedAt time.Time  `json:"updatedAt" gorm:"not null;autoUpdateTime"`
	DeletedAt *time.Time `json:"deletedAt,omitempty" gorm:"index"`
}

// UserRole links a user to a role within an agency.
type UserRole struct {
	ID       string `json:"id" gorm:"primaryKey;type:uuid"`
	AgencyID string `json:"agencyId" gorm:"type:uuid;not null;index"`
	UserID   string `json:"userId" gorm:"type:uuid;not null;index"`
	RoleID   string `json:"roleId" gorm:"type:uuid;not null;index"`

	// 授予信息
	GrantedBy string `json:"grantedBy" gorm:"type:uuid"`

	// 时间戳
	CreatedAt time.Time `json:"createdAt" gorm:"not null;autoCreateTime"`
}
