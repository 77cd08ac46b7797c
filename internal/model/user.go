package model

import (
	"time"
)

const (
	UserStatusDisabled int8 = 0
	UserStatusActive   int8 = 1
)

const (
	RoleUser       = "USER"
	RoleAdmin      = "ADMIN"
	RoleSuperAdmin = "SUPER_ADMIN"
)

// User 用户表，只做禁用不做物理删除
type User struct {
	ID           int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	Username     string    `gorm:"type:varchar(64);uniqueIndex;not null" json:"username"`
	Email        string    `gorm:"type:varchar(128);uniqueIndex;not null" json:"email"`
	PasswordHash string    `gorm:"type:varchar(255);not null" json:"-"`
	Status       int8      `gorm:"not null;default:1" json:"status"`
	Role         string    `gorm:"type:varchar(20);not null;default:USER" json:"role"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func (User) TableName() string {
	return "users"
}

func (u *User) IsAdmin() bool {
	return u.Role == RoleAdmin || u.Role == RoleSuperAdmin
}

const (
	MembershipNormal       = 0
	MembershipAdvanced     = 1
	MembershipProfessional = 2
)

const (
	DefaultFreeModel1Usages = 5
	DefaultFreeModel2Usages = 3
)

// UserProfile 用户积分与会员信息
// Credits 是流水表的投影，只能通过记账操作修改
type UserProfile struct {
	UserID              int64      `gorm:"primaryKey;autoIncrement:false" json:"user_id"`
	Credits             int64      `gorm:"not null;default:0;check:chk_user_profiles_credits,credits >= 0" json:"credits"`
	FreeModel1Usages    int        `gorm:"not null;default:5" json:"free_model1_usages"`
	FreeModel2Usages    int        `gorm:"not null;default:3" json:"free_model2_usages"`
	MembershipType      int        `gorm:"not null;default:0" json:"membership_type"`
	MembershipExpiresAt *time.Time `json:"membership_expires_at"`
	UpdatedAt           time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
	User                *User      `gorm:"foreignKey:UserID;constraint:OnDelete:CASCADE" json:"-"`
}

func (UserProfile) TableName() string {
	return "user_profiles"
}

func NewUserProfile(userID int64) *UserProfile {
	return &UserProfile{
		UserID:           userID,
		FreeModel1Usages: DefaultFreeModel1Usages,
		FreeModel2Usages: DefaultFreeModel2Usages,
		MembershipType:   MembershipNormal,
	}
}

// EffectiveMembership 会员过期后按普通用户处理
func (p *UserProfile) EffectiveMembership(now time.Time) int {
	if p.MembershipType == MembershipNormal {
		return MembershipNormal
	}
	if p.MembershipExpiresAt == nil || !p.MembershipExpiresAt.After(now) {
		return MembershipNormal
	}
	return p.MembershipType
}
