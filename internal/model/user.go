package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// User 表示系统用户。
//
// 密码字段保存 bcrypt 哈希；通过第三方登录（Google）创建的账号没有密码，
// Provider/ProviderUserID 记录外部身份关联。
type User struct {
	ID             string    `gorm:"type:char(36);primaryKey"`      // 用户 ID (UUID)
	Email          string    `gorm:"type:varchar(191);uniqueIndex"` // 邮箱（唯一，存储前统一小写）
	Password       string    // bcrypt 哈希（第三方登录账号为空）
	Name           string    `gorm:"type:varchar(191)"`             // 显示名称
	Role           string    `gorm:"type:varchar(16);default:user"` // 角色: user / admin
	IsVerified     bool      `gorm:"default:false"`                 // 邮箱是否已验证
	Provider       string    `gorm:"type:varchar(32)"`              // 第三方身份提供商（如 google）
	ProviderUserID string    `gorm:"type:varchar(191)"`             // 提供商侧用户 ID
	CreatedAt      time.Time // 创建时间
	UpdatedAt      time.Time // 更新时间

	Subscriptions []Subscription `gorm:"foreignKey:UserID"`
}

// BeforeCreate 在创建前分配 UUID。
func (u *User) BeforeCreate(tx *gorm.DB) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	return nil
}
