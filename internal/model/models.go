package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// 订阅套餐，按档位从低到高排序。
const (
	PlanFree    = "free"
	PlanBasic   = "basic"
	PlanPremium = "premium"
)

// 订阅状态。
const (
	SubscriptionActive    = "active"
	SubscriptionCancelled = "cancelled"
	SubscriptionExpired   = "expired"
	SubscriptionPending   = "pending"
)

// UnlimitedQuota 表示不限量的月度配额哨兵值。
const UnlimitedQuota = -1

// PlanRank 返回套餐档位（free < basic < premium），未知套餐返回 -1。
func PlanRank(plan string) int {
	switch plan {
	case PlanFree:
		return 0
	case PlanBasic:
		return 1
	case PlanPremium:
		return 2
	default:
		return -1
	}
}

// PlanQuota 返回套餐对应的月度配额，未知套餐返回 0。
func PlanQuota(plan string) int {
	switch plan {
	case PlanFree:
		return 100
	case PlanBasic:
		return 1000
	case PlanPremium:
		return UnlimitedQuota
	default:
		return 0
	}
}

// Subscription 表示用户的计量订阅。
//
// 同一用户允许存在多条历史记录（取消后重新订阅），但同一时刻最多一条
// status=active。MonthlyQuota 为 -1 表示不限量；QuotaUsed 通过条件更新
// 递增，保证不会越过配额上限。
type Subscription struct {
	ID            string     `gorm:"type:char(36);primaryKey"`         // 订阅 ID (UUID)
	UserID        string     `gorm:"type:char(36);index;not null"`     // 所属用户 ID
	Plan          string     `gorm:"type:varchar(16);default:free"`    // 套餐: free / basic / premium
	Status        string     `gorm:"type:varchar(16);default:active"`  // 状态: active / cancelled / expired / pending
	MonthlyQuota  int        `gorm:"not null;default:100"`             // 月度配额（-1 表示不限量）
	QuotaUsed     int        `gorm:"default:0"`                        // 本期已消耗量
	StartDate     time.Time  // 订阅开始时间（配额周期起点）
	EndDate       *time.Time // 结束时间（active 期间为空）
	PaymentStatus string     `gorm:"type:varchar(16);default:pending"` // 支付状态占位: pending / completed / failed
	CreatedAt     time.Time  // 创建时间
	UpdatedAt     time.Time  // 更新时间
}

// BeforeCreate 在创建前分配 UUID。
func (s *Subscription) BeforeCreate(tx *gorm.DB) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	return nil
}

// Remaining 返回剩余配额；不限量时返回 UnlimitedQuota。
func (s *Subscription) Remaining() int {
	if s.MonthlyQuota == UnlimitedQuota {
		return UnlimitedQuota
	}
	if r := s.MonthlyQuota - s.QuotaUsed; r > 0 {
		return r
	}
	return 0
}

// 审计日志类型。
const (
	LogInfo    = "info"
	LogWarning = "warning"
	LogError   = "error"
	LogAIQuery = "ai_query"
)

// Log 是只追加的审计/事件记录。
//
// UserID 为空表示系统级事件。Metadata 保存序列化后的 JSON。
type Log struct {
	ID        string    `gorm:"type:char(36);primaryKey"`      // 日志 ID (UUID)
	UserID    string    `gorm:"type:char(36);index"`           // 所属用户 ID（空为系统级）
	Type      string    `gorm:"type:varchar(16);default:info"` // 类型: info / warning / error / ai_query
	Message   string    `gorm:"type:text;not null"`            // 事件描述
	Metadata  string    `gorm:"type:json"`                     // 附加数据 (JSON)
	Severity  int       `gorm:"default:1"`                     // 严重程度（>1 视为事故）
	CreatedAt time.Time // 记录时间
}

// BeforeCreate 在创建前分配 UUID。
func (l *Log) BeforeCreate(tx *gorm.DB) error {
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	return nil
}

// QueryAnalysis 是用户 AI 查询记录的聚合统计。
type QueryAnalysis struct {
	TotalQueries int64   `json:"totalQueries"` // 查询总次数
	AvgTokens    float64 `json:"avgTokens"`    // 单次平均 token 消耗
	MaxTokens    int64   `json:"maxTokens"`    // 单次最大 token 消耗
}
