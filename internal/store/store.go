package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"queryhub/internal/model"

	"github.com/go-sql-driver/mysql"
	"gorm.io/gorm"
)

// 存储层的可区分失败种类。
var (
	ErrNotFound       = errors.New("record not found")
	ErrDuplicateEmail = errors.New("email already registered")
	ErrNoSubscription = errors.New("no active subscription")
	ErrQuotaExceeded  = errors.New("quota exceeded")
)

// NormalizeEmail 统一邮箱的存储与查询形态（去空白、小写）。
// 注册、登录与找回密码共用同一套归一化规则，保证比较口径一致。
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Users 提供用户记录的持久化访问。
type Users struct {
	db *gorm.DB
}

// NewUsers 创建用户存储。
func NewUsers(db *gorm.DB) *Users {
	return &Users{db: db}
}

// FindByEmail 按归一化后的邮箱查找用户。不存在返回 ErrNotFound。
func (s *Users) FindByEmail(ctx context.Context, email string) (*model.User, error) {
	var user model.User
	err := s.db.WithContext(ctx).Where("email = ?", NormalizeEmail(email)).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// FindByID 按主键查找用户。不存在返回 ErrNotFound。
func (s *Users) FindByID(ctx context.Context, id string) (*model.User, error) {
	var user model.User
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// FindByProvider 按第三方身份查找用户。不存在返回 ErrNotFound。
func (s *Users) FindByProvider(ctx context.Context, provider, providerUserID string) (*model.User, error) {
	var user model.User
	err := s.db.WithContext(ctx).
		Where("provider = ? AND provider_user_id = ?", provider, providerUserID).
		First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// Create 创建用户记录。邮箱在写入前归一化。
// 并发注册同一邮箱时，唯一索引冲突映射为 ErrDuplicateEmail。
func (s *Users) Create(ctx context.Context, user *model.User) error {
	user.Email = NormalizeEmail(user.Email)
	if err := s.db.WithContext(ctx).Create(user).Error; err != nil {
		if isDuplicateKey(err) {
			return ErrDuplicateEmail
		}
		return err
	}
	return nil
}

func isDuplicateKey(err error) bool {
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
		return true
	}
	return errors.Is(err, gorm.ErrDuplicatedKey)
}

// Save 保存用户记录的全部字段。
func (s *Users) Save(ctx context.Context, user *model.User) error {
	return s.db.WithContext(ctx).Save(user).Error
}

// Subscriptions 提供订阅（配额账本）的持久化访问。
type Subscriptions struct {
	db *gorm.DB
}

// NewSubscriptions 创建订阅存储。
func NewSubscriptions(db *gorm.DB) *Subscriptions {
	return &Subscriptions{db: db}
}

// ActiveByUser 返回用户当前的 active 订阅。没有则返回 ErrNoSubscription。
func (s *Subscriptions) ActiveByUser(ctx context.Context, userID string) (*model.Subscription, error) {
	var sub model.Subscription
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND status = ?", userID, model.SubscriptionActive).
		First(&sub).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNoSubscription
	}
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

// Create 创建订阅记录。
func (s *Subscriptions) Create(ctx context.Context, sub *model.Subscription) error {
	return s.db.WithContext(ctx).Create(sub).Error
}

// Save 保存订阅记录的全部字段。
func (s *Subscriptions) Save(ctx context.Context, sub *model.Subscription) error {
	return s.db.WithContext(ctx).Save(sub).Error
}

// Reserve 以条件更新预占一个配额单位。
//
// 带上限的递增在存储层原子完成（quota_used < monthly_quota 才生效），
// 并发请求无法把计数推过配额上限。不限量订阅不做递增。
// 返回递增后的订阅快照；配额耗尽返回 ErrQuotaExceeded（快照同时返回，
// 供调用方上报 quota/used），无 active 订阅返回 ErrNoSubscription。
func (s *Subscriptions) Reserve(ctx context.Context, userID string) (*model.Subscription, error) {
	sub, err := s.ActiveByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if sub.MonthlyQuota == model.UnlimitedQuota {
		return sub, nil
	}

	res := s.db.WithContext(ctx).Model(&model.Subscription{}).
		Where("id = ? AND status = ? AND quota_used < monthly_quota", sub.ID, model.SubscriptionActive).
		UpdateColumn("quota_used", gorm.Expr("quota_used + 1"))
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return sub, ErrQuotaExceeded
	}
	sub.QuotaUsed++
	return sub, nil
}

// Release 归还一个此前预占的配额单位（下游操作失败时调用）。
// 计数不会降到 0 以下。
func (s *Subscriptions) Release(ctx context.Context, subID string) error {
	return s.db.WithContext(ctx).Model(&model.Subscription{}).
		Where("id = ? AND quota_used > 0", subID).
		UpdateColumn("quota_used", gorm.Expr("quota_used - 1")).Error
}

// ResetDuePeriods 把月度周期已结束的 active 订阅的用量清零，
// 并把周期起点推进到当前周期。返回受影响的订阅数。
func (s *Subscriptions) ResetDuePeriods(ctx context.Context, now time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Model(&model.Subscription{}).
		Where("status = ? AND start_date <= ?", model.SubscriptionActive, now.AddDate(0, -1, 0)).
		Updates(map[string]interface{}{
			"quota_used": 0,
			"start_date": now,
		})
	return res.RowsAffected, res.Error
}

// ExpireEnded 把结束时间已过的 cancelled 订阅标记为 expired。
func (s *Subscriptions) ExpireEnded(ctx context.Context, now time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Model(&model.Subscription{}).
		Where("status = ? AND end_date IS NOT NULL AND end_date <= ?", model.SubscriptionCancelled, now).
		Update("status", model.SubscriptionExpired)
	return res.RowsAffected, res.Error
}

// Logs 提供只追加的审计日志访问。
type Logs struct {
	db *gorm.DB
}

// NewLogs 创建日志存储。
func NewLogs(db *gorm.DB) *Logs {
	return &Logs{db: db}
}

// Append 写入一条审计日志。metadata 序列化为 JSON 存储。
func (s *Logs) Append(ctx context.Context, userID, logType, message string, metadata map[string]interface{}, severity int) error {
	encoded := ""
	if len(metadata) > 0 {
		data, err := json.Marshal(metadata)
		if err != nil {
			return fmt.Errorf("marshal log metadata: %w", err)
		}
		encoded = string(data)
	}
	if severity <= 0 {
		severity = 1
	}
	entry := model.Log{
		UserID:   userID,
		Type:     logType,
		Message:  message,
		Metadata: encoded,
		Severity: severity,
	}
	return s.db.WithContext(ctx).Create(&entry).Error
}

// RecentByUser 返回用户某类型的最近日志，按时间倒序。
func (s *Logs) RecentByUser(ctx context.Context, userID, logType string, limit int) ([]model.Log, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	logs := []model.Log{}
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND type = ?", userID, logType).
		Order("created_at DESC").
		Limit(limit).
		Find(&logs).Error
	return logs, err
}

// AnalysisByUser 聚合用户 AI 查询记录的次数与 token 消耗。
// token 数从 metadata JSON 的 tokens 字段提取。
func (s *Logs) AnalysisByUser(ctx context.Context, userID string) (*model.QueryAnalysis, error) {
	var out model.QueryAnalysis
	err := s.db.WithContext(ctx).Model(&model.Log{}).
		Where("user_id = ? AND type = ?", userID, model.LogAIQuery).
		Select("COUNT(id) AS total_queries, " +
			"COALESCE(AVG(JSON_EXTRACT(metadata, '$.tokens')), 0) AS avg_tokens, " +
			"COALESCE(MAX(JSON_EXTRACT(metadata, '$.tokens')), 0) AS max_tokens").
		Scan(&out).Error
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// IncidentsByUser 返回用户严重程度大于 1 的错误日志。
func (s *Logs) IncidentsByUser(ctx context.Context, userID string, limit int) ([]model.Log, error) {
	if limit <= 0 || limit > 50 {
		limit = 50
	}
	logs := []model.Log{}
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND type = ? AND severity > 1", userID, model.LogError).
		Order("created_at DESC").
		Limit(limit).
		Find(&logs).Error
	return logs, err
}
