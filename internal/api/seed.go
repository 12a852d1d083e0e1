package api

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"queryhub/internal/model"
	"queryhub/internal/store"

	"golang.org/x/crypto/bcrypt"
)

// SeedDemoData 写入一个演示账号（demo@queryhub.local / demo123456）
// 和一份 free 订阅，便于本地联调。账号已存在时不做任何事。
func (s *Server) SeedDemoData(ctx context.Context) error {
	users := store.NewUsers(s.db)
	subs := store.NewSubscriptions(s.db)

	const demoEmail = "demo@queryhub.local"
	if _, err := users.FindByEmail(ctx, demoEmail); err == nil {
		return nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte("demo123456"), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	user := model.User{
		Email:      demoEmail,
		Password:   string(hash),
		Name:       "Demo User",
		Role:       "user",
		IsVerified: true,
	}
	if err := users.Create(ctx, &user); err != nil {
		return err
	}

	sub := model.Subscription{
		UserID:        user.ID,
		Plan:          model.PlanFree,
		Status:        model.SubscriptionActive,
		MonthlyQuota:  model.PlanQuota(model.PlanFree),
		StartDate:     time.Now(),
		PaymentStatus: "completed",
	}
	if err := subs.Create(ctx, &sub); err != nil {
		return err
	}

	s.logger.Info("demo data seeded", slog.String("email", demoEmail))
	return nil
}
