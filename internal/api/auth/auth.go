package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"queryhub/internal/model"
	"queryhub/internal/pkg/token"
	"queryhub/internal/store"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/oauth2"
)

// dummyHash 是一个永远比不中的 bcrypt 哈希。
// 邮箱不存在时也执行一次比对，让两种失败路径的耗时特征一致，
// 防止通过响应时间枚举已注册邮箱。
const dummyHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

// UserStore 是认证流程需要的用户持久化操作。
type UserStore interface {
	FindByEmail(ctx context.Context, email string) (*model.User, error)
	FindByID(ctx context.Context, id string) (*model.User, error)
	FindByProvider(ctx context.Context, provider, providerUserID string) (*model.User, error)
	Create(ctx context.Context, user *model.User) error
	Save(ctx context.Context, user *model.User) error
}

// LinkMailer 投递验证/重置链接。
type LinkMailer interface {
	SendVerificationLink(toEmail, link string) error
	SendPasswordResetLink(toEmail, link string) error
}

// Handler 提供注册、登录、密码重置与邮箱验证接口。
type Handler struct {
	users       UserStore
	codec       *token.Codec
	mailer      LinkMailer
	oauth       *oauth2.Config
	frontendURL string
	resetTTL    time.Duration
	verifyTTL   time.Duration
	devMode     bool
	logger      *slog.Logger
}

// NewHandler 创建 Auth Handler。
//
// devMode 开启时，注册/找回密码等响应会附带签发的用途令牌，
// 方便本地联调；生产环境只通过邮件链接送达。
func NewHandler(users UserStore, codec *token.Codec, mailer LinkMailer, oauth *oauth2.Config,
	frontendURL string, resetTTL, verifyTTL time.Duration, devMode bool, logger *slog.Logger) *Handler {
	if resetTTL <= 0 {
		resetTTL = time.Hour
	}
	if verifyTTL <= 0 {
		verifyTTL = 24 * time.Hour
	}
	return &Handler{
		users:       users,
		codec:       codec,
		mailer:      mailer,
		oauth:       oauth,
		frontendURL: frontendURL,
		resetTTL:    resetTTL,
		verifyTTL:   verifyTTL,
		devMode:     devMode,
		logger:      logger,
	}
}

type registerRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required,min=6"`
	Name     string `json:"name" binding:"required,min=2"`
}

type loginRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

type emailRequest struct {
	Email string `json:"email" binding:"required"`
}

type resetPasswordRequest struct {
	Password string `json:"password"`
}

type userResponse struct {
	ID         string `json:"id"`
	Email      string `json:"email"`
	Name       string `json:"name"`
	IsVerified *bool  `json:"isVerified,omitempty"`
}

// Register 创建新用户并签发会话令牌与邮箱验证令牌。
//
// POST /register
func (h *Handler) Register(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"message": "Validation failed",
			"errors":  registrationErrors(err),
		})
		return
	}

	_, err := h.users.FindByEmail(c.Request.Context(), req.Email)
	if err == nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "User already exists"})
		return
	}
	if !errors.Is(err, store.ErrNotFound) {
		h.internalError(c, "Error during registration", err)
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		h.internalError(c, "Error during registration", err)
		return
	}

	user := model.User{
		Email:    req.Email,
		Password: string(hash),
		Name:     req.Name,
		Role:     "user",
	}
	if err := h.users.Create(c.Request.Context(), &user); err != nil {
		// 并发注册同一邮箱时可能越过前面的存在性检查，在唯一索引处落败。
		if errors.Is(err, store.ErrDuplicateEmail) {
			c.JSON(http.StatusBadRequest, gin.H{"message": "User already exists"})
			return
		}
		h.logger.Error("create user failed", slog.String("email", user.Email), slog.String("error", err.Error()))
		h.internalError(c, "Error during registration", err)
		return
	}

	verificationToken := h.issueVerification(&user)

	sessionToken, err := h.codec.IssueSession(user.ID, user.Email)
	if err != nil {
		h.internalError(c, "Error during registration", err)
		return
	}

	h.logger.Info("user registered", slog.String("email", user.Email))

	resp := gin.H{
		"message": "Registration successful. Please check your email for verification.",
		"token":   sessionToken,
		"user": userResponse{
			ID:         user.ID,
			Email:      user.Email,
			Name:       user.Name,
			IsVerified: &user.IsVerified,
		},
	}
	if h.devMode && verificationToken != "" {
		resp["verificationToken"] = verificationToken
	}
	c.JSON(http.StatusCreated, resp)
}

// Login 校验凭据并签发会话令牌。
//
// 邮箱不存在与密码错误返回完全相同的状态与 message，不暴露邮箱是否注册。
//
// POST /login
func (h *Handler) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"message": "Validation failed",
			"errors":  loginErrors(err),
		})
		return
	}

	user, err := h.users.FindByEmail(c.Request.Context(), req.Email)
	if errors.Is(err, store.ErrNotFound) {
		_ = bcrypt.CompareHashAndPassword([]byte(dummyHash), []byte(req.Password))
		c.JSON(http.StatusUnauthorized, gin.H{"message": "Invalid credentials"})
		return
	}
	if err != nil {
		h.internalError(c, "Error during login", err)
		return
	}

	// 第三方登录账号没有本地密码，走统一的失败路径。
	storedHash := user.Password
	if storedHash == "" {
		storedHash = dummyHash
	}
	if err := bcrypt.CompareHashAndPassword([]byte(storedHash), []byte(req.Password)); err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"message": "Invalid credentials"})
		return
	}

	sessionToken, err := h.codec.IssueSession(user.ID, user.Email)
	if err != nil {
		h.internalError(c, "Error during login", err)
		return
	}

	h.logger.Info("user logged in", slog.String("email", user.Email))
	c.JSON(http.StatusOK, gin.H{
		"message": "Login successful",
		"token":   sessionToken,
		"user":    userResponse{ID: user.ID, Email: user.Email, Name: user.Name},
	})
}

// Logout 处理注销请求（令牌无状态，客户端丢弃即可）。
//
// POST /logout
func (h *Handler) Logout(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"message": "Logged out successfully"})
}

// ForgotPassword 签发密码重置令牌。
//
// 无论邮箱是否存在都返回同一成功响应；令牌只在用户存在时真正签发。
//
// POST /forgot-password
func (h *Handler) ForgotPassword(c *gin.Context) {
	const genericMessage = "If the email exists, a reset link has been sent"

	var req emailRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "Email is required"})
		return
	}

	user, err := h.users.FindByEmail(c.Request.Context(), req.Email)
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusOK, gin.H{"message": genericMessage})
		return
	}
	if err != nil {
		h.internalError(c, "Error processing password reset", err)
		return
	}

	resetToken, err := h.codec.IssuePurpose(user.ID, token.PurposePasswordReset, h.resetTTL)
	if err != nil {
		h.internalError(c, "Error processing password reset", err)
		return
	}

	link := h.frontendURL + "/reset-password/" + resetToken
	if err := h.mailer.SendPasswordResetLink(user.Email, link); err != nil {
		h.logger.Warn("send reset link failed", slog.String("email", user.Email), slog.String("error", err.Error()))
	}

	resp := gin.H{"message": genericMessage}
	if h.devMode {
		resp["resetToken"] = resetToken
	}
	c.JSON(http.StatusOK, resp)
}

// ResetPassword 用重置令牌设置新密码。
//
// POST /reset-password/:token
func (h *Handler) ResetPassword(c *gin.Context) {
	var req resetPasswordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "Password must be at least 6 characters long"})
		return
	}
	if len(req.Password) < 6 {
		c.JSON(http.StatusBadRequest, gin.H{"message": "Password must be at least 6 characters long"})
		return
	}

	claims, err := h.codec.VerifyPurposeFor(c.Param("token"), token.PurposePasswordReset)
	if errors.Is(err, token.ErrWrongPurpose) {
		c.JSON(http.StatusBadRequest, gin.H{"message": "Invalid reset token"})
		return
	}
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "Invalid or expired reset token"})
		return
	}

	user, err := h.users.FindByID(c.Request.Context(), claims.Subject)
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusBadRequest, gin.H{"message": "User not found"})
		return
	}
	if err != nil {
		h.internalError(c, "Error resetting password", err)
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		h.internalError(c, "Error resetting password", err)
		return
	}
	user.Password = string(hash)
	if err := h.users.Save(c.Request.Context(), user); err != nil {
		h.internalError(c, "Error resetting password", err)
		return
	}

	h.logger.Info("password reset", slog.String("email", user.Email))
	c.JSON(http.StatusOK, gin.H{"message": "Password reset successful"})
}

// VerifyEmail 用验证令牌把邮箱标记为已验证。重复验证是幂等的。
//
// GET /verify-email/:token
func (h *Handler) VerifyEmail(c *gin.Context) {
	claims, err := h.codec.VerifyPurposeFor(c.Param("token"), token.PurposeEmailVerification)
	if errors.Is(err, token.ErrWrongPurpose) {
		c.JSON(http.StatusBadRequest, gin.H{"message": "Invalid verification token"})
		return
	}
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "Invalid or expired verification token"})
		return
	}

	user, err := h.users.FindByID(c.Request.Context(), claims.Subject)
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusBadRequest, gin.H{"message": "User not found"})
		return
	}
	if err != nil {
		h.internalError(c, "Error verifying email", err)
		return
	}

	if user.IsVerified {
		c.JSON(http.StatusOK, gin.H{"message": "Email already verified"})
		return
	}

	user.IsVerified = true
	if err := h.users.Save(c.Request.Context(), user); err != nil {
		h.internalError(c, "Error verifying email", err)
		return
	}

	h.logger.Info("email verified", slog.String("email", user.Email))
	c.JSON(http.StatusOK, gin.H{"message": "Email verified successfully"})
}

// ResendVerification 重新签发验证令牌。
//
// 与找回密码不同，这个接口对不存在的邮箱返回 404（沿用既有对外行为）。
//
// POST /resend-verification
func (h *Handler) ResendVerification(c *gin.Context) {
	var req emailRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "Email is required"})
		return
	}

	user, err := h.users.FindByEmail(c.Request.Context(), req.Email)
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"message": "User not found"})
		return
	}
	if err != nil {
		h.internalError(c, "Error sending verification email", err)
		return
	}

	if user.IsVerified {
		c.JSON(http.StatusOK, gin.H{"message": "Email is already verified"})
		return
	}

	verificationToken := h.issueVerification(user)

	resp := gin.H{"message": "Verification email sent"}
	if h.devMode && verificationToken != "" {
		resp["verificationToken"] = verificationToken
	}
	c.JSON(http.StatusOK, resp)
}

// issueVerification 签发验证令牌并投递链接。投递失败只记日志，
// 不阻塞主流程（用户可以随时重发）。
func (h *Handler) issueVerification(user *model.User) string {
	verificationToken, err := h.codec.IssuePurpose(user.ID, token.PurposeEmailVerification, h.verifyTTL)
	if err != nil {
		h.logger.Error("issue verification token failed", slog.String("email", user.Email), slog.String("error", err.Error()))
		return ""
	}
	link := h.frontendURL + "/verify-email/" + verificationToken
	if err := h.mailer.SendVerificationLink(user.Email, link); err != nil {
		h.logger.Warn("send verification link failed", slog.String("email", user.Email), slog.String("error", err.Error()))
	}
	return verificationToken
}

// internalError 返回 500。开发环境附带具体原因，生产环境只保留概述。
func (h *Handler) internalError(c *gin.Context, message string, err error) {
	h.logger.Error(message, slog.String("error", err.Error()))
	resp := gin.H{"message": message}
	if h.devMode {
		resp["error"] = err.Error()
	}
	c.JSON(http.StatusInternalServerError, resp)
}
