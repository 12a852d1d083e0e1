package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"queryhub/internal/model"
	"queryhub/internal/store"

	"github.com/gin-gonic/gin"
	"golang.org/x/oauth2"
)

const (
	providerGoogle   = "google"
	oauthStateCookie = "oauth_state"
	googleUserInfo   = "https://www.googleapis.com/oauth2/v2/userinfo"
)

// GoogleEndpoint 是 Google OAuth2 的授权端点。
var GoogleEndpoint = oauth2.Endpoint{
	AuthURL:  "https://accounts.google.com/o/oauth2/auth",
	TokenURL: "https://oauth2.googleapis.com/token",
}

type googleProfile struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
}

// GoogleAuth 重定向到 Google 授权页。
//
// GET /auth/google
func (h *Handler) GoogleAuth(c *gin.Context) {
	if h.oauth == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"message": "Google login not configured"})
		return
	}

	state, err := randomState()
	if err != nil {
		h.internalError(c, "Error starting Google authentication", err)
		return
	}
	c.SetCookie(oauthStateCookie, state, 600, "/", "", false, true)
	c.Redirect(http.StatusFound, h.oauth.AuthCodeURL(state))
}

// GoogleCallback 用授权码换取 Google 用户资料并签发本地会话。
//
// 账号关联策略：先按 (provider, provider_user_id) 找；找不到再按
// 邮箱找并把已有本地账号关联到 Google；都没有才建新账号。
// Google 回传的邮箱视为已验证。
//
// GET /auth/google/callback
func (h *Handler) GoogleCallback(c *gin.Context) {
	if h.oauth == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"message": "Google login not configured"})
		return
	}

	wantState, err := c.Cookie(oauthStateCookie)
	if err != nil || wantState == "" || c.Query("state") != wantState {
		c.JSON(http.StatusBadRequest, gin.H{"message": "Invalid OAuth state"})
		return
	}
	c.SetCookie(oauthStateCookie, "", -1, "/", "", false, true)

	code := c.Query("code")
	if code == "" {
		c.JSON(http.StatusBadRequest, gin.H{"message": "Authorization code missing"})
		return
	}

	profile, err := h.fetchGoogleProfile(c.Request.Context(), code)
	if err != nil {
		h.logger.Error("google oauth exchange failed", slog.String("error", err.Error()))
		c.JSON(http.StatusUnauthorized, gin.H{"message": "Google authentication failed"})
		return
	}
	if profile.Email == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"message": "Google authentication failed"})
		return
	}

	user, err := h.findOrCreateGoogleUser(c.Request.Context(), profile)
	if err != nil {
		h.internalError(c, "Error during Google authentication", err)
		return
	}

	sessionToken, err := h.codec.IssueSession(user.ID, user.Email)
	if err != nil {
		h.internalError(c, "Error during Google authentication", err)
		return
	}

	h.logger.Info("google login", slog.String("email", user.Email))
	c.JSON(http.StatusOK, gin.H{
		"message": "Google authentication successful",
		"token":   sessionToken,
		"user":    userResponse{ID: user.ID, Email: user.Email, Name: user.Name},
	})
}

func (h *Handler) fetchGoogleProfile(ctx context.Context, code string) (*googleProfile, error) {
	tok, err := h.oauth.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("exchange code: %w", err)
	}

	resp, err := h.oauth.Client(ctx, tok).Get(googleUserInfo)
	if err != nil {
		return nil, fmt.Errorf("fetch userinfo: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("userinfo status %d", resp.StatusCode)
	}

	var profile googleProfile
	if err := json.NewDecoder(resp.Body).Decode(&profile); err != nil {
		return nil, fmt.Errorf("decode userinfo: %w", err)
	}
	return &profile, nil
}

func (h *Handler) findOrCreateGoogleUser(ctx context.Context, profile *googleProfile) (*model.User, error) {
	user, err := h.users.FindByProvider(ctx, providerGoogle, profile.ID)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	user, err = h.users.FindByEmail(ctx, profile.Email)
	if err == nil {
		user.Provider = providerGoogle
		user.ProviderUserID = profile.ID
		user.IsVerified = true
		if err := h.users.Save(ctx, user); err != nil {
			return nil, err
		}
		return user, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	user = &model.User{
		Email:          profile.Email,
		Name:           profile.Name,
		Role:           "user",
		IsVerified:     true,
		Provider:       providerGoogle,
		ProviderUserID: profile.ID,
	}
	if err := h.users.Create(ctx, user); err != nil {
		return nil, err
	}
	return user, nil
}

func randomState() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
