package notify

import (
	"fmt"
	"log/slog"
	"strings"

	"queryhub/internal/config"

	"gopkg.in/gomail.v2"
)

// EmailNotifier 负责投递验证与重置邮件。
//
// SMTP 未配置时退化为把链接写入日志，便于本地开发直接取用。
type EmailNotifier struct {
	cfg    *config.EmailConfig
	logger *slog.Logger
}

// NewEmailNotifier 创建邮件通知器。
func NewEmailNotifier(cfg *config.EmailConfig, logger *slog.Logger) *EmailNotifier {
	return &EmailNotifier{cfg: cfg, logger: logger}
}

// SendVerificationLink 发送邮箱验证链接。
func (n *EmailNotifier) SendVerificationLink(toEmail, link string) error {
	if !n.smtpConfigured() {
		n.logger.Info("email verification link",
			slog.String("email", toEmail),
			slog.String("link", link))
		return nil
	}
	body := fmt.Sprintf(`<!DOCTYPE html>
<html>
<body style="font-family: Arial, sans-serif;">
  <div style="max-width: 520px; margin: 0 auto; padding: 16px;">
    <h2>验证你的邮箱</h2>
    <p>点击下面的链接完成邮箱验证：</p>
    <p><a href="%s">%s</a></p>
    <p>链接有效期 24 小时。</p>
  </div>
</body>
</html>`, link, link)
	return n.send(toEmail, "[QueryHub] 邮箱验证", body)
}

// SendPasswordResetLink 发送密码重置链接。
func (n *EmailNotifier) SendPasswordResetLink(toEmail, link string) error {
	if !n.smtpConfigured() {
		n.logger.Info("password reset link",
			slog.String("email", toEmail),
			slog.String("link", link))
		return nil
	}
	body := fmt.Sprintf(`<!DOCTYPE html>
<html>
<body style="font-family: Arial, sans-serif;">
  <div style="max-width: 520px; margin: 0 auto; padding: 16px;">
    <h2>重置密码</h2>
    <p>点击下面的链接设置新密码：</p>
    <p><a href="%s">%s</a></p>
    <p>链接有效期 1 小时。如果不是你本人操作，请忽略这封邮件。</p>
  </div>
</body>
</html>`, link, link)
	return n.send(toEmail, "[QueryHub] 密码重置", body)
}

func (n *EmailNotifier) smtpConfigured() bool {
	return n.cfg.SMTPHost != "" && n.cfg.SMTPUser != "" && n.cfg.FromEmail != ""
}

func (n *EmailNotifier) send(toEmail, subject, htmlBody string) error {
	if strings.TrimSpace(toEmail) == "" {
		return fmt.Errorf("empty recipient")
	}

	m := gomail.NewMessage()
	m.SetHeader("From", n.cfg.FromEmail)
	m.SetHeader("To", toEmail)
	m.SetHeader("Subject", subject)
	m.SetBody("text/html", htmlBody)

	d := gomail.NewDialer(n.cfg.SMTPHost, n.cfg.SMTPPort, n.cfg.SMTPUser, n.cfg.SMTPPass)
	if err := d.DialAndSend(m); err != nil {
		return fmt.Errorf("send email: %w", err)
	}

	n.logger.Info("email sent", slog.String("to", toEmail), slog.String("subject", subject))
	return nil
}
