package notification

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"

	"backend/internal/agency"
	"backend/internal/config"
	"backend/internal/logger"

	"go.uber.org/zap"
)

// UserLookup 根据用户 ID 查询收件地址
type UserLookup interface {
	GetUser(ctx context.Context, agencyID, userID string) (*agency.User, error)
}

// EmailNotifier 通过 SMTP 发送通知邮件
type EmailNotifier struct {
	cfg   *config.EmailConfig
	users UserLookup
}

// NewEmailNotifier 创建邮件通知器
func NewEmailNotifier(cfg *config.EmailConfig, users UserLookup) *EmailNotifier {
	return &EmailNotifier{cfg: cfg, users: users}
}

// Notify 给消息中的每个用户发送一封邮件。
// 单个收件人解析失败只记日志，不影响其他收件人。
func (e *EmailNotifier) Notify(ctx context.Context, msg *Message) error {
	if e.cfg == nil || !e.cfg.Enabled || e.cfg.SMTPHost == "" {
		return nil
	}

	var recipients []string
	for _, userID := range msg.UserIDs {
		user, err := e.users.GetUser(ctx, msg.AgencyID, userID)
		if err != nil {
			logger.Warn("解析通知收件人失败",
				zap.String("user_id", userID),
				zap.String("agency_id", msg.AgencyID),
				zap.Error(err),
			)
			continue
		}
		if user.Email != "" {
			recipients = append(recipients, user.Email)
		}
	}
	if len(recipients) == 0 {
		return nil
	}

	body := e.buildMessage(recipients, msg)
	addr := fmt.Sprintf("%s:%d", e.cfg.SMTPHost, e.cfg.SMTPPort)

	var auth smtp.Auth
	if e.cfg.Username != "" {
		auth = smtp.PlainAuth("", e.cfg.Username, e.cfg.Password, e.cfg.SMTPHost)
	}

	if err := smtp.SendMail(addr, auth, e.cfg.From, recipients, body); err != nil {
		return fmt.Errorf("发送邮件失败: %w", err)
	}

	return nil
}

func (e *EmailNotifier) buildMessage(recipients []string, msg *Message) []byte {
	from := e.cfg.From
	if e.cfg.FromName != "" {
		from = fmt.Sprintf("%s <%s>", e.cfg.FromName, e.cfg.From)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(recipients, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", msg.Title)
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(msg.Body)
	b.WriteString("\r\n")
	return []byte(b.String())
}
