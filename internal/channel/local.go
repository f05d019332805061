package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"text/template"

	"sosalert/internal/config"
	"sosalert/internal/domain"
	"sosalert/internal/templatefmt"

	tgbot "github.com/go-telegram/bot"
)

// Presenter shows rendered alert text on a local surface.
type Presenter interface {
	Ready() error
	Present(ctx context.Context, text string, alert domain.EmergencyAlert) error
}

// LocalSender renders alert text and hands it to a presenter.
// Params: compiled template and presenter.
// Returns: local notification sender.
type LocalSender struct {
	tmpl      *template.Template
	tmplErr   error
	presenter Presenter
}

// NewLocalSender builds local sender for configured presenter.
// Params: local channel config and logger for log presenter.
// Returns: sender; template/presenter errors surface through Ready.
func NewLocalSender(cfg config.LocalChannelConfig, logger *slog.Logger) *LocalSender {
	var presenter Presenter
	switch cfg.Presenter {
	case config.PresenterTelegram:
		presenter = NewTelegramPresenter(cfg)
	default:
		presenter = NewLogPresenter(logger)
	}
	return NewLocalSenderWithPresenter(cfg.Template, presenter)
}

// NewLocalSenderWithPresenter builds local sender over explicit presenter.
// Params: template body and presenter.
// Returns: sender.
func NewLocalSenderWithPresenter(body string, presenter Presenter) *LocalSender {
	sender := &LocalSender{presenter: presenter}
	tmpl, err := templatefmt.ParseNotificationTemplate(domain.ChannelLocal, body)
	if err != nil {
		sender.tmplErr = fmt.Errorf("parse local template: %w", err)
		return sender
	}
	sender.tmpl = tmpl
	return sender
}

// Name returns local channel key.
func (s *LocalSender) Name() string {
	return domain.ChannelLocal
}

// Ready reports template or presenter setup errors.
func (s *LocalSender) Ready() error {
	if s.tmplErr != nil {
		return s.tmplErr
	}
	if s.presenter == nil {
		return errors.New("local presenter is not configured")
	}
	return s.presenter.Ready()
}

// Send renders alert text and presents it.
// Params: context and alert.
// Returns: render or presenter failure.
func (s *LocalSender) Send(ctx context.Context, alert domain.EmergencyAlert) error {
	text, err := templatefmt.Render(s.tmpl, alert)
	if err != nil {
		return FailPermanent(ReasonRender, err)
	}
	return s.presenter.Present(ctx, text, alert)
}

// LogPresenter writes alert text as a WARN record.
type LogPresenter struct {
	logger *slog.Logger
}

// NewLogPresenter creates log presenter.
func NewLogPresenter(logger *slog.Logger) *LogPresenter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogPresenter{logger: logger}
}

// Ready always succeeds.
func (p *LogPresenter) Ready() error { return nil }

// Present logs alert text.
func (p *LogPresenter) Present(ctx context.Context, text string, alert domain.EmergencyAlert) error {
	p.logger.WarnContext(ctx, "SOS", "alert_id", alert.ID, "subject_id", alert.SubjectID, "text", text)
	return nil
}

// TelegramPresenter posts alert text to one Telegram chat.
// Params: bot client and chat id.
// Returns: presenter backed by Telegram Bot API.
type TelegramPresenter struct {
	client  *tgbot.Bot
	chatID  any
	initErr error
}

// NewTelegramPresenter creates Telegram presenter from local channel config.
// Params: bot token (token), API base URL (endpoint) and chat id.
// Returns: presenter; setup errors surface through Ready.
func NewTelegramPresenter(cfg config.LocalChannelConfig) *TelegramPresenter {
	presenter := &TelegramPresenter{chatID: normalizeChatID(cfg.ChatID)}

	if strings.TrimSpace(cfg.Token) == "" {
		presenter.initErr = errors.New("telegram bot token is required")
		return presenter
	}
	if strings.TrimSpace(cfg.ChatID) == "" {
		presenter.initErr = errors.New("telegram chat_id is required")
		return presenter
	}

	options := []tgbot.Option{tgbot.WithSkipGetMe()}
	if base := strings.TrimRight(strings.TrimSpace(cfg.Endpoint), "/"); base != "" {
		options = append(options, tgbot.WithServerURL(base))
	}
	client, err := tgbot.New(cfg.Token, options...)
	if err != nil {
		presenter.initErr = fmt.Errorf("init telegram bot: %w", err)
		return presenter
	}
	presenter.client = client
	return presenter
}

// Ready reports setup error.
func (p *TelegramPresenter) Ready() error {
	return p.initErr
}

// Present sends text message to configured chat.
func (p *TelegramPresenter) Present(ctx context.Context, text string, _ domain.EmergencyAlert) error {
	sent, err := p.client.SendMessage(ctx, &tgbot.SendMessageParams{
		ChatID: p.chatID,
		Text:   text,
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return Fail(ReasonPresenter, fmt.Errorf("telegram send: %w", err))
	}
	if sent == nil || sent.ID <= 0 {
		return Fail(ReasonPresenter, errors.New("telegram send returned empty message id"))
	}
	return nil
}

// normalizeChatID converts numeric chat IDs to int64 and keeps channel usernames as string.
func normalizeChatID(raw string) any {
	trimmed := strings.TrimSpace(raw)
	if numeric, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
		return numeric
	}
	return trimmed
}
