package adapters

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"grade-vista/conversation"
	"grade-vista/internal/types"
	"grade-vista/menu"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/time/rate"
)

// pollTimeout is the long-poll timeout of getUpdates, in seconds
const pollTimeout = 60

// TelegramAdapter connects the conversation layer to the Telegram Bot API
type TelegramAdapter struct {
	api     *tgbotapi.BotAPI
	logger  types.Logger
	limiter *rate.Limiter
}

// NewTelegramAdapter authenticates with the Bot API and returns a ready adapter
func NewTelegramAdapter(token string, config *types.Config, logger types.Logger) (*TelegramAdapter, error) {
	if token == "" {
		return nil, errors.New("telegram bot token is empty")
	}

	endpoint := config.TelegramEndpoint
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	api, err := tgbotapi.NewBotAPIWithClient(token, endpoint, &http.Client{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to telegram: %w", err)
	}

	limit := rate.Inf
	if config.MessagesPerSecond > 0 {
		limit = rate.Limit(config.MessagesPerSecond)
	}

	logger.Infof("Authorized on account %s", api.Self.UserName)
	return &TelegramAdapter{
		api:     api,
		logger:  logger,
		limiter: rate.NewLimiter(limit, 1),
	}, nil
}

// Username returns the bot's account name
func (t *TelegramAdapter) Username() string {
	return t.api.Self.UserName
}

// SendText sends an HTML formatted message
func (t *TelegramAdapter) SendText(ctx context.Context, chatID int64, text string) error {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeHTML
	msg.DisableWebPagePreview = true
	return t.send(ctx, msg)
}

// SendMenu sends an HTML formatted message with the menu as an inline keyboard
func (t *TelegramAdapter) SendMenu(ctx context.Context, chatID int64, text string, m menu.Menu) error {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeHTML
	msg.ReplyMarkup = Keyboard(m)
	return t.send(ctx, msg)
}

// SendDocument uploads the file at path
func (t *TelegramAdapter) SendDocument(ctx context.Context, chatID int64, path, caption string) error {
	doc := tgbotapi.NewDocument(chatID, tgbotapi.FilePath(path))
	doc.Caption = caption
	doc.ParseMode = tgbotapi.ModeHTML
	return t.send(ctx, doc)
}

func (t *TelegramAdapter) send(ctx context.Context, c tgbotapi.Chattable) error {
	if err := t.limiter.Wait(ctx); err != nil {
		return err
	}
	if _, err := t.api.Send(c); err != nil {
		return fmt.Errorf("telegram send failed: %w", err)
	}
	return nil
}

// Listen long-polls for updates and passes each one to handle until ctx is done.
// Button presses are acknowledged before they are handled.
func (t *TelegramAdapter) Listen(ctx context.Context, handle func(context.Context, conversation.Event)) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = pollTimeout
	updates := t.api.GetUpdatesChan(u)
	defer t.api.StopReceivingUpdates()

	t.logger.Info("Listening for updates")
	for {
		select {
		case <-ctx.Done():
			t.logger.Info("Stopped listening for updates")
			return nil
		case update, ok := <-updates:
			if !ok {
				return errors.New("telegram update channel closed")
			}
			if cb := update.CallbackQuery; cb != nil {
				if _, err := t.api.Request(tgbotapi.NewCallback(cb.ID, "")); err != nil {
					t.logger.Warnf("Failed to acknowledge button press: %v", err)
				}
			}
			ev, ok := ToEvent(update)
			if !ok {
				continue
			}
			handle(ctx, ev)
		}
	}
}

// ToEvent converts an update into a conversation event. Updates that carry
// neither a message nor a button press are reported as not ok.
func ToEvent(update tgbotapi.Update) (conversation.Event, bool) {
	switch {
	case update.CallbackQuery != nil:
		cb := update.CallbackQuery
		if cb.Message == nil || cb.Message.Chat == nil {
			return conversation.Event{}, false
		}
		return conversation.Event{
			ChatID: cb.Message.Chat.ID,
			Kind:   conversation.EventButton,
			Data:   cb.Data,
			Sender: senderName(cb.From),
		}, true

	case update.Message != nil:
		msg := update.Message
		if msg.Chat == nil {
			return conversation.Event{}, false
		}
		ev := conversation.Event{
			ChatID: msg.Chat.ID,
			Kind:   conversation.EventText,
			Data:   msg.Text,
			Sender: senderName(msg.From),
		}
		if msg.IsCommand() {
			ev.Kind = conversation.EventCommand
			ev.Data = strings.ToLower(msg.Command())
		}
		return ev, true
	}
	return conversation.Event{}, false
}

func senderName(u *tgbotapi.User) string {
	if u == nil {
		return ""
	}
	if u.UserName != "" {
		return u.UserName
	}
	return strings.TrimSpace(u.FirstName + " " + u.LastName)
}

// Keyboard lays a menu out as an inline keyboard
func Keyboard(m menu.Menu) tgbotapi.InlineKeyboardMarkup {
	rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(m.Rows))
	for _, row := range m.Rows {
		buttons := make([]tgbotapi.InlineKeyboardButton, 0, len(row))
		for _, opt := range row {
			if opt.URL != "" {
				buttons = append(buttons, tgbotapi.NewInlineKeyboardButtonURL(opt.Label, opt.URL))
				continue
			}
			buttons = append(buttons, tgbotapi.NewInlineKeyboardButtonData(opt.Label, opt.Key))
		}
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(buttons...))
	}
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}
