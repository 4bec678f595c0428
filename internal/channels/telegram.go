package channels

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const (
	ProviderTelegram = "telegram"

	callbackPrefix = "appr:"
)

// telegramBot is the subset of *tgbotapi.BotAPI the channel uses.
type telegramBot interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

// TelegramChannel long-polls the Bot API for messages and button presses and
// delivers replies and approval prompts back to chats.
type TelegramChannel struct {
	token      string
	allowedIDs map[int64]struct{}
	inbound    Inbound
	logger     *slog.Logger

	api *tgbotapi.BotAPI
	bot telegramBot
}

// NewTelegramChannel creates a Telegram channel. An empty allowlist admits every user.
func NewTelegramChannel(token string, allowedIDs []int64, inbound Inbound, logger *slog.Logger) *TelegramChannel {
	allowed := make(map[int64]struct{})
	for _, id := range allowedIDs {
		allowed[id] = struct{}{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TelegramChannel{
		token:      token,
		allowedIDs: allowed,
		inbound:    inbound,
		logger:     logger,
	}
}

func (t *TelegramChannel) Name() string {
	return ProviderTelegram
}

// Connect authenticates with the Bot API. Start calls it when needed; callers
// that only post can call it directly.
func (t *TelegramChannel) Connect() error {
	if t.bot != nil {
		return nil
	}
	if strings.TrimSpace(t.token) == "" {
		return fmt.Errorf("telegram bot token: %w", ErrNotConfigured)
	}
	api, err := tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram init failed: %w", err)
	}
	t.api = api
	t.bot = api
	t.logger.Info("telegram bot started", "user", api.Self.UserName)
	return nil
}

func (t *TelegramChannel) Start(ctx context.Context) error {
	if err := t.Connect(); err != nil {
		return err
	}
	if t.api == nil {
		return errors.New("telegram: polling requires a live bot api")
	}

	// Reconnection loop with exponential backoff.
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		u := tgbotapi.NewUpdate(0)
		u.Timeout = 60
		updates := t.api.GetUpdatesChan(u)

		pollErr := t.pollUpdates(ctx, updates)
		t.api.StopReceivingUpdates()

		if pollErr == nil {
			return nil
		}
		t.logger.Warn("telegram poll disconnected, reconnecting", "error", pollErr, "backoff", backoff)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// pollUpdates reads updates until ctx is done or the stream stalls. A nil
// return means ctx was cancelled.
func (t *TelegramChannel) pollUpdates(ctx context.Context, updates tgbotapi.UpdatesChannel) error {
	// Long-poll timeout is 60s; nothing for 2.5 minutes means a dead connection.
	const stallTimeout = 150 * time.Second

	timer := time.NewTimer(stallTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return fmt.Errorf("update channel closed")
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(stallTimeout)
			t.handleUpdate(ctx, update)
		case <-timer.C:
			return fmt.Errorf("no updates received for %v (possible disconnect)", stallTimeout)
		}
	}
}

func (t *TelegramChannel) allowed(userID int64) bool {
	if len(t.allowedIDs) == 0 {
		return true
	}
	_, ok := t.allowedIDs[userID]
	return ok
}

func (t *TelegramChannel) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	switch {
	case update.Message != nil:
		msg := update.Message
		if msg.From == nil || !t.allowed(msg.From.ID) {
			t.logger.Warn("telegram access denied", "chat_id", msg.Chat.ID)
			return
		}
		t.handleMessage(ctx, msg)
	case update.CallbackQuery != nil:
		q := update.CallbackQuery
		if q.From == nil || !t.allowed(q.From.ID) {
			t.logger.Warn("telegram callback access denied")
			return
		}
		t.handleCallbackQuery(ctx, q)
	}
}

// messageFromTelegram normalizes a Telegram message. Replies thread onto the
// message being answered; otherwise the message itself is the thread root.
func messageFromTelegram(msg *tgbotapi.Message) Message {
	chatID := strconv.FormatInt(msg.Chat.ID, 10)
	thread := strconv.Itoa(msg.MessageID)
	if msg.ReplyToMessage != nil {
		thread = strconv.Itoa(msg.ReplyToMessage.MessageID)
	}
	var userID string
	if msg.From != nil {
		userID = strconv.FormatInt(msg.From.ID, 10)
	}
	return Message{
		Provider:    ProviderTelegram,
		WorkspaceID: chatID,
		ChannelID:   chatID,
		ThreadTS:    thread,
		EventID:     "msg:" + strconv.Itoa(msg.MessageID),
		EventTS:     strconv.Itoa(msg.MessageID),
		UserID:      userID,
		Text:        msg.Text,
	}
}

func (t *TelegramChannel) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if strings.TrimSpace(msg.Text) == "" || t.inbound == nil {
		return
	}
	in := messageFromTelegram(msg)
	reply, err := t.inbound.HandleMessage(ctx, in)
	if err != nil {
		t.logger.Error("telegram message handling failed", "chat_id", msg.Chat.ID, "error", err)
		reply = "Sorry, I could not accept that request."
	}
	if reply == "" {
		return
	}
	if _, err := t.Post(ctx, in.Target(), reply); err != nil {
		t.logger.Warn("failed to send telegram reply", "error", err)
	}
}

// handleCallbackQuery resolves inline approval buttons.
func (t *TelegramChannel) handleCallbackQuery(ctx context.Context, q *tgbotapi.CallbackQuery) {
	approvalID, decision, err := ParseCallbackData(q.Data)
	if err != nil {
		return
	}

	ack := tgbotapi.NewCallback(q.ID, fmt.Sprintf("Processing %s...", decision))
	if _, err := t.bot.Request(ack); err != nil {
		t.logger.Warn("failed to answer callback query", "error", err)
	}
	if t.inbound == nil || q.Message == nil {
		return
	}

	from := Target{
		Provider:    ProviderTelegram,
		WorkspaceID: strconv.FormatInt(q.Message.Chat.ID, 10),
		ChannelID:   strconv.FormatInt(q.Message.Chat.ID, 10),
		ThreadTS:    strconv.Itoa(q.Message.MessageID),
	}
	reply, err := t.inbound.HandleAction(ctx, from, approvalID, decision)
	if err != nil {
		t.logger.Error("telegram approval action failed", "approval_id", approvalID, "error", err)
		return
	}
	if reply != "" {
		if _, err := t.Post(ctx, from, reply); err != nil {
			t.logger.Warn("failed to send telegram reply", "error", err)
		}
	}
}

func parseChatTarget(to Target) (int64, int, error) {
	chatID, err := strconv.ParseInt(strings.TrimSpace(to.ChannelID), 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("telegram chat id %q: %w", to.ChannelID, err)
	}
	// Unparseable thread ids just post at the top level.
	replyTo, _ := strconv.Atoi(strings.TrimSpace(to.ThreadTS))
	return chatID, replyTo, nil
}

func newTelegramMessage(chatID int64, replyTo int, text string) tgbotapi.MessageConfig {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ReplyToMessageID = replyTo
	msg.AllowSendingWithoutReply = true
	msg.DisableWebPagePreview = true
	return msg
}

// Post sends text in chunks of at most TelegramMaxChars, replying to the
// thread message when one is known.
func (t *TelegramChannel) Post(ctx context.Context, to Target, text string) ([]string, error) {
	if t.bot == nil {
		return nil, fmt.Errorf("telegram: %w", ErrNotConfigured)
	}
	chatID, replyTo, err := parseChatTarget(to)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, chunk := range SplitText(text, TelegramMaxChars) {
		if err := ctx.Err(); err != nil {
			return ids, err
		}
		sent, err := t.bot.Send(newTelegramMessage(chatID, replyTo, chunk))
		if err != nil {
			return ids, fmt.Errorf("telegram sendMessage: %w", err)
		}
		ids = append(ids, strconv.Itoa(sent.MessageID))
	}
	return ids, nil
}

// PostRich sends a single message with an inline keyboard. Prompts longer
// than one chunk are rejected so the caller falls back to Post.
func (t *TelegramChannel) PostRich(ctx context.Context, to Target, text string, actions []Action) error {
	if t.bot == nil {
		return fmt.Errorf("telegram: %w", ErrNotConfigured)
	}
	chatID, replyTo, err := parseChatTarget(to)
	if err != nil {
		return err
	}
	chunks := SplitText(text, TelegramMaxChars)
	if len(chunks) != 1 {
		return fmt.Errorf("telegram rich message too long (%d chunks)", len(chunks))
	}
	msg := newTelegramMessage(chatID, replyTo, chunks[0])
	if len(actions) > 0 {
		row := make([]tgbotapi.InlineKeyboardButton, 0, len(actions))
		for _, a := range actions {
			row = append(row, tgbotapi.NewInlineKeyboardButtonData(a.Label, CallbackData(a.ApprovalID, a.Decision)))
		}
		msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(row)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := t.bot.Send(msg); err != nil {
		return fmt.Errorf("telegram sendMessage: %w", err)
	}
	return nil
}

// CallbackData encodes an approval button as appr:<id>:<decision>. Telegram
// caps callback data at 64 bytes; approval ids are 37.
func CallbackData(approvalID, decision string) string {
	return callbackPrefix + approvalID + ":" + decision
}

// ParseCallbackData decodes CallbackData output.
func ParseCallbackData(data string) (approvalID, decision string, err error) {
	data = strings.TrimSpace(data)
	if !strings.HasPrefix(data, callbackPrefix) {
		return "", "", fmt.Errorf("not an approval callback")
	}
	parts := strings.SplitN(strings.TrimPrefix(data, callbackPrefix), ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid approval callback %q", data)
	}
	return parts[0], parts[1], nil
}
