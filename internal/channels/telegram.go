package channels

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/basket/iron-claw/internal/bus"
	"github.com/basket/iron-claw/internal/hitl"
)

// TelegramChannel relays intervention requests to Telegram chats and feeds
// inline-button responses back into the coordinator.
type TelegramChannel struct {
	token       string
	allowedIDs  map[int64]struct{}
	coordinator *hitl.Coordinator
	eventBus    *bus.Bus
	logger      *slog.Logger
	bot         *tgbotapi.BotAPI

	// sentMu guards sent, which maps request IDs to the messages carrying
	// their keyboards so they can be struck once the request resolves.
	sentMu sync.Mutex
	sent   map[string][]sentMessage
}

type sentMessage struct {
	chatID    int64
	messageID int
}

var _ Channel = (*TelegramChannel)(nil)

func NewTelegramChannel(token string, allowedIDs []int64, coordinator *hitl.Coordinator, eventBus *bus.Bus, logger *slog.Logger) *TelegramChannel {
	allowed := make(map[int64]struct{})
	for _, id := range allowedIDs {
		allowed[id] = struct{}{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TelegramChannel{
		token:       token,
		allowedIDs:  allowed,
		coordinator: coordinator,
		eventBus:    eventBus,
		logger:      logger.With("component", "telegram"),
		sent:        make(map[string][]sentMessage),
	}
}

func (t *TelegramChannel) Name() string {
	return "telegram"
}

// Notifier returns the sink to register with the coordinator. Every new
// intervention request is broadcast to all allowed chats with one inline
// button per response option.
func (t *TelegramChannel) Notifier() hitl.Notifier {
	return func(ctx context.Context, req hitl.Request) error {
		if t.bot == nil {
			return fmt.Errorf("telegram bot not started")
		}
		keyboard := buildOptionKeyboard(req)
		text := formatInterventionMessage(req)

		var sent []sentMessage
		for chatID := range t.allowedIDs {
			msg := tgbotapi.NewMessage(chatID, text)
			msg.ParseMode = "MarkdownV2"
			msg.ReplyMarkup = keyboard
			out, err := t.bot.Send(msg)
			if err != nil {
				t.logger.Warn("send intervention message", "chat_id", chatID, "error", err)
				continue
			}
			sent = append(sent, sentMessage{chatID: chatID, messageID: out.MessageID})
		}
		if len(sent) == 0 && len(t.allowedIDs) > 0 {
			return fmt.Errorf("intervention %s reached no chats", req.RequestID)
		}

		t.sentMu.Lock()
		t.sent[req.RequestID] = sent
		t.sentMu.Unlock()
		return nil
	}
}

func (t *TelegramChannel) Start(ctx context.Context) error {
	var err error
	t.bot, err = tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram init failed: %w", err)
	}

	t.logger.Info("telegram bot started", "user", t.bot.Self.UserName)

	if t.eventBus != nil {
		go t.monitorEvents(ctx)
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
		updates := t.bot.GetUpdatesChan(u)

		pollErr := t.pollUpdates(ctx, updates)

		// Always clean up the old polling goroutine before reconnecting.
		t.bot.StopReceivingUpdates()

		if pollErr != nil {
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
			continue
		}

		// pollUpdates returned nil means ctx was cancelled.
		return nil
	}
}

// pollUpdates reads from the update channel until ctx is done, the channel
// closes, or no updates arrive within 2x the long-poll timeout (stall
// detection). Returns nil on context cancellation, or an error to trigger
// reconnection.
func (t *TelegramChannel) pollUpdates(ctx context.Context, updates tgbotapi.UpdatesChannel) error {
	// tgbotapi uses a 60s long-poll timeout. If we see nothing for 2.5
	// minutes the connection is likely dead (the library blocks rather than
	// closing the channel).
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

			if update.Message != nil {
				if _, ok := t.allowedIDs[update.Message.From.ID]; !ok {
					t.logger.Warn("telegram access denied", "user_id", update.Message.From.ID, "user_name", update.Message.From.UserName)
					continue
				}
				t.handleMessage(update.Message)
				continue
			}

			if update.CallbackQuery != nil {
				if _, ok := t.allowedIDs[update.CallbackQuery.From.ID]; !ok {
					t.logger.Warn("telegram callback access denied", "user_id", update.CallbackQuery.From.ID)
					continue
				}
				t.handleCallbackQuery(update.CallbackQuery)
				continue
			}

		case <-timer.C:
			return fmt.Errorf("no updates received for %v (possible disconnect)", stallTimeout)
		}
	}
}

// handleMessage serves the small text command surface: /pending lists open
// intervention requests, /respond answers one without the buttons.
func (t *TelegramChannel) handleMessage(msg *tgbotapi.Message) {
	content := strings.TrimSpace(msg.Text)
	switch {
	case content == "/pending":
		pending := t.coordinator.PendingRequests("")
		if len(pending) == 0 {
			t.reply(msg.Chat.ID, "No pending intervention requests.")
			return
		}
		var b strings.Builder
		for _, req := range pending {
			fmt.Fprintf(&b, "%s [%s] task=%s: %s\n", req.RequestID, req.Kind, req.TaskID, req.Message)
		}
		t.reply(msg.Chat.ID, b.String())

	case strings.HasPrefix(content, "/respond "):
		requestID, action, err := parseRespondCommand(content)
		if err != nil {
			t.reply(msg.Chat.ID, "Usage: /respond <request_id> <action>")
			return
		}
		if t.coordinator.Respond(requestID, action, fmt.Sprintf("via Telegram (%s)", msg.From.UserName)) {
			t.reply(msg.Chat.ID, fmt.Sprintf("Recorded %q for %s.", action, requestID))
		} else {
			t.reply(msg.Chat.ID, fmt.Sprintf("Request %s is unknown or already resolved.", requestID))
		}
	}
}

// handleCallbackQuery resolves an intervention request from an inline button
// press.
func (t *TelegramChannel) handleCallbackQuery(query *tgbotapi.CallbackQuery) {
	requestID, action, err := parseHITLCallback(query.Data)
	if err != nil {
		// Not one of ours.
		return
	}

	responder := fmt.Sprintf("via Telegram (%s)", query.From.UserName)
	if t.coordinator.Respond(requestID, action, responder) {
		ack := tgbotapi.NewCallback(query.ID, fmt.Sprintf("Recorded: %s", action))
		if _, err := t.bot.Request(ack); err != nil {
			t.logger.Warn("callback ack failed", "error", err)
		}
		t.strikeKeyboards(requestID, action)
		return
	}

	// Losing responder gets an explicit rejection so they can re-check.
	ack := tgbotapi.NewCallbackWithAlert(query.ID, "Request already resolved or expired.")
	if _, err := t.bot.Request(ack); err != nil {
		t.logger.Warn("callback alert failed", "error", err)
	}
}

// strikeKeyboards removes the option buttons from every message sent for a
// resolved request and appends the chosen action.
func (t *TelegramChannel) strikeKeyboards(requestID, action string) {
	t.sentMu.Lock()
	sent := t.sent[requestID]
	delete(t.sent, requestID)
	t.sentMu.Unlock()

	for _, m := range sent {
		edit := tgbotapi.NewEditMessageReplyMarkup(m.chatID, m.messageID,
			tgbotapi.NewInlineKeyboardMarkup(tgbotapi.NewInlineKeyboardRow(
				tgbotapi.NewInlineKeyboardButtonData("Resolved: "+action, "noop"),
			)))
		if _, err := t.bot.Send(edit); err != nil {
			t.logger.Warn("strike keyboard", "request_id", requestID, "error", err)
		}
	}
}

// monitorEvents mirrors run outcomes and intervention expiries into the
// allowed chats.
func (t *TelegramChannel) monitorEvents(ctx context.Context) {
	runSub := t.eventBus.Subscribe("run.")
	hitlSub := t.eventBus.Subscribe("hitl.")
	defer t.eventBus.Unsubscribe(runSub)
	defer t.eventBus.Unsubscribe(hitlSub)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-runSub.Ch():
			if !ok {
				return
			}
			t.onRunEvent(ev)
		case ev, ok := <-hitlSub.Ch():
			if !ok {
				return
			}
			t.onHITLEvent(ev)
		}
	}
}

func (t *TelegramChannel) onRunEvent(ev bus.Event) {
	outcome, ok := ev.Payload.(bus.RunOutcomeEvent)
	if !ok {
		return
	}
	var text string
	switch ev.Topic {
	case bus.TopicRunCompleted:
		text = fmt.Sprintf("Task `%s` completed\\.", escapeMarkdownV2(outcome.RunID))
	case bus.TopicRunFailed:
		text = fmt.Sprintf("Task `%s` failed: %s", escapeMarkdownV2(outcome.RunID), escapeMarkdownV2(outcome.Error))
	case bus.TopicRunCancelled:
		text = fmt.Sprintf("Task `%s` was cancelled\\.", escapeMarkdownV2(outcome.RunID))
	default:
		return
	}
	for chatID := range t.allowedIDs {
		t.replyMarkdown(chatID, text)
	}
}

func (t *TelegramChannel) onHITLEvent(ev bus.Event) {
	if ev.Topic != bus.TopicHITLExpired {
		return
	}
	intervention, ok := ev.Payload.(bus.InterventionEvent)
	if !ok {
		return
	}
	t.strikeKeyboards(intervention.RequestID, "expired")
	text := fmt.Sprintf("Intervention `%s` expired with no response\\.", escapeMarkdownV2(intervention.RequestID))
	for chatID := range t.allowedIDs {
		t.replyMarkdown(chatID, text)
	}
}

func (t *TelegramChannel) reply(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := t.bot.Send(msg); err != nil {
		t.logger.Error("send telegram reply", "error", err)
	}
}

func (t *TelegramChannel) replyMarkdown(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = "MarkdownV2"
	if _, err := t.bot.Send(msg); err != nil {
		t.logger.Error("send telegram markdown reply", "error", err)
	}
}

// buildOptionKeyboard lays one button per response option, callback data
// "hitl:<request_id>:<option>". Telegram caps callback data at 64 bytes, so
// overly long options are truncated.
func buildOptionKeyboard(req hitl.Request) tgbotapi.InlineKeyboardMarkup {
	var rows [][]tgbotapi.InlineKeyboardButton
	for _, option := range req.Options {
		data := fmt.Sprintf("hitl:%s:%s", req.RequestID, option)
		if len(data) > 64 {
			data = data[:64]
		}
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData(option, data),
		))
	}
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}

// formatInterventionMessage renders a request as MarkdownV2.
func formatInterventionMessage(req hitl.Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "*Intervention required*\n\n")
	fmt.Fprintf(&b, "Task: `%s`\n", escapeMarkdownV2(req.TaskID))
	fmt.Fprintf(&b, "Kind: `%s`\n\n", escapeMarkdownV2(req.Kind))
	fmt.Fprintf(&b, "%s\n\n", escapeMarkdownV2(req.Message))
	fmt.Fprintf(&b, "Expires: %s", escapeMarkdownV2(req.ExpiresAt.UTC().Format(time.RFC3339)))
	if req.AttachmentB64 != "" {
		fmt.Fprintf(&b, "\nScreenshot: `/hitl/%s/screenshot`", escapeMarkdownV2(req.RequestID))
	}
	return b.String()
}

// parseRespondCommand parses "/respond <request_id> <action>".
func parseRespondCommand(input string) (requestID, action string, err error) {
	fields := strings.Fields(input)
	if len(fields) < 3 || fields[0] != "/respond" {
		return "", "", fmt.Errorf("invalid respond command")
	}
	requestID = fields[1]
	action = strings.Join(fields[2:], " ")
	return requestID, action, nil
}

// parseHITLCallback parses callback data of the form "hitl:requestID:action".
func parseHITLCallback(data string) (requestID, action string, err error) {
	data = strings.TrimSpace(data)

	rest, ok := strings.CutPrefix(data, "hitl:")
	if !ok {
		return "", "", fmt.Errorf("not an intervention callback")
	}
	requestID, action, ok = strings.Cut(rest, ":")
	if !ok || requestID == "" || action == "" {
		return "", "", fmt.Errorf("invalid intervention callback format")
	}
	return requestID, action, nil
}

// escapeMarkdownV2 escapes special characters for Telegram MarkdownV2.
// Must escape: _ * [ ] ( ) ~ > # + - = | { } . !
func escapeMarkdownV2(s string) string {
	const specialChars = "_*[]()~>#+-=|{}.!"

	result := make([]byte, 0, len(s)*2)
	for i := 0; i < len(s); i++ {
		c := s[i]
		if strings.IndexByte(specialChars, c) >= 0 {
			result = append(result, '\\')
		}
		result = append(result, c)
	}
	return string(result)
}
