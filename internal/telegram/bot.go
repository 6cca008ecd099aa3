package telegram

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"valueai/internal/credits"
	"valueai/internal/license"
	"valueai/internal/store"
)

// Ledger is the part of credits.Service the admin bot drives.
type Ledger interface {
	Entry(ctx context.Context, key string) (store.Entry, error)
	Entries(ctx context.Context) ([]store.Entry, error)
	Provision(ctx context.Context, key string, credits int) (store.Entry, error)
	ProvisionGenerated(ctx context.Context, credits int) (store.Entry, error)
	SetBalance(ctx context.Context, key string, credits int) (store.Entry, error)
	Remove(ctx context.Context, key string) error
	Payments(ctx context.Context) ([]store.PaymentEvent, error)
	Stats(ctx context.Context) (credits.Stats, error)
	Reconcile(ctx context.Context) ([]credits.Mismatch, error)
}

// sender is satisfied by *tgbotapi.BotAPI.
type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

type Bot struct {
	api         sender
	poller      *tgbotapi.BotAPI
	adminChatID int64
	ledger      Ledger
	system      string
	log         *slog.Logger

	mu     sync.Mutex
	states map[int64]pendingState
}

type pendingState string

const (
	stateNone          pendingState = ""
	stateNewLicense    pendingState = "new_license"
	stateAskInfo       pendingState = "ask_info"
	stateAskSetCredits pendingState = "ask_setcredits"
	stateAskDelete     pendingState = "ask_delete"
)

// callback data prefixes
const (
	confirmDeletePrefix = "del_yes:"
	infoPrefix          = "info:"
)

// NewBot connects to Telegram. system is a short description of the
// deployment shown by the status button.
func NewBot(token string, adminChatID int64, ledger Ledger, system string, log *slog.Logger) (*Bot, error) {
	if adminChatID == 0 {
		return nil, errors.New("telegram: admin chat id is required")
	}
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, err
	}
	api.Debug = false
	b := newBot(api, adminChatID, ledger, system, log)
	b.poller = api
	return b, nil
}

func newBot(api sender, adminChatID int64, ledger Ledger, system string, log *slog.Logger) *Bot {
	if log == nil {
		log = slog.Default()
	}
	return &Bot{
		api:         api,
		adminChatID: adminChatID,
		ledger:      ledger,
		system:      system,
		log:         log,
		states:      map[int64]pendingState{},
	}
}

func (b *Bot) Run(ctx context.Context) error {
	upd := tgbotapi.NewUpdate(0)
	upd.Timeout = 30
	updates := b.poller.GetUpdatesChan(upd)
	defer b.poller.StopReceivingUpdates()

	for {
		select {
		case <-ctx.Done():
			return nil
		case u := <-updates:
			if u.CallbackQuery != nil {
				b.handleCallback(ctx, u.CallbackQuery)
				continue
			}
			if u.Message != nil {
				b.handleMessage(ctx, u.Message)
			}
		}
	}
}

func (b *Bot) handleMessage(ctx context.Context, m *tgbotapi.Message) {
	chatID := m.Chat.ID
	text := strings.TrimSpace(m.Text)
	if text == "" {
		return
	}

	if chatID != b.adminChatID {
		b.log.WarnContext(ctx, "telegram message from non-admin chat", "chat_id", chatID)
		b.reply(chatID, "This bot is for the ValueAI administrator only.")
		return
	}

	if strings.HasPrefix(text, "/start") || strings.HasPrefix(text, "/help") || strings.HasPrefix(text, "/menu") {
		b.setState(chatID, stateNone)
		b.sendMenu(chatID, "ValueAI license admin")
		return
	}

	switch b.getState(chatID) {
	case stateNewLicense:
		b.handleNewLicenseInput(ctx, chatID, text)
	case stateAskInfo:
		b.setState(chatID, stateNone)
		b.cmdInfo(ctx, chatID, text)
		b.sendMenu(chatID, "")
	case stateAskSetCredits:
		b.handleSetCreditsInput(ctx, chatID, text)
	case stateAskDelete:
		b.setState(chatID, stateNone)
		b.askDeleteConfirm(ctx, chatID, text)
	default:
		b.sendMenu(chatID, "Use the buttons to manage licenses.")
	}
}

func (b *Bot) handleCallback(ctx context.Context, q *tgbotapi.CallbackQuery) {
	if q.Message == nil || q.Message.Chat == nil {
		return
	}
	chatID := q.Message.Chat.ID

	if chatID != b.adminChatID {
		_ = b.answerCallback(q.ID, "Not allowed")
		return
	}

	data := strings.TrimSpace(q.Data)
	_ = b.answerCallback(q.ID, "")

	switch {
	case data == "menu":
		b.setState(chatID, stateNone)
		b.sendMenu(chatID, "Menu")
	case data == "new":
		b.setState(chatID, stateNewLicense)
		b.reply(chatID, "Send the credit count, optionally preceded by a key.\nExamples: 50   or   CLIENT-100 50")
	case data == "list":
		b.setState(chatID, stateNone)
		b.cmdListWithButtons(ctx, chatID)
	case data == "ask_info":
		b.setState(chatID, stateAskInfo)
		b.reply(chatID, "Send the license key:")
	case data == "ask_setcredits":
		b.setState(chatID, stateAskSetCredits)
		b.reply(chatID, "Format: <license> <credits>\nExample: VAI-2601-ABCD1234 25")
	case data == "ask_delete":
		b.setState(chatID, stateAskDelete)
		b.reply(chatID, "Send the license key to delete:")
	case data == "payments":
		b.setState(chatID, stateNone)
		b.cmdPayments(ctx, chatID)
	case data == "csv":
		b.setState(chatID, stateNone)
		b.cmdExportCSV(ctx, chatID)
	case data == "reconcile":
		b.setState(chatID, stateNone)
		b.cmdReconcile(ctx, chatID)
	case data == "system":
		b.setState(chatID, stateNone)
		b.cmdSystem(ctx, chatID)
	case strings.HasPrefix(data, confirmDeletePrefix):
		b.setState(chatID, stateNone)
		b.cmdDelete(ctx, chatID, strings.TrimPrefix(data, confirmDeletePrefix))
		b.sendMenu(chatID, "")
	case strings.HasPrefix(data, infoPrefix):
		b.setState(chatID, stateNone)
		b.cmdInfo(ctx, chatID, strings.TrimPrefix(data, infoPrefix))
		b.sendMenu(chatID, "")
	default:
		b.sendMenu(chatID, "Unknown action")
	}
}

func (b *Bot) sendMenu(chatID int64, title string) {
	if strings.TrimSpace(title) == "" {
		title = "Menu"
	}
	msg := tgbotapi.NewMessage(chatID, title)
	msg.DisableWebPagePreview = true
	msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("➕ New license", "new"),
			tgbotapi.NewInlineKeyboardButtonData("📋 List", "list"),
		),
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("ℹ️ Info", "ask_info"),
			tgbotapi.NewInlineKeyboardButtonData("✏️ Set credits", "ask_setcredits"),
		),
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("🗑 Delete", "ask_delete"),
			tgbotapi.NewInlineKeyboardButtonData("💳 Payments", "payments"),
		),
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("📥 CSV export", "csv"),
			tgbotapi.NewInlineKeyboardButtonData("🔍 Reconcile", "reconcile"),
		),
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("⚙️ System", "system"),
		),
	)
	b.send(msg)
}

func (b *Bot) cmdListWithButtons(ctx context.Context, chatID int64) {
	list, err := b.ledger.Entries(ctx)
	if err != nil {
		b.replyErr(ctx, chatID, err)
		return
	}
	if len(list) == 0 {
		b.reply(chatID, "No licenses yet")
		return
	}

	total := 0
	for _, e := range list {
		total += e.Balance
	}
	lines := []string{fmt.Sprintf("%d licenses, %d credits outstanding (tap for details):", len(list), total)}
	max := len(list)
	if max > 20 {
		max = 20
	}
	buttons := make([][]tgbotapi.InlineKeyboardButton, 0, max+1)
	for _, e := range list[:max] {
		lines = append(lines, fmt.Sprintf("- %s | %d credits | %s", e.Key, e.Balance, e.Source))
		buttons = append(buttons, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("ℹ️ "+shortKey(e.Key), infoPrefix+e.Key),
		))
	}
	if len(list) > max {
		lines = append(lines, fmt.Sprintf("... (%d more)", len(list)-max))
	}
	buttons = append(buttons, tgbotapi.NewInlineKeyboardRow(
		tgbotapi.NewInlineKeyboardButtonData("↩️ Menu", "menu"),
	))

	msg := tgbotapi.NewMessage(chatID, strings.Join(lines, "\n"))
	msg.DisableWebPagePreview = true
	msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(buttons...)
	b.send(msg)
}

func shortKey(k string) string {
	k = strings.TrimSpace(k)
	if len(k) <= 18 {
		return k
	}
	return k[:10] + "..." + k[len(k)-6:]
}

func (b *Bot) handleNewLicenseInput(ctx context.Context, chatID int64, text string) {
	fields := strings.Fields(text)
	var (
		e   store.Entry
		err error
	)
	switch len(fields) {
	case 1:
		n, ok := parseCredits(fields[0])
		if !ok {
			b.reply(chatID, "Invalid credit count")
			return
		}
		e, err = b.ledger.ProvisionGenerated(ctx, n)
	case 2:
		n, ok := parseCredits(fields[1])
		if !ok {
			b.reply(chatID, "Invalid credit count")
			return
		}
		e, err = b.ledger.Provision(ctx, fields[0], n)
	default:
		b.reply(chatID, "Invalid input. Format: [key] <credits>")
		return
	}
	if err != nil {
		b.replyErr(ctx, chatID, err)
		return
	}
	b.setState(chatID, stateNone)
	b.reply(chatID, fmt.Sprintf("License created:\n%s\nCredits: %d", e.Key, e.Balance))
	b.sendMenu(chatID, "")
}

func (b *Bot) handleSetCreditsInput(ctx context.Context, chatID int64, text string) {
	fields := strings.Fields(text)
	if len(fields) != 2 {
		b.reply(chatID, "Invalid input. Format: <license> <credits>")
		return
	}
	n, ok := parseCredits(fields[1])
	if !ok {
		b.reply(chatID, "Invalid credit count")
		return
	}
	b.setState(chatID, stateNone)
	e, err := b.ledger.SetBalance(ctx, fields[0], n)
	if err != nil {
		b.replyErr(ctx, chatID, err)
	} else {
		b.reply(chatID, fmt.Sprintf("OK\n%s\nCredits: %d", e.Key, e.Balance))
	}
	b.sendMenu(chatID, "")
}

func parseCredits(s string) (int, bool) {
	n, err := strconv.Atoi(s)
	return n, err == nil && n >= 0
}

// askDeleteConfirm is the first of two steps; nothing is deleted until the
// confirm button is pressed.
func (b *Bot) askDeleteConfirm(ctx context.Context, chatID int64, key string) {
	e, err := b.ledger.Entry(ctx, key)
	if err != nil {
		b.replyErr(ctx, chatID, err)
		b.sendMenu(chatID, "")
		return
	}
	msg := tgbotapi.NewMessage(chatID, fmt.Sprintf("Delete %s with %d credits? This cannot be undone.", e.Key, e.Balance))
	msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("✅ Yes, delete", confirmDeletePrefix+e.Key),
			tgbotapi.NewInlineKeyboardButtonData("↩️ Cancel", "menu"),
		),
	)
	b.send(msg)
}

func (b *Bot) cmdDelete(ctx context.Context, chatID int64, key string) {
	if err := b.ledger.Remove(ctx, key); err != nil {
		b.replyErr(ctx, chatID, err)
		return
	}
	b.reply(chatID, "Deleted "+license.Normalize(key))
}

func (b *Bot) cmdInfo(ctx context.Context, chatID int64, key string) {
	e, err := b.ledger.Entry(ctx, key)
	if err != nil {
		b.replyErr(ctx, chatID, err)
		return
	}
	lines := []string{
		"License: " + e.Key,
		fmt.Sprintf("Credits: %d", e.Balance),
		"Source: " + string(e.Source),
		"Created: " + e.CreatedAt.Format(time.RFC3339),
	}
	if e.Reference != "" {
		lines = append(lines, "Payment: "+e.Reference)
	}
	if !e.UpdatedAt.IsZero() {
		lines = append(lines, "Updated: "+e.UpdatedAt.Format(time.RFC3339))
	}
	b.reply(chatID, strings.Join(lines, "\n"))
}

func (b *Bot) cmdPayments(ctx context.Context, chatID int64) {
	st, err := b.ledger.Stats(ctx)
	if err != nil {
		b.replyErr(ctx, chatID, err)
		return
	}
	list, err := b.ledger.Payments(ctx)
	if err != nil {
		b.replyErr(ctx, chatID, err)
		return
	}
	lines := []string{
		fmt.Sprintf("Transactions: %d", st.Transactions),
		fmt.Sprintf("Revenue: €%s", st.Revenue.StringFixed(2)),
		fmt.Sprintf("Credits sold: %d", st.CreditsSold),
	}
	if len(list) > 0 {
		lines = append(lines, "", "Latest:")
		start := len(list) - 10
		if start < 0 {
			start = 0
		}
		for i := len(list) - 1; i >= start; i-- {
			p := list[i]
			lines = append(lines, fmt.Sprintf("- %s | %s | €%s | %d credits | %s",
				p.Timestamp.UTC().Format("2006-01-02 15:04"), p.LicenseKey, p.Amount.StringFixed(2), p.Credits, p.PlanID))
		}
	}
	b.reply(chatID, strings.Join(lines, "\n"))
}

func (b *Bot) cmdExportCSV(ctx context.Context, chatID int64) {
	list, err := b.ledger.Payments(ctx)
	if err != nil {
		b.replyErr(ctx, chatID, err)
		return
	}
	if len(list) == 0 {
		b.reply(chatID, "No payments yet")
		return
	}
	var buf bytes.Buffer
	if err := credits.WritePaymentsCSV(&buf, list); err != nil {
		b.replyErr(ctx, chatID, err)
		return
	}
	doc := tgbotapi.NewDocument(chatID, tgbotapi.FileBytes{
		Name:  fmt.Sprintf("valueai_payments_%s.csv", time.Now().UTC().Format("20060102")),
		Bytes: buf.Bytes(),
	})
	doc.Caption = fmt.Sprintf("%d payments", len(list))
	b.send(doc)
}

func (b *Bot) cmdReconcile(ctx context.Context, chatID int64) {
	mm, err := b.ledger.Reconcile(ctx)
	if err != nil {
		b.replyErr(ctx, chatID, err)
		return
	}
	if len(mm) == 0 {
		b.reply(chatID, "Ledger and payment log agree ✅")
		return
	}
	lines := []string{fmt.Sprintf("%d mismatches for manual review:", len(mm))}
	for _, m := range mm {
		lines = append(lines, fmt.Sprintf("- %s %s %s", m.Kind, m.LicenseKey, m.Reference))
	}
	b.reply(chatID, strings.Join(lines, "\n"))
}

func (b *Bot) cmdSystem(ctx context.Context, chatID int64) {
	st, err := b.ledger.Stats(ctx)
	if err != nil {
		b.replyErr(ctx, chatID, err)
		return
	}
	b.reply(chatID, fmt.Sprintf("%s\nLicenses: %d\nCredits outstanding: %d",
		b.system, st.Licenses, st.CreditsOutstanding))
}

func (b *Bot) answerCallback(id string, text string) error {
	cb := tgbotapi.NewCallback(id, text)
	_, err := b.api.Request(cb)
	return err
}

func (b *Bot) setState(chatID int64, st pendingState) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st == stateNone {
		delete(b.states, chatID)
		return
	}
	b.states[chatID] = st
}

func (b *Bot) getState(chatID int64) pendingState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.states[chatID]
}

// replyErr shows ledger errors to the administrator; infrastructure details
// go to the log only.
func (b *Bot) replyErr(ctx context.Context, chatID int64, err error) {
	switch {
	case errors.Is(err, credits.ErrUnknownKey):
		b.reply(chatID, "No such license key")
	case errors.Is(err, credits.ErrKeyExists):
		b.reply(chatID, "That license key already exists")
	case errors.Is(err, credits.ErrInvalidAmount), errors.Is(err, credits.ErrEmptyKey),
		errors.Is(err, credits.ErrInvalidKey):
		b.reply(chatID, "Error: "+err.Error())
	default:
		b.log.ErrorContext(ctx, "telegram admin command failed", "err", err)
		b.reply(chatID, "Temporarily unavailable, try again shortly")
	}
}

func (b *Bot) reply(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.DisableWebPagePreview = true
	b.send(msg)
}

func (b *Bot) send(c tgbotapi.Chattable) {
	if _, err := b.api.Send(c); err != nil {
		b.log.Warn("telegram send failed", "err", err)
	}
}
