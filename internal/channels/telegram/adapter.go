package telegram

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-telegram/bot"
	tgmodels "github.com/go-telegram/bot/models"
	"golang.org/x/time/rate"

	"github.com/vigil-dev/vigil/internal/channels"
	"github.com/vigil-dev/vigil/internal/markdown"
	"github.com/vigil-dev/vigil/internal/observability"
	"github.com/vigil-dev/vigil/internal/retry"
	"github.com/vigil-dev/vigil/pkg/models"
)

const approvalCallbackPrefix = "approval:"

// maxFileDownload caps inbound photo downloads at the Bot API file
// ceiling.
const maxFileDownload = 20 << 20

// botClient is the slice of bot.Bot the adapter talks through, split
// out so tests can stub the wire.
type botClient interface {
	SendMessage(ctx context.Context, params *bot.SendMessageParams) (*tgmodels.Message, error)
	SendChatAction(ctx context.Context, params *bot.SendChatActionParams) (bool, error)
	AnswerCallbackQuery(ctx context.Context, params *bot.AnswerCallbackQueryParams) (bool, error)
	EditMessageText(ctx context.Context, params *bot.EditMessageTextParams) (*tgmodels.Message, error)
	GetFile(ctx context.Context, params *bot.GetFileParams) (*tgmodels.File, error)
	FileDownloadLink(f *tgmodels.File) string
}

// Adapter speaks to Telegram over long polling.
type Adapter struct {
	config  *Config
	logger  *slog.Logger
	metrics *observability.Metrics

	chunker *channels.Chunker
	limiter *rate.Limiter
	retry   retry.Config

	bot    *bot.Bot
	client botClient

	handlerMu sync.RWMutex
	handler   channels.Handler

	approvalMu sync.Mutex
	approvals  map[string]chan channels.ApprovalResult

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ channels.Adapter = (*Adapter)(nil)

// Option configures an Adapter.
type Option func(*Adapter)

// WithLogger sets the adapter logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Adapter) { a.logger = logger }
}

// WithMetrics attaches message counters.
func WithMetrics(m *observability.Metrics) Option {
	return func(a *Adapter) { a.metrics = m }
}

// New builds a Telegram adapter. The network is not touched until
// Start.
func New(cfg *Config, opts ...Option) (*Adapter, error) {
	if cfg == nil {
		return nil, fmt.Errorf("telegram: config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	a := &Adapter{
		config:    cfg,
		logger:    slog.Default().With("component", "telegram"),
		chunker:   channels.NewChunker(cfg.MaxMessageSize),
		limiter:   rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst),
		retry:     retry.Exponential(4, 500*time.Millisecond, 15*time.Second),
		approvals: make(map[string]chan channels.ApprovalResult),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Platform identifies this adapter.
func (a *Adapter) Platform() models.Platform { return models.PlatformTelegram }

// OnMessage registers the single inbound handler.
func (a *Adapter) OnMessage(h channels.Handler) {
	a.handlerMu.Lock()
	a.handler = h
	a.handlerMu.Unlock()
}

// Start connects to the Bot API and begins long polling.
func (a *Adapter) Start(ctx context.Context) error {
	b, err := bot.New(a.config.Token)
	if err != nil {
		return channels.Classify(models.PlatformTelegram, fmt.Errorf("telegram: connect: %w", err))
	}
	a.bot = b
	a.client = b

	b.RegisterHandler(bot.HandlerTypeMessageText, "", bot.MatchTypePrefix, a.handleMessage)
	b.RegisterHandler(bot.HandlerTypeCallbackQueryData, approvalCallbackPrefix, bot.MatchTypePrefix, a.handleApprovalCallback)

	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		b.Start(runCtx)
	}()

	a.logger.Info("telegram adapter started")
	return nil
}

// Stop ends polling and waits for the poll loop, up to the context
// deadline.
func (a *Adapter) Stop(ctx context.Context) error {
	if a.cancel != nil {
		a.cancel()
	}

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		a.logger.Info("telegram adapter stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("telegram: shutdown wait: %w", ctx.Err())
	}
}

// SendMessage chunks text to the configured size and sends each piece,
// returning the message id of the last chunk.
func (a *Adapter) SendMessage(ctx context.Context, channelID, text string) (string, error) {
	chat, err := chatID(channelID)
	if err != nil {
		return "", err
	}

	text = markdown.ConvertTables(text, markdown.ModeForPlatform(models.PlatformTelegram))

	var lastID string
	for _, chunk := range a.chunker.Split(text) {
		if err := a.limiter.Wait(ctx); err != nil {
			return lastID, err
		}
		id, err := a.sendChunk(ctx, chat, chunk)
		if err != nil {
			return lastID, err
		}
		lastID = id
		if a.metrics != nil {
			a.metrics.Messages.WithLabelValues(string(models.PlatformTelegram), "outbound").Inc()
		}
	}
	return lastID, nil
}

// sendChunk sends one chunk as HTML, falling back to plain text when
// the Bot API rejects the converted entities. Recoverable transport
// errors are retried with backoff.
func (a *Adapter) sendChunk(ctx context.Context, chat int64, chunk string) (string, error) {
	return retry.DoWithValue(ctx, a.retry, func() (string, error) {
		sent, err := a.client.SendMessage(ctx, &bot.SendMessageParams{
			ChatID:    chat,
			Text:      FormatHTML(chunk),
			ParseMode: tgmodels.ParseModeHTML,
		})
		if err != nil && isEntityParseError(err) {
			sent, err = a.client.SendMessage(ctx, &bot.SendMessageParams{
				ChatID: chat,
				Text:   chunk,
			})
		}
		if err != nil {
			classified := channels.Classify(models.PlatformTelegram, err)
			if !classified.Recoverable() {
				return "", retry.Permanent(classified)
			}
			a.logger.Warn("send failed, retrying", "code", classified.Code, "error", err)
			return "", classified
		}
		return strconv.Itoa(sent.ID), nil
	})
}

// SendTyping shows the typing indicator. Best-effort.
func (a *Adapter) SendTyping(ctx context.Context, channelID string) error {
	chat, err := chatID(channelID)
	if err != nil {
		return err
	}
	if _, err := a.client.SendChatAction(ctx, &bot.SendChatActionParams{
		ChatID: chat,
		Action: tgmodels.ChatActionTyping,
	}); err != nil {
		return channels.Classify(models.PlatformTelegram, err)
	}
	return nil
}

// SendApprovalRequest renders the trust handshake as an inline
// keyboard and blocks until the user taps a button, the timeout
// passes, or the context ends. Timeout resolves to deny.
func (a *Adapter) SendApprovalRequest(ctx context.Context, channelID, prompt, key string, timeout time.Duration) (channels.ApprovalResult, error) {
	chat, err := chatID(channelID)
	if err != nil {
		return channels.ApprovalDeny, err
	}
	if timeout <= 0 {
		timeout = a.config.ApprovalTimeout
	}

	ch, err := a.registerApproval(key)
	if err != nil {
		return channels.ApprovalDeny, err
	}
	defer a.dropApproval(key)

	keyboard := &tgmodels.InlineKeyboardMarkup{
		InlineKeyboard: [][]tgmodels.InlineKeyboardButton{{
			{Text: "Allow", CallbackData: approvalCallbackPrefix + key + ":allow"},
			{Text: "Always allow", CallbackData: approvalCallbackPrefix + key + ":always"},
			{Text: "Deny", CallbackData: approvalCallbackPrefix + key + ":deny"},
		}},
	}
	sent, err := a.client.SendMessage(ctx, &bot.SendMessageParams{
		ChatID:      chat,
		Text:        prompt,
		ReplyMarkup: keyboard,
	})
	if err != nil {
		return channels.ApprovalDeny, channels.Classify(models.PlatformTelegram, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case result := <-ch:
		a.concludePrompt(ctx, chat, sent.ID, prompt, string(result))
		return result, nil
	case <-timer.C:
		a.concludePrompt(ctx, chat, sent.ID, prompt, "expired")
		return channels.ApprovalDeny, nil
	case <-ctx.Done():
		return channels.ApprovalDeny, ctx.Err()
	}
}

// concludePrompt rewrites the prompt so the buttons disappear and the
// outcome stays visible in the chat history. Best-effort.
func (a *Adapter) concludePrompt(ctx context.Context, chat int64, messageID int, prompt, outcome string) {
	if _, err := a.client.EditMessageText(ctx, &bot.EditMessageTextParams{
		ChatID:    chat,
		MessageID: messageID,
		Text:      prompt + "\n\n[" + outcome + "]",
	}); err != nil {
		a.logger.Debug("approval prompt edit failed", "error", err)
	}
}

func (a *Adapter) registerApproval(key string) (chan channels.ApprovalResult, error) {
	a.approvalMu.Lock()
	defer a.approvalMu.Unlock()
	if _, exists := a.approvals[key]; exists {
		return nil, fmt.Errorf("telegram: approval %q already pending", key)
	}
	ch := make(chan channels.ApprovalResult, 1)
	a.approvals[key] = ch
	return ch, nil
}

func (a *Adapter) dropApproval(key string) {
	a.approvalMu.Lock()
	delete(a.approvals, key)
	a.approvalMu.Unlock()
}

// resolveApproval hands a verdict to the waiting prompt. The first
// answer wins; later taps find nothing pending.
func (a *Adapter) resolveApproval(key string, result channels.ApprovalResult) bool {
	a.approvalMu.Lock()
	ch, ok := a.approvals[key]
	if ok {
		delete(a.approvals, key)
	}
	a.approvalMu.Unlock()
	if !ok {
		return false
	}
	ch <- result
	return true
}

// handleMessage converts an inbound update and hands it to the
// registered handler.
func (a *Adapter) handleMessage(ctx context.Context, _ *bot.Bot, update *tgmodels.Update) {
	msg := update.Message
	if msg == nil {
		return
	}
	if !a.allowed(msg.From) {
		var uid int64
		if msg.From != nil {
			uid = msg.From.ID
		}
		a.logger.Warn("dropping message from unauthorized user", "user_id", uid)
		return
	}

	a.handlerMu.RLock()
	handler := a.handler
	a.handlerMu.RUnlock()
	if handler == nil {
		a.logger.Debug("no inbound handler registered, dropping message")
		return
	}

	m := a.convert(ctx, msg)
	if m.Content == "" && len(m.Images) == 0 {
		return
	}
	if a.metrics != nil {
		a.metrics.Messages.WithLabelValues(string(models.PlatformTelegram), "inbound").Inc()
	}
	handler(ctx, m)
}

// convert maps a Telegram message onto vigil's unified format. Photos
// are downloaded inline; a failed download degrades to text only.
func (a *Adapter) convert(ctx context.Context, msg *tgmodels.Message) *models.Message {
	content := msg.Text
	if content == "" {
		content = msg.Caption
	}

	m := &models.Message{
		ID:        fmt.Sprintf("tg_%d", msg.ID),
		ChannelID: ChannelID(msg.Chat.ID),
		Platform:  models.PlatformTelegram,
		Direction: models.DirectionInbound,
		Role:      models.RoleUser,
		Content:   content,
		ArrivedAt: time.Unix(int64(msg.Date), 0).UTC(),
	}
	if msg.From != nil {
		m.UserID = strconv.FormatInt(msg.From.ID, 10)
	}

	if len(msg.Photo) > 0 {
		// Telegram orders photo sizes ascending; take the largest.
		fileID := msg.Photo[len(msg.Photo)-1].FileID
		data, err := a.downloadFile(ctx, fileID)
		if err != nil {
			a.logger.Warn("photo download failed", "file_id", fileID, "error", err)
		} else {
			m.Images = append(m.Images, models.Image{
				Data:     base64.StdEncoding.EncodeToString(data),
				MimeType: "image/jpeg",
			})
		}
	}
	return m
}

func (a *Adapter) downloadFile(ctx context.Context, fileID string) ([]byte, error) {
	f, err := a.client.GetFile(ctx, &bot.GetFileParams{FileID: fileID})
	if err != nil {
		return nil, channels.Classify(models.PlatformTelegram, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.client.FileDownloadLink(f), nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, channels.Classify(models.PlatformTelegram, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("telegram: file download status %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxFileDownload))
}

// handleApprovalCallback routes an inline button tap to the waiting
// approval prompt.
func (a *Adapter) handleApprovalCallback(ctx context.Context, _ *bot.Bot, update *tgmodels.Update) {
	cq := update.CallbackQuery
	if cq == nil {
		return
	}
	ack := func(text string) {
		if _, err := a.client.AnswerCallbackQuery(ctx, &bot.AnswerCallbackQueryParams{
			CallbackQueryID: cq.ID,
			Text:            text,
		}); err != nil {
			a.logger.Debug("callback ack failed", "error", err)
		}
	}

	if !a.allowedID(cq.From.ID) {
		a.logger.Warn("dropping approval tap from unauthorized user", "user_id", cq.From.ID)
		ack("not allowed")
		return
	}

	key, result, ok := parseApprovalCallback(cq.Data)
	if !ok {
		ack("")
		return
	}
	if !a.resolveApproval(key, result) {
		ack("this prompt has expired")
		return
	}
	ack("recorded: " + string(result))
}

// parseApprovalCallback splits "approval:<key>:<verdict>" callback
// data. Keys may themselves contain colons.
func parseApprovalCallback(data string) (string, channels.ApprovalResult, bool) {
	rest, found := strings.CutPrefix(data, approvalCallbackPrefix)
	if !found {
		return "", "", false
	}
	idx := strings.LastIndex(rest, ":")
	if idx <= 0 {
		return "", "", false
	}
	key := rest[:idx]
	switch rest[idx+1:] {
	case "allow":
		return key, channels.ApprovalAllow, true
	case "always":
		return key, channels.ApprovalAllowAlways, true
	case "deny":
		return key, channels.ApprovalDeny, true
	}
	return "", "", false
}

func (a *Adapter) allowed(from *tgmodels.User) bool {
	if len(a.config.AllowedUsers) == 0 {
		return true
	}
	if from == nil {
		return false
	}
	return a.allowedID(from.ID)
}

func (a *Adapter) allowedID(id int64) bool {
	if len(a.config.AllowedUsers) == 0 {
		return true
	}
	return slices.Contains(a.config.AllowedUsers, id)
}

// ChannelID renders a chat id in vigil's channel id form.
func ChannelID(chatID int64) string {
	return fmt.Sprintf("tg:%d", chatID)
}

// chatID accepts both "tg:<id>" and bare numeric channel ids.
func chatID(channelID string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimPrefix(channelID, "tg:"), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("telegram: invalid channel id %q", channelID)
	}
	return id, nil
}

func isEntityParseError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "can't parse entities")
}
