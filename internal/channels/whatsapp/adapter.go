// Package whatsapp adapts WhatsApp Web to vigil's channel contract via
// whatsmeow. First start pairs by rendering a QR code in the terminal;
// the session then persists in a local sqlite store.
package whatsapp

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/skip2/go-qrcode"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	_ "github.com/mattn/go-sqlite3" // sqlite driver for the session store

	"github.com/vigil-dev/vigil/internal/channels"
	"github.com/vigil-dev/vigil/internal/markdown"
	"github.com/vigil-dev/vigil/internal/observability"
	"github.com/vigil-dev/vigil/internal/retry"
	"github.com/vigil-dev/vigil/pkg/models"
)

// Adapter speaks to WhatsApp through a paired web session.
type Adapter struct {
	config  *Config
	logger  *slog.Logger
	metrics *observability.Metrics

	chunker *channels.Chunker
	retry   retry.Config

	container *sqlstore.Container
	client    *whatsmeow.Client

	// Seams over the whatsmeow client so tests can run without a
	// paired session.
	send     func(ctx context.Context, to types.JID, msg *waE2E.Message) (whatsmeow.SendResponse, error)
	presence func(ctx context.Context, to types.JID, state types.ChatPresence) error
	download func(ctx context.Context, msg whatsmeow.DownloadableMessage) ([]byte, error)

	// allowed holds normalized sender JIDs; nil admits everyone.
	allowed map[string]struct{}

	handlerMu sync.RWMutex
	handler   channels.Handler

	runCtx context.Context
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

// New builds a WhatsApp adapter. The session store is not opened
// until Start.
func New(cfg *Config, opts ...Option) (*Adapter, error) {
	if cfg == nil {
		return nil, fmt.Errorf("whatsapp: config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	a := &Adapter{
		config:  cfg,
		logger:  slog.Default().With("component", "whatsapp"),
		chunker: channels.NewChunker(cfg.MaxMessageSize),
		retry:   retry.Exponential(4, 500*time.Millisecond, 15*time.Second),
		runCtx:  context.Background(),
	}
	if len(cfg.AllowedJIDs) > 0 {
		a.allowed = make(map[string]struct{}, len(cfg.AllowedJIDs))
		for _, raw := range cfg.AllowedJIDs {
			jid, err := types.ParseJID(raw)
			if err != nil {
				return nil, fmt.Errorf("whatsapp: invalid allowed jid %q: %w", raw, err)
			}
			a.allowed[jid.ToNonAD().String()] = struct{}{}
		}
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Platform identifies this adapter.
func (a *Adapter) Platform() models.Platform { return models.PlatformWhatsApp }

// OnMessage registers the single inbound handler.
func (a *Adapter) OnMessage(h channels.Handler) {
	a.handlerMu.Lock()
	a.handler = h
	a.handlerMu.Unlock()
}

// Start opens the session store and connects. An unpaired store
// triggers the QR pairing flow.
func (a *Adapter) Start(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(a.config.StorePath), 0o755); err != nil {
		return fmt.Errorf("whatsapp: create store dir: %w", err)
	}

	container, err := sqlstore.New(ctx, "sqlite3",
		fmt.Sprintf("file:%s?_foreign_keys=on", a.config.StorePath), waLog.Noop)
	if err != nil {
		return fmt.Errorf("whatsapp: open session store: %w", err)
	}
	a.container = container

	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		return fmt.Errorf("whatsapp: load device: %w", err)
	}

	client := whatsmeow.NewClient(device, waLog.Noop)
	client.AddEventHandler(a.handleEvent)
	a.client = client
	a.send = func(ctx context.Context, to types.JID, msg *waE2E.Message) (whatsmeow.SendResponse, error) {
		return client.SendMessage(ctx, to, msg)
	}
	a.presence = func(ctx context.Context, to types.JID, state types.ChatPresence) error {
		return client.SendChatPresence(ctx, to, state, types.ChatPresenceMediaText)
	}
	a.download = client.Download

	runCtx, cancel := context.WithCancel(ctx)
	a.runCtx = runCtx
	a.cancel = cancel

	paired := client.Store.ID != nil
	if !paired {
		qrChan, err := client.GetQRChannel(ctx)
		if err != nil {
			cancel()
			return fmt.Errorf("whatsapp: qr channel: %w", err)
		}
		if err := client.Connect(); err != nil {
			cancel()
			return fmt.Errorf("whatsapp: connect: %w", err)
		}
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.consumeQR(runCtx, qrChan)
		}()
	} else if err := client.Connect(); err != nil {
		cancel()
		return fmt.Errorf("whatsapp: connect: %w", err)
	}

	a.logger.Info("whatsapp adapter started", "paired", paired)
	return nil
}

// consumeQR renders pairing codes in the terminal until the channel
// reports an outcome or closes.
func (a *Adapter) consumeQR(ctx context.Context, qrChan <-chan whatsmeow.QRChannelItem) {
	for {
		select {
		case <-ctx.Done():
			return
		case item, ok := <-qrChan:
			if !ok {
				return
			}
			switch item.Event {
			case "code":
				qr, err := qrcode.New(item.Code, qrcode.Medium)
				if err != nil {
					a.logger.Error("qr render failed", "error", err)
					continue
				}
				fmt.Print(qr.ToSmallString(false))
				a.logger.Info("scan the QR code with WhatsApp to pair")
			case "success":
				a.logger.Info("whatsapp pairing complete")
			default:
				a.logger.Debug("qr channel event", "event", item.Event)
			}
		}
	}
}

// Stop disconnects and closes the session store.
func (a *Adapter) Stop(ctx context.Context) error {
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()

	if a.client != nil {
		a.client.Disconnect()
	}
	if a.container != nil {
		if err := a.container.Close(); err != nil {
			return fmt.Errorf("whatsapp: close session store: %w", err)
		}
	}
	a.logger.Info("whatsapp adapter stopped")
	return nil
}

// SendMessage chunks text to the configured size and sends each piece,
// returning the message id of the last chunk.
func (a *Adapter) SendMessage(ctx context.Context, channelID, text string) (string, error) {
	jid, err := ParseChannelID(channelID)
	if err != nil {
		return "", err
	}

	text = markdown.ConvertTables(text, markdown.ModeForPlatform(models.PlatformWhatsApp))

	var lastID string
	for _, chunk := range a.chunker.Split(text) {
		id, err := a.sendChunk(ctx, jid, chunk)
		if err != nil {
			return lastID, err
		}
		lastID = id
		if a.metrics != nil {
			a.metrics.Messages.WithLabelValues(string(models.PlatformWhatsApp), "outbound").Inc()
		}
	}
	return lastID, nil
}

func (a *Adapter) sendChunk(ctx context.Context, to types.JID, chunk string) (string, error) {
	return retry.DoWithValue(ctx, a.retry, func() (string, error) {
		resp, err := a.send(ctx, to, &waE2E.Message{Conversation: proto.String(chunk)})
		if err != nil {
			classified := channels.Classify(models.PlatformWhatsApp, err)
			if !classified.Recoverable() {
				return "", retry.Permanent(classified)
			}
			a.logger.Warn("send failed, retrying", "code", classified.Code, "error", err)
			return "", classified
		}
		return string(resp.ID), nil
	})
}

// SendTyping shows the composing indicator. Best-effort.
func (a *Adapter) SendTyping(ctx context.Context, channelID string) error {
	jid, err := ParseChannelID(channelID)
	if err != nil {
		return err
	}
	if err := a.presence(ctx, jid, types.ChatPresenceComposing); err != nil {
		return channels.Classify(models.PlatformWhatsApp, err)
	}
	return nil
}

// SendApprovalRequest delivers the prompt as plain text. WhatsApp has
// no inline buttons here, so after sending it reports
// ErrApprovalUnsupported and the caller falls back to the typed
// handshake.
func (a *Adapter) SendApprovalRequest(ctx context.Context, channelID, prompt, key string, timeout time.Duration) (channels.ApprovalResult, error) {
	if _, err := a.SendMessage(ctx, channelID, prompt); err != nil {
		return channels.ApprovalDeny, err
	}
	return channels.ApprovalDeny, channels.ErrApprovalUnsupported
}

func (a *Adapter) handleEvent(evt any) {
	switch v := evt.(type) {
	case *events.Connected:
		a.logger.Info("connected to WhatsApp")
	case *events.Disconnected:
		a.logger.Warn("disconnected from WhatsApp")
	case *events.LoggedOut:
		a.logger.Error("whatsapp session logged out, delete the store and re-pair", "reason", v.Reason)
	case *events.Message:
		a.handleMessage(v)
	}
}

// handleMessage converts an inbound event and hands it to the
// registered handler. Own echoes and status broadcasts are dropped.
func (a *Adapter) handleMessage(evt *events.Message) {
	if evt.Info.IsFromMe || evt.Info.Chat.Server == types.BroadcastServer {
		return
	}
	if !a.isAllowed(evt.Info.Sender) {
		a.logger.Warn("dropping message from unauthorized sender", "sender", evt.Info.Sender.String())
		return
	}

	a.handlerMu.RLock()
	handler := a.handler
	a.handlerMu.RUnlock()
	if handler == nil {
		a.logger.Debug("no inbound handler registered, dropping message")
		return
	}

	ctx := a.runCtx
	m := a.convert(ctx, evt)
	if m.Content == "" && len(m.Images) == 0 {
		return
	}
	if a.metrics != nil {
		a.metrics.Messages.WithLabelValues(string(models.PlatformWhatsApp), "inbound").Inc()
	}
	handler(ctx, m)
}

// convert maps a WhatsApp event onto vigil's unified format. Images
// are downloaded inline; a failed download degrades to text only.
func (a *Adapter) convert(ctx context.Context, evt *events.Message) *models.Message {
	msg := evt.Message

	content := msg.GetConversation()
	if content == "" {
		content = msg.GetExtendedTextMessage().GetText()
	}

	m := &models.Message{
		ID:        "wa_" + evt.Info.ID,
		ChannelID: ChannelID(evt.Info.Chat),
		UserID:    evt.Info.Sender.ToNonAD().String(),
		Platform:  models.PlatformWhatsApp,
		Direction: models.DirectionInbound,
		Role:      models.RoleUser,
		Content:   content,
		ArrivedAt: evt.Info.Timestamp.UTC(),
	}

	if img := msg.GetImageMessage(); img != nil {
		if m.Content == "" {
			m.Content = img.GetCaption()
		}
		data, err := a.download(ctx, img)
		if err != nil {
			a.logger.Warn("image download failed", "message_id", evt.Info.ID, "error", err)
		} else {
			m.Images = append(m.Images, models.Image{
				Data:     base64.StdEncoding.EncodeToString(data),
				MimeType: img.GetMimetype(),
			})
		}
	}
	return m
}

func (a *Adapter) isAllowed(sender types.JID) bool {
	if a.allowed == nil {
		return true
	}
	_, ok := a.allowed[sender.ToNonAD().String()]
	return ok
}

// ChannelID renders a chat JID in vigil's channel id form.
func ChannelID(jid types.JID) string {
	return "wa:" + jid.String()
}

// ParseChannelID accepts both "wa:<jid>" and bare JIDs.
func ParseChannelID(channelID string) (types.JID, error) {
	jid, err := types.ParseJID(strings.TrimPrefix(channelID, "wa:"))
	if err != nil {
		return types.EmptyJID, fmt.Errorf("whatsapp: invalid channel id %q: %w", channelID, err)
	}
	return jid, nil
}
