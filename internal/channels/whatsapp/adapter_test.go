package whatsapp

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"

	"github.com/vigil-dev/vigil/internal/channels"
	"github.com/vigil-dev/vigil/internal/retry"
	"github.com/vigil-dev/vigil/pkg/models"
)

type sendRecorder struct {
	mu    sync.Mutex
	calls int
	sent  []*waE2E.Message
	to    []types.JID
	errs  []error
}

func (r *sendRecorder) send(_ context.Context, to types.JID, msg *waE2E.Message) (whatsmeow.SendResponse, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if len(r.errs) > 0 {
		err := r.errs[0]
		r.errs = r.errs[1:]
		if err != nil {
			return whatsmeow.SendResponse{}, err
		}
	}
	r.sent = append(r.sent, msg)
	r.to = append(r.to, to)
	return whatsmeow.SendResponse{ID: fmt.Sprintf("wamid-%d", len(r.sent))}, nil
}

func newTestAdapter(t *testing.T, cfg *Config) (*Adapter, *sendRecorder) {
	t.Helper()
	if cfg == nil {
		cfg = &Config{StorePath: "unused.db"}
	}
	a, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	rec := &sendRecorder{}
	a.send = rec.send
	a.retry = retry.Config{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Factor: 2}
	return a, rec
}

func mustJID(t *testing.T, raw string) types.JID {
	t.Helper()
	jid, err := types.ParseJID(raw)
	if err != nil {
		t.Fatalf("ParseJID(%q): %v", raw, err)
	}
	return jid
}

func TestNewRequiresStorePath(t *testing.T) {
	if _, err := New(&Config{}); err == nil {
		t.Fatal("expected error for missing store path")
	}
}

func TestNewRejectsMalformedAllowedJID(t *testing.T) {
	_, err := New(&Config{StorePath: "x.db", AllowedJIDs: []string{"12:ab@s.whatsapp.net"}})
	if err == nil {
		t.Fatal("expected error for malformed jid")
	}
}

func TestSendMessageChunksAndReturnsLastID(t *testing.T) {
	a, rec := newTestAdapter(t, &Config{StorePath: "x.db", MaxMessageSize: 64})

	text := strings.Repeat("a", 40) + "\n\n" + strings.Repeat("b", 40)
	id, err := a.SendMessage(context.Background(), "wa:12345@s.whatsapp.net", text)
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if id != "wamid-2" {
		t.Errorf("last id = %q, want %q", id, "wamid-2")
	}
	if len(rec.sent) != 2 {
		t.Fatalf("sent %d messages, want 2", len(rec.sent))
	}
	if got := rec.sent[0].GetConversation(); got != strings.Repeat("a", 40) {
		t.Errorf("first chunk = %q", got)
	}
	if rec.to[0].User != "12345" {
		t.Errorf("recipient = %v, want user 12345", rec.to[0])
	}
}

func TestSendMessageConvertsTablesToBullets(t *testing.T) {
	a, rec := newTestAdapter(t, nil)

	text := "Summary:\n\n| Name | Role |\n|------|------|\n| Alice | Dev |"
	if _, err := a.SendMessage(context.Background(), "wa:1@s.whatsapp.net", text); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	got := rec.sent[0].GetConversation()
	if strings.Contains(got, "|---") {
		t.Errorf("table separator leaked through: %q", got)
	}
	if !strings.Contains(got, "• Name: Alice") {
		t.Errorf("table not flattened to bullets: %q", got)
	}
}

func TestSendMessageRetriesTransientErrors(t *testing.T) {
	a, rec := newTestAdapter(t, nil)
	rec.errs = []error{errors.New("connection reset by peer")}

	id, err := a.SendMessage(context.Background(), "wa:1@s.whatsapp.net", "hello")
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if id != "wamid-1" {
		t.Errorf("id = %q, want %q", id, "wamid-1")
	}
	if rec.calls != 2 {
		t.Errorf("send attempts = %d, want 2", rec.calls)
	}
}

func TestSendMessageStopsOnPermanentError(t *testing.T) {
	a, rec := newTestAdapter(t, nil)
	rec.errs = []error{errors.New("401 unauthorized")}

	_, err := a.SendMessage(context.Background(), "wa:1@s.whatsapp.net", "hello")
	if err == nil {
		t.Fatal("expected error")
	}
	var cerr *channels.Error
	if !errors.As(err, &cerr) || cerr.Code != channels.ErrCodeAuth {
		t.Errorf("error = %v, want auth classification", err)
	}
	if rec.calls != 1 {
		t.Errorf("send attempts = %d, want 1", rec.calls)
	}
}

func TestSendTypingUsesComposingPresence(t *testing.T) {
	a, _ := newTestAdapter(t, nil)

	var gotJID types.JID
	var gotState types.ChatPresence
	a.presence = func(_ context.Context, to types.JID, state types.ChatPresence) error {
		gotJID, gotState = to, state
		return nil
	}

	if err := a.SendTyping(context.Background(), "wa:77@s.whatsapp.net"); err != nil {
		t.Fatalf("SendTyping: %v", err)
	}
	if gotState != types.ChatPresenceComposing {
		t.Errorf("state = %q, want composing", gotState)
	}
	if gotJID.User != "77" {
		t.Errorf("jid = %v, want user 77", gotJID)
	}
}

func TestSendApprovalRequestSendsPromptAndFallsBack(t *testing.T) {
	a, rec := newTestAdapter(t, nil)

	result, err := a.SendApprovalRequest(context.Background(), "wa:1@s.whatsapp.net", "approve this?", "k1", time.Second)
	if !errors.Is(err, channels.ErrApprovalUnsupported) {
		t.Fatalf("err = %v, want ErrApprovalUnsupported", err)
	}
	if result != channels.ApprovalDeny {
		t.Errorf("result = %q, want deny", result)
	}
	if rec.calls != 1 || rec.sent[0].GetConversation() != "approve this?" {
		t.Errorf("prompt was not delivered: %+v", rec.sent)
	}
}

func TestConvertBuildsUnifiedMessage(t *testing.T) {
	a, _ := newTestAdapter(t, nil)

	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	evt := &events.Message{
		Info: types.MessageInfo{
			MessageSource: types.MessageSource{
				Chat:   mustJID(t, "12345@s.whatsapp.net"),
				Sender: mustJID(t, "12345:3@s.whatsapp.net"),
			},
			ID:        "ABCDEF",
			Timestamp: ts,
		},
		Message: &waE2E.Message{Conversation: proto.String("hello")},
	}

	m := a.convert(context.Background(), evt)

	if m.ID != "wa_ABCDEF" {
		t.Errorf("ID = %q, want %q", m.ID, "wa_ABCDEF")
	}
	if m.ChannelID != "wa:12345@s.whatsapp.net" {
		t.Errorf("ChannelID = %q", m.ChannelID)
	}
	if m.UserID != "12345@s.whatsapp.net" {
		t.Errorf("UserID = %q, want device suffix stripped", m.UserID)
	}
	if m.Platform != models.PlatformWhatsApp || m.Direction != models.DirectionInbound || m.Role != models.RoleUser {
		t.Errorf("platform/direction/role = %v/%v/%v", m.Platform, m.Direction, m.Role)
	}
	if m.Content != "hello" {
		t.Errorf("Content = %q", m.Content)
	}
	if !m.ArrivedAt.Equal(ts) {
		t.Errorf("ArrivedAt = %v, want %v", m.ArrivedAt, ts)
	}
}

func TestConvertExtractsExtendedText(t *testing.T) {
	a, _ := newTestAdapter(t, nil)

	evt := &events.Message{
		Info: types.MessageInfo{MessageSource: types.MessageSource{
			Chat:   mustJID(t, "1@s.whatsapp.net"),
			Sender: mustJID(t, "1@s.whatsapp.net"),
		}},
		Message: &waE2E.Message{
			ExtendedTextMessage: &waE2E.ExtendedTextMessage{Text: proto.String("linked text")},
		},
	}
	if m := a.convert(context.Background(), evt); m.Content != "linked text" {
		t.Errorf("Content = %q, want extended text", m.Content)
	}
}

func TestConvertDownloadsImage(t *testing.T) {
	a, _ := newTestAdapter(t, nil)
	a.download = func(context.Context, whatsmeow.DownloadableMessage) ([]byte, error) {
		return []byte("IMG"), nil
	}

	evt := &events.Message{
		Info: types.MessageInfo{MessageSource: types.MessageSource{
			Chat:   mustJID(t, "1@s.whatsapp.net"),
			Sender: mustJID(t, "1@s.whatsapp.net"),
		}},
		Message: &waE2E.Message{
			ImageMessage: &waE2E.ImageMessage{
				Caption:  proto.String("a pic"),
				Mimetype: proto.String("image/jpeg"),
			},
		},
	}

	m := a.convert(context.Background(), evt)
	if m.Content != "a pic" {
		t.Errorf("Content = %q, want caption", m.Content)
	}
	if len(m.Images) != 1 {
		t.Fatalf("images = %d, want 1", len(m.Images))
	}
	if want := base64.StdEncoding.EncodeToString([]byte("IMG")); m.Images[0].Data != want {
		t.Errorf("image data = %q, want %q", m.Images[0].Data, want)
	}
	if m.Images[0].MimeType != "image/jpeg" {
		t.Errorf("mime = %q", m.Images[0].MimeType)
	}
}

func TestConvertDegradesToCaptionWhenDownloadFails(t *testing.T) {
	a, _ := newTestAdapter(t, nil)
	a.download = func(context.Context, whatsmeow.DownloadableMessage) ([]byte, error) {
		return nil, errors.New("media gone")
	}

	evt := &events.Message{
		Info: types.MessageInfo{MessageSource: types.MessageSource{
			Chat:   mustJID(t, "1@s.whatsapp.net"),
			Sender: mustJID(t, "1@s.whatsapp.net"),
		}},
		Message: &waE2E.Message{
			ImageMessage: &waE2E.ImageMessage{Caption: proto.String("a pic")},
		},
	}

	m := a.convert(context.Background(), evt)
	if len(m.Images) != 0 {
		t.Errorf("images = %d, want 0 after failed download", len(m.Images))
	}
	if m.Content != "a pic" {
		t.Errorf("Content = %q, want caption kept", m.Content)
	}
}

func TestHandleMessageDropsEchoesBroadcastsAndStrangers(t *testing.T) {
	a, _ := newTestAdapter(t, &Config{StorePath: "x.db", AllowedJIDs: []string{"1000@s.whatsapp.net"}})

	var delivered []*models.Message
	a.OnMessage(func(_ context.Context, m *models.Message) { delivered = append(delivered, m) })

	mk := func(sender, chat string, fromMe bool) *events.Message {
		return &events.Message{
			Info: types.MessageInfo{MessageSource: types.MessageSource{
				Chat:     mustJID(t, chat),
				Sender:   mustJID(t, sender),
				IsFromMe: fromMe,
			}},
			Message: &waE2E.Message{Conversation: proto.String("hi")},
		}
	}

	a.handleMessage(mk("1000@s.whatsapp.net", "1000@s.whatsapp.net", true))
	if len(delivered) != 0 {
		t.Fatal("own echo was delivered")
	}
	a.handleMessage(mk("1000@s.whatsapp.net", "status@broadcast", false))
	if len(delivered) != 0 {
		t.Fatal("status broadcast was delivered")
	}
	a.handleMessage(mk("2000@s.whatsapp.net", "2000@s.whatsapp.net", false))
	if len(delivered) != 0 {
		t.Fatal("stranger message was delivered")
	}
	a.handleMessage(mk("1000:42@s.whatsapp.net", "1000@s.whatsapp.net", false))
	if len(delivered) != 1 {
		t.Fatal("principal message was dropped")
	}
}

func TestParseChannelID(t *testing.T) {
	jid, err := ParseChannelID("wa:12345@s.whatsapp.net")
	if err != nil {
		t.Fatalf("ParseChannelID: %v", err)
	}
	if jid.User != "12345" || jid.Server != "s.whatsapp.net" {
		t.Errorf("jid = %v", jid)
	}

	bare, err := ParseChannelID("12345@s.whatsapp.net")
	if err != nil {
		t.Fatalf("ParseChannelID bare: %v", err)
	}
	if bare != jid {
		t.Errorf("bare form parsed differently: %v vs %v", bare, jid)
	}

	if got := ChannelID(jid); got != "wa:12345@s.whatsapp.net" {
		t.Errorf("ChannelID = %q", got)
	}

	if _, err := ParseChannelID("wa:12:ab@s.whatsapp.net"); err == nil {
		t.Error("expected error for malformed jid")
	}
}
