package sync

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/lfarias/pchat/internal/bus"
	"github.com/lfarias/pchat/internal/model"
	"github.com/lfarias/pchat/internal/status"
)

func TestSendMessageAppliesServerResult(t *testing.T) {
	w := newWorld(t, Options{})
	w.rt.confirm = true
	w.start(t)
	if err := w.engine.SetActiveChat(context.Background(), "c2"); err != nil {
		t.Fatalf("SetActiveChat: %v", err)
	}

	sent, err := w.engine.SendMessage(context.Background(), "c2", "subindo de novo", nil)
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if sent.ID == "" {
		t.Fatal("server-assigned id missing")
	}
	if sent.Delivered {
		t.Fatal("fresh message cannot be delivered already")
	}
	if sent.Sender == nil || sent.Sender.ID != "u1" {
		t.Fatalf("sender = %+v, want self", sent.Sender)
	}

	chats := w.engine.Chats()
	if chats[0].ID != "c2" {
		t.Fatalf("chat order after send: %v, want c2 first", ids2(chats))
	}
	if chats[0].LastMessage == nil || chats[0].LastMessage.ID != sent.ID {
		t.Fatal("last message not swapped to the sent one")
	}
	if !w.engine.Watermark().Equal(sent.CreatedAt) {
		t.Fatalf("watermark = %v, want %v", w.engine.Watermark(), sent.CreatedAt)
	}

	found := false
	for _, m := range w.engine.Messages() {
		if m.ID == sent.ID {
			found = true
		}
	}
	if !found {
		t.Fatal("sent message missing from the open chat")
	}
}

func TestSendMessageWithAttachment(t *testing.T) {
	w := newWorld(t, Options{})
	w.rt.confirm = true
	w.start(t)

	att := &Attachment{
		Name:        "nota.pdf",
		ContentType: "application/pdf",
		Content:     strings.NewReader("%PDF-1.4"),
	}
	sent, err := w.engine.SendMessage(context.Background(), "c1", "segue o arquivo", att)
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if w.blobs.uploadCount() != 1 {
		t.Fatalf("uploads = %d, want 1", w.blobs.uploadCount())
	}
	if !strings.HasPrefix(sent.AttachmentURL, "https://blob.test/attachments/u1/") {
		t.Fatalf("attachment url = %q", sent.AttachmentURL)
	}
	if !strings.HasSuffix(sent.AttachmentURL, "-nota.pdf") {
		t.Fatalf("attachment url lost the file name: %q", sent.AttachmentURL)
	}
}

func TestFailedUploadAbortsSend(t *testing.T) {
	w := newWorld(t, Options{})
	w.rt.confirm = true
	w.start(t)
	w.blobs.failWith = errors.New("bucket unavailable")

	before := w.engine.Chats()
	_, err := w.engine.SendMessage(context.Background(), "c1", "vai falhar", &Attachment{
		Name:        "nota.pdf",
		ContentType: "application/pdf",
		Content:     strings.NewReader("x"),
	})
	if err == nil {
		t.Fatal("want error from failed upload")
	}
	if got := w.store.insertCount("messages"); got != 0 {
		t.Fatalf("message inserts after failed upload = %d, want 0", got)
	}
	after := w.engine.Chats()
	if len(after) != len(before) || after[0].ID != before[0].ID {
		t.Fatal("chat list changed despite aborted send")
	}
}

func TestSendMessageWithoutSession(t *testing.T) {
	w := &world{
		store: newFakeStore(),
		rt:    newFakeRealtime(),
		blobs: &fakeBlobs{},
		bus:   bus.New(),
	}
	w.machine = status.NewMachine(w.bus)
	e := NewEngine(w.store, w.rt, w.blobs, nil, w.bus, w.machine, nil, Options{})

	if _, err := e.SendMessage(context.Background(), "c1", "oi", nil); err == nil {
		t.Fatal("want error without an active session")
	}
}

func TestCreateDirectChatIsIdempotent(t *testing.T) {
	w := newWorld(t, Options{})
	w.rt.confirm = true
	w.start(t)

	// The server function finds-or-creates: both calls resolve to c9.
	w.store.seed("users", model.User{ID: "u3", Name: "Carla", Phone: "+5521000000003"})
	w.store.seed("chats", model.Chat{ID: "c9", IsGroup: false, UpdatedAt: testBase.Add(time.Minute)})
	w.store.seed("chat_members", model.ChatMember{ID: "cm9", ChatID: "c9", UserID: "u1"})
	w.store.seed("chat_members", model.ChatMember{ID: "cm10", ChatID: "c9", UserID: "u3"})

	calls := 0
	w.store.rpcFn = func(fn string, args map[string]any) (any, error) {
		if fn != "create_direct_chat" {
			t.Fatalf("rpc = %q", fn)
		}
		if args["user1_id"] != "u1" || args["user2_id"] != "u3" {
			t.Fatalf("rpc args = %v", args)
		}
		calls++
		return "c9", nil
	}

	first, err := w.engine.CreateDirectChat(context.Background(), "u3")
	if err != nil {
		t.Fatalf("first CreateDirectChat: %v", err)
	}
	second, err := w.engine.CreateDirectChat(context.Background(), "u3")
	if err != nil {
		t.Fatalf("second CreateDirectChat: %v", err)
	}
	if first.ID != "c9" || second.ID != first.ID {
		t.Fatalf("ids = %q / %q, want c9 twice", first.ID, second.ID)
	}
	if calls != 2 {
		t.Fatalf("rpc calls = %d, want 2", calls)
	}

	chats := w.engine.Chats()
	if len(chats) != 3 {
		t.Fatalf("chat count = %d, want 3 (no duplicate entry)", len(chats))
	}
	if chats[0].ID != "c9" {
		t.Fatalf("order = %v, want c9 first", ids2(chats))
	}
}

func TestCreateDirectChatWithExistingPeer(t *testing.T) {
	w := newWorld(t, Options{})
	w.rt.confirm = true
	w.start(t)

	// u1<->u2 already have c1; the server hands back the existing id.
	w.store.rpcFn = func(string, map[string]any) (any, error) { return "c1", nil }

	chat, err := w.engine.CreateDirectChat(context.Background(), "u2")
	if err != nil {
		t.Fatalf("CreateDirectChat: %v", err)
	}
	if chat.ID != "c1" {
		t.Fatalf("id = %q, want c1", chat.ID)
	}
	chats := w.engine.Chats()
	if len(chats) != 2 {
		t.Fatalf("chat count = %d, want 2", len(chats))
	}
	if chats[0].ID != "c1" {
		t.Fatalf("order = %v, want c1 promoted", ids2(chats))
	}
}

func TestCreateGroupChatValidation(t *testing.T) {
	w := newWorld(t, Options{})
	w.rt.confirm = true
	w.start(t)

	if _, err := w.engine.CreateGroupChat(context.Background(), "  ", []string{"u2"}); err == nil {
		t.Fatal("want error for blank name")
	}
	if _, err := w.engine.CreateGroupChat(context.Background(), "time", nil); err == nil {
		t.Fatal("want error for empty member list")
	}
}

func TestCreateGroupChat(t *testing.T) {
	w := newWorld(t, Options{})
	w.rt.confirm = true
	w.start(t)

	w.store.seed("chats", model.Chat{ID: "c9", Name: "time", IsGroup: true, UpdatedAt: testBase.Add(time.Minute)})
	w.store.seed("chat_members", model.ChatMember{ID: "cm9", ChatID: "c9", UserID: "u1"})
	w.store.seed("chat_members", model.ChatMember{ID: "cm10", ChatID: "c9", UserID: "u2"})

	w.store.rpcFn = func(fn string, args map[string]any) (any, error) {
		if fn != "create_group_chat" {
			t.Fatalf("rpc = %q", fn)
		}
		if args["chat_name"] != "time" || args["creator_id"] != "u1" {
			t.Fatalf("rpc args = %v", args)
		}
		return "c9", nil
	}

	chat, err := w.engine.CreateGroupChat(context.Background(), "time", []string{"u2"})
	if err != nil {
		t.Fatalf("CreateGroupChat: %v", err)
	}
	if chat.ID != "c9" || !chat.IsGroup {
		t.Fatalf("chat = %+v", chat)
	}
	if got := w.engine.Chats(); got[0].ID != "c9" {
		t.Fatalf("order = %v, want c9 first", ids2(got))
	}
}

func TestSetActiveChatLoadsHistoryAndMarksDelivered(t *testing.T) {
	w := newWorld(t, Options{})
	w.rt.confirm = true
	w.start(t)

	w.store.seed("messages", model.Message{
		ID: "m0", ChatID: "c1", SenderID: "u1", Content: "mandei antes",
		Delivered: true, CreatedAt: testBase.Add(-time.Minute),
	})

	if err := w.engine.SetActiveChat(context.Background(), "c1"); err != nil {
		t.Fatalf("SetActiveChat: %v", err)
	}
	msgs := w.engine.Messages()
	if len(msgs) != 2 {
		t.Fatalf("history length = %d, want 2", len(msgs))
	}
	if msgs[0].ID != "m0" || msgs[1].ID != "m1" {
		t.Fatalf("history order = [%s %s], want [m0 m1]", msgs[0].ID, msgs[1].ID)
	}
	if !msgs[1].Delivered {
		t.Fatal("inbound message not flagged delivered locally")
	}
	if msgs[1].Sender == nil || msgs[1].Sender.Name != "Bruno" {
		t.Fatal("sender not resolved")
	}
	if got := w.store.deliveredUpdates(); got != 1 {
		t.Fatalf("delivered write-backs = %d, want 1 (own message untouched)", got)
	}

	if err := w.engine.SetActiveChat(context.Background(), ""); err != nil {
		t.Fatalf("close active chat: %v", err)
	}
	if got := len(w.engine.Messages()); got != 0 {
		t.Fatalf("messages after close = %d, want 0", got)
	}
}

func ids2(chats []model.Chat) []string {
	out := make([]string, len(chats))
	for i := range chats {
		out[i] = chats[i].ID
	}
	return out
}
