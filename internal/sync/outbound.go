package sync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lfarias/pchat/internal/backend"
	"github.com/lfarias/pchat/internal/bus"
	"github.com/lfarias/pchat/internal/model"
)

// Attachment is a file accompanying an outgoing message.
type Attachment struct {
	Name        string
	ContentType string
	Content     io.Reader
}

// SendMessage uploads the attachment (if any), inserts the message row and
// applies the server-confirmed result locally. The insert response carries
// the server-assigned id and timestamp and is authoritative; there is no
// optimistic placeholder to reconcile. Upload failure aborts the send
// entirely: no message row is created.
func (e *Engine) SendMessage(ctx context.Context, chatID, content string, att *Attachment) (*model.Message, error) {
	e.mu.Lock()
	self := e.user
	e.mu.Unlock()
	if self.ID == "" {
		return nil, errors.New("no active session")
	}

	var attachmentURL string
	if att != nil {
		objectPath := fmt.Sprintf("%s/%s-%s", self.ID, uuid.New().String(), att.Name)
		stored, err := e.blobs.Upload(ctx, objectPath, att.ContentType, att.Content)
		if err != nil {
			return nil, fmt.Errorf("upload attachment: %w", err)
		}
		attachmentURL = e.blobs.PublicURL(stored)
	}

	row := map[string]any{
		"chat_id":   chatID,
		"sender_id": self.ID,
		"content":   content,
		"delivered": false,
		"read":      false,
	}
	if attachmentURL != "" {
		row["attachment_url"] = attachmentURL
	}

	var confirmed model.Message
	if err := e.store.Insert(ctx, "messages", row, &confirmed); err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	if confirmed.Sender == nil {
		sender := self
		confirmed.Sender = &sender
	}

	e.mu.Lock()
	if chat := e.chatByIDLocked(chatID); chat != nil {
		applied := confirmed
		chat.LastMessage = &applied
		chat.LastMessageID = applied.ID
		chat.UpdatedAt = applied.CreatedAt
		e.promoteLocked(chat)
	}
	if e.activeChatID == chatID && !e.hasMessageLocked(confirmed.ID) {
		e.messages = append(e.messages, confirmed)
	}
	if confirmed.CreatedAt.After(e.watermark) {
		e.watermark = confirmed.CreatedAt
	}
	e.mu.Unlock()

	e.publish(bus.KindMessageNew, confirmed)
	e.publish(bus.KindChatUpdated, chatID)
	if e.cache != nil {
		if err := e.cache.PutMessage(&confirmed); err != nil {
			e.logger.Warn("cache write failed", zap.Error(err))
		}
	}
	return &confirmed, nil
}

// CreateDirectChat creates (or finds) the direct chat with another user.
// The server-side function has upsert semantics: asking twice for the same
// pair returns the same chat id, so the returned id is treated as canonical.
func (e *Engine) CreateDirectChat(ctx context.Context, otherUserID string) (*model.Chat, error) {
	e.mu.Lock()
	self := e.user.ID
	e.mu.Unlock()
	if self == "" {
		return nil, errors.New("no active session")
	}

	var chatID string
	err := e.store.RPC(ctx, "create_direct_chat", map[string]any{
		"user1_id": self,
		"user2_id": otherUserID,
	}, &chatID)
	if err != nil {
		return nil, fmt.Errorf("create direct chat: %w", err)
	}
	return e.adoptChat(ctx, chatID)
}

// CreateGroupChat creates a group chat with the given members plus the
// creator. A name and at least one other member are required.
func (e *Engine) CreateGroupChat(ctx context.Context, name string, memberIDs []string) (*model.Chat, error) {
	e.mu.Lock()
	self := e.user.ID
	e.mu.Unlock()
	if self == "" {
		return nil, errors.New("no active session")
	}
	if strings.TrimSpace(name) == "" {
		return nil, errors.New("group chat requires a name")
	}
	if len(memberIDs) == 0 {
		return nil, errors.New("group chat requires at least one other member")
	}

	var chatID string
	err := e.store.RPC(ctx, "create_group_chat", map[string]any{
		"chat_name":  name,
		"creator_id": self,
		"member_ids": memberIDs,
	}, &chatID)
	if err != nil {
		return nil, fmt.Errorf("create group chat: %w", err)
	}
	return e.adoptChat(ctx, chatID)
}

// adoptChat fetches full detail for a chat id returned by a mutator and
// funnels it through the same insert-or-update-then-promote path as
// ingestion, so list ordering has one code path regardless of origin.
func (e *Engine) adoptChat(ctx context.Context, chatID string) (*model.Chat, error) {
	chat, err := e.fetchChat(ctx, chatID)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	if existing := e.chatByIDLocked(chatID); existing != nil {
		*existing = *chat
		e.promoteLocked(existing)
		chat = existing
	} else {
		e.chats = append([]*model.Chat{chat}, e.chats...)
	}
	out := *chat
	e.mu.Unlock()

	e.publish(bus.KindChatAdded, chatID)
	if e.cache != nil {
		if err := e.cache.PutChat(&out); err != nil {
			e.logger.Warn("cache write failed", zap.Error(err))
		}
	}
	return &out, nil
}

// SetActiveChat opens a chat: the full message history is loaded in creation
// order and undelivered inbound messages are flagged delivered. An empty id
// closes the active chat.
func (e *Engine) SetActiveChat(ctx context.Context, chatID string) error {
	if chatID == "" {
		e.mu.Lock()
		e.activeChatID = ""
		e.messages = nil
		e.mu.Unlock()
		return nil
	}

	e.mu.Lock()
	self := e.user.ID
	e.mu.Unlock()

	var msgs []model.Message
	err := e.store.Select(ctx, backend.Query{
		Table:     "messages",
		Filters:   []backend.Filter{backend.Eq("chat_id", chatID)},
		OrderBy:   "created_at",
		Ascending: true,
	}, &msgs)
	if err != nil {
		return fmt.Errorf("fetch messages of %s: %w", chatID, err)
	}

	// Resolve senders once per distinct sender.
	senders := make(map[string]*model.User)
	for i := range msgs {
		if msgs[i].Sender != nil {
			senders[msgs[i].SenderID] = msgs[i].Sender
			continue
		}
		sender, ok := senders[msgs[i].SenderID]
		if !ok {
			var err error
			sender, err = e.fetchUser(ctx, msgs[i].SenderID)
			if err != nil {
				e.logger.Warn("sender unresolved", zap.String("sender_id", msgs[i].SenderID), zap.Error(err))
				continue
			}
			senders[msgs[i].SenderID] = sender
		}
		msgs[i].Sender = sender
	}

	for i := range msgs {
		if msgs[i].SenderID != self && !msgs[i].Delivered {
			e.markDelivered(ctx, msgs[i].ID)
			msgs[i].Delivered = true
		}
	}

	e.mu.Lock()
	e.activeChatID = chatID
	e.messages = msgs
	e.mu.Unlock()

	if e.cache != nil {
		for i := range msgs {
			if err := e.cache.PutMessage(&msgs[i]); err != nil {
				e.logger.Warn("cache write failed", zap.Error(err))
				break
			}
		}
	}
	return nil
}
