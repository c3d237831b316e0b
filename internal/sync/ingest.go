package sync

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/lfarias/pchat/internal/backend"
	"github.com/lfarias/pchat/internal/bus"
	"github.com/lfarias/pchat/internal/model"
)

// handleMessage applies one new-message event. The same path serves both
// transports; identifier-based de-duplication makes redelivery harmless.
// Errors here have no synchronous caller: they are logged, never propagated.
func (e *Engine) handleMessage(ctx context.Context, msg model.Message, epoch int) {
	e.mu.Lock()
	if epoch != e.epoch {
		e.mu.Unlock()
		return
	}
	self := e.user.ID
	chat := e.chatByIDLocked(msg.ChatID)
	if chat != nil && e.isDuplicateLocked(chat, msg.ID) {
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()

	if chat == nil {
		// Unknown chat: membership decides between discard and deferred
		// fetch.
		var membership model.ChatMember
		err := e.store.Single(ctx, backend.Query{
			Table: "chat_members",
			Filters: []backend.Filter{
				backend.Eq("chat_id", msg.ChatID),
				backend.Eq("user_id", self),
			},
		}, &membership)
		if errors.Is(err, backend.ErrNotFound) {
			return
		}
		if err != nil {
			e.logger.Warn("membership check failed", zap.String("chat_id", msg.ChatID), zap.Error(err))
			return
		}
		e.deferredChatFetch(ctx, msg, epoch)
		return
	}

	if msg.Sender == nil {
		sender, err := e.fetchUser(ctx, msg.SenderID)
		if err != nil {
			e.logger.Warn("sender unresolved", zap.String("sender_id", msg.SenderID), zap.Error(err))
		} else {
			msg.Sender = sender
		}
	}

	e.mu.Lock()
	if epoch != e.epoch {
		e.mu.Unlock()
		return
	}
	chat = e.chatByIDLocked(msg.ChatID)
	if chat == nil || e.isDuplicateLocked(chat, msg.ID) {
		// State moved underneath the sender-resolve await; the other
		// delivery won.
		e.mu.Unlock()
		return
	}

	applied := msg
	chat.LastMessage = &applied
	chat.LastMessageID = applied.ID
	chat.UpdatedAt = applied.CreatedAt
	e.promoteLocked(chat)

	appendToActive := e.activeChatID == msg.ChatID && msg.SenderID != self
	if appendToActive {
		e.messages = append(e.messages, applied)
	}
	if applied.CreatedAt.After(e.watermark) {
		e.watermark = applied.CreatedAt
	}
	e.mu.Unlock()

	e.publish(bus.KindChatUpdated, msg.ChatID)
	if appendToActive {
		e.publish(bus.KindMessageNew, applied)
		e.markDelivered(ctx, applied.ID)
	}
	if e.cache != nil {
		if err := e.cache.PutMessage(&applied); err != nil {
			e.logger.Warn("cache write failed", zap.Error(err))
		}
	}
}

// isDuplicateLocked reports whether the message already updated the chat's
// last_message or is present in the visible message list.
func (e *Engine) isDuplicateLocked(chat *model.Chat, msgID string) bool {
	if chat.LastMessage != nil && chat.LastMessage.ID == msgID {
		return true
	}
	if e.activeChatID == chat.ID && e.hasMessageLocked(msgID) {
		return true
	}
	return false
}

// deferredChatFetch resolves the full detail of a chat discovered via an
// event and inserts it at the head. Insertion is a no-op if another deferred
// fetch won the race.
func (e *Engine) deferredChatFetch(ctx context.Context, msg model.Message, epoch int) {
	go func() {
		chat, err := e.fetchChat(ctx, msg.ChatID)
		if err != nil {
			e.logger.Warn("deferred chat fetch failed", zap.String("chat_id", msg.ChatID), zap.Error(err))
			return
		}
		if chat.LastMessage == nil || chat.LastMessage.ID == msg.ID {
			applied := msg
			chat.LastMessage = &applied
			chat.LastMessageID = applied.ID
		}
		if msg.CreatedAt.After(chat.UpdatedAt) {
			chat.UpdatedAt = msg.CreatedAt
		}

		e.mu.Lock()
		if epoch != e.epoch || e.chatByIDLocked(chat.ID) != nil {
			e.mu.Unlock()
			return
		}
		e.chats = append([]*model.Chat{chat}, e.chats...)
		if msg.CreatedAt.After(e.watermark) {
			e.watermark = msg.CreatedAt
		}
		e.mu.Unlock()

		e.publish(bus.KindChatAdded, chat.ID)
		if e.cache != nil {
			_ = e.cache.PutChat(chat)
		}
	}()
}

// markDelivered writes the delivered flag back to the store. The flag only
// ever goes false -> true, so redundant writes are harmless.
func (e *Engine) markDelivered(ctx context.Context, msgID string) {
	err := e.store.Update(ctx, "messages",
		map[string]any{"delivered": true},
		[]backend.Filter{backend.Eq("id", msgID)})
	if err != nil {
		e.logger.Warn("delivered write-back failed", zap.String("msg_id", msgID), zap.Error(err))
	}
}

// pollLoop is the fallback delivery path: query messages past the watermark
// in creation order, bounded per tick, and feed them through the same
// application path as push events.
func (e *Engine) pollLoop(ctx context.Context, epoch int) {
	ticker := time.NewTicker(e.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.pollOnce(ctx, epoch)
		case <-ctx.Done():
			return
		}
	}
}

func (e *Engine) pollOnce(ctx context.Context, epoch int) {
	e.mu.Lock()
	if epoch != e.epoch {
		e.mu.Unlock()
		return
	}
	since := e.watermark
	e.mu.Unlock()

	var batch []model.Message
	err := e.store.Select(ctx, backend.Query{
		Table:     "messages",
		Filters:   []backend.Filter{backend.Gt("created_at", formatTime(since))},
		OrderBy:   "created_at",
		Ascending: true,
		Limit:     e.opts.PollBatchSize,
	}, &batch)
	if err != nil {
		e.logger.Warn("poll query failed", zap.Error(err))
		return
	}

	for _, msg := range batch {
		e.handleMessage(ctx, msg, epoch)
		// The watermark must cover discarded messages too, or every poll
		// would refetch them. handleMessage already advanced it for
		// applied ones.
		e.mu.Lock()
		if epoch == e.epoch && msg.CreatedAt.After(e.watermark) {
			e.watermark = msg.CreatedAt
		}
		e.mu.Unlock()
	}
}

// membershipLoop re-checks for new chat_members rows on an explicit timer
// while polling is active, catching memberships the push feed missed.
func (e *Engine) membershipLoop(ctx context.Context, epoch int) {
	ticker := time.NewTicker(e.opts.MembershipRefresh)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.mu.Lock()
			if epoch != e.epoch {
				e.mu.Unlock()
				return
			}
			self := e.user.ID
			since := e.memberMark
			e.mu.Unlock()

			var added []model.ChatMember
			err := e.store.Select(ctx, backend.Query{
				Table: "chat_members",
				Filters: []backend.Filter{
					backend.Eq("user_id", self),
					backend.Gt("created_at", formatTime(since)),
				},
			}, &added)
			if err != nil {
				e.logger.Warn("membership poll failed", zap.Error(err))
				continue
			}
			if len(added) > 0 {
				e.refresh(ctx, epoch)
			}
		case <-ctx.Done():
			return
		}
	}
}

// formatTime renders a timestamp for greater-than filters. The zero value
// maps to the epoch so a fresh session polls everything.
func formatTime(t time.Time) string {
	if t.IsZero() {
		t = time.Unix(0, 0)
	}
	return t.UTC().Format(time.RFC3339Nano)
}
