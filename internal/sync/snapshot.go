package sync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/lfarias/pchat/internal/backend"
	"github.com/lfarias/pchat/internal/model"
)

// snapshot is the complete working set loaded at session start or full
// refresh.
type snapshot struct {
	chats  []*model.Chat
	labels []model.Label
}

// loadSnapshot builds the authoritative initial view: memberships -> chat
// ids -> concurrent per-chat detail fan-out. A chat whose detail fetch fails
// is dropped from the result set, not retried inline; the next full refresh
// picks it up. Zero memberships yields an empty list, not an error.
func (e *Engine) loadSnapshot(ctx context.Context) (*snapshot, error) {
	e.mu.Lock()
	self := e.user
	e.mu.Unlock()

	if err := e.ensureUserRow(ctx, self); err != nil {
		e.logger.Warn("could not ensure user row", zap.Error(err))
	}

	var memberships []model.ChatMember
	err := e.store.Select(ctx, backend.Query{
		Table:   "chat_members",
		Filters: []backend.Filter{backend.Eq("user_id", self.ID)},
	}, &memberships)
	if err != nil {
		return nil, fmt.Errorf("fetch memberships: %w", err)
	}

	snap := &snapshot{}
	if labels, err := e.fetchLabels(ctx); err != nil {
		e.logger.Warn("label fetch failed", zap.Error(err))
	} else {
		snap.labels = labels
	}

	if len(memberships) == 0 {
		return snap, nil
	}

	results := make([]*model.Chat, len(memberships))
	var wg sync.WaitGroup
	for i, member := range memberships {
		wg.Add(1)
		go func(i int, chatID string) {
			defer wg.Done()
			chat, err := e.fetchChat(ctx, chatID)
			if err != nil {
				e.logger.Warn("skipping chat, detail fetch failed",
					zap.String("chat_id", chatID), zap.Error(err))
				return
			}
			results[i] = chat
		}(i, member.ChatID)
	}
	wg.Wait()

	for _, chat := range results {
		if chat != nil {
			snap.chats = append(snap.chats, chat)
		}
	}
	sort.Slice(snap.chats, func(i, j int) bool {
		return snap.chats[i].UpdatedAt.After(snap.chats[j].UpdatedAt)
	})
	return snap, nil
}

// fetchChat resolves the complete detail for one chat: the row itself,
// members joined to their users, label assignments joined to labels, and
// the last message joined to its sender when the pointer is set.
func (e *Engine) fetchChat(ctx context.Context, chatID string) (*model.Chat, error) {
	var chat model.Chat
	err := e.store.Single(ctx, backend.Query{
		Table:   "chats",
		Filters: []backend.Filter{backend.Eq("id", chatID)},
	}, &chat)
	if err != nil {
		return nil, fmt.Errorf("fetch chat %s: %w", chatID, err)
	}

	var members []model.ChatMember
	err = e.store.Select(ctx, backend.Query{
		Table:   "chat_members",
		Filters: []backend.Filter{backend.Eq("chat_id", chatID)},
	}, &members)
	if err != nil {
		return nil, fmt.Errorf("fetch members of %s: %w", chatID, err)
	}
	for i := range members {
		if members[i].User != nil {
			continue
		}
		user, err := e.fetchUser(ctx, members[i].UserID)
		if err != nil {
			e.logger.Warn("member user unresolved",
				zap.String("user_id", members[i].UserID), zap.Error(err))
			continue
		}
		members[i].User = user
	}
	chat.Members = members

	var chatLabels []model.ChatLabel
	err = e.store.Select(ctx, backend.Query{
		Table:   "chat_labels",
		Filters: []backend.Filter{backend.Eq("chat_id", chatID)},
	}, &chatLabels)
	if err != nil {
		return nil, fmt.Errorf("fetch labels of %s: %w", chatID, err)
	}
	for i := range chatLabels {
		if chatLabels[i].Label != nil {
			continue
		}
		var label model.Label
		err := e.store.Single(ctx, backend.Query{
			Table:   "labels",
			Filters: []backend.Filter{backend.Eq("id", chatLabels[i].LabelID)},
		}, &label)
		if err != nil {
			continue
		}
		chatLabels[i].Label = &label
	}
	chat.Labels = chatLabels

	// The denormalized pointer may be stale or dangling; a missing last
	// message is not fatal to the chat.
	if chat.LastMessageID != "" {
		var msg model.Message
		err := e.store.Single(ctx, backend.Query{
			Table:   "messages",
			Filters: []backend.Filter{backend.Eq("id", chat.LastMessageID)},
		}, &msg)
		if err == nil {
			if msg.Sender == nil {
				if sender, err := e.fetchUser(ctx, msg.SenderID); err == nil {
					msg.Sender = sender
				}
			}
			chat.LastMessage = &msg
		} else if !errors.Is(err, backend.ErrNotFound) {
			e.logger.Warn("last message unresolved",
				zap.String("chat_id", chatID), zap.Error(err))
		}
	}

	return &chat, nil
}

func (e *Engine) fetchUser(ctx context.Context, userID string) (*model.User, error) {
	var user model.User
	err := e.store.Single(ctx, backend.Query{
		Table:   "users",
		Filters: []backend.Filter{backend.Eq("id", userID)},
	}, &user)
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (e *Engine) fetchLabels(ctx context.Context) ([]model.Label, error) {
	var labels []model.Label
	if err := e.store.Select(ctx, backend.Query{Table: "labels"}, &labels); err != nil {
		return nil, err
	}
	return labels, nil
}

// ensureUserRow creates the user's own row on first sign-in.
func (e *Engine) ensureUserRow(ctx context.Context, self model.User) error {
	var existing model.User
	err := e.store.Single(ctx, backend.Query{
		Table:   "users",
		Filters: []backend.Filter{backend.Eq("id", self.ID)},
	}, &existing)
	if err == nil {
		return nil
	}
	if !errors.Is(err, backend.ErrNotFound) {
		return err
	}
	row := map[string]any{
		"id":    self.ID,
		"name":  self.Name,
		"phone": self.Phone,
		"email": self.Email,
	}
	return e.store.Insert(ctx, "users", row, nil)
}

// cacheSnapshot writes the fetched entities through to the local cache.
// Cache failure never propagates; it is logged and forgotten.
func (e *Engine) cacheSnapshot(snap *snapshot) {
	if e.cache == nil {
		return
	}
	for _, chat := range snap.chats {
		if err := e.cache.PutChat(chat); err != nil {
			e.logger.Warn("cache write failed, continuing without cache", zap.Error(err))
			return
		}
		for i := range chat.Members {
			if chat.Members[i].User != nil {
				_ = e.cache.PutUser(chat.Members[i].User)
			}
		}
		if chat.LastMessage != nil {
			_ = e.cache.PutMessage(chat.LastMessage)
		}
	}
	for i := range snap.labels {
		_ = e.cache.PutLabel(&snap.labels[i])
	}
}
