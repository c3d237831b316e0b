package sync

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lfarias/pchat/internal/backend"
	"github.com/lfarias/pchat/internal/model"
)

// onlineWindow is how recently a user's row must have been touched for the
// user to count as online.
const onlineWindow = 5 * time.Minute

// Presence is one chat member's online state.
type Presence struct {
	UserID   string
	Name     string
	Online   bool
	LastSeen time.Time
}

// presenceLoop heartbeats the user's own row so other clients see them as
// online. The row's updated_at doubles as last_seen; the first beat happens
// immediately, then on the configured cadence.
func (e *Engine) presenceLoop(ctx context.Context, epoch int) {
	e.beatPresence(ctx, epoch)

	ticker := time.NewTicker(e.opts.PresenceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.beatPresence(ctx, epoch)
		case <-ctx.Done():
			return
		}
	}
}

func (e *Engine) beatPresence(ctx context.Context, epoch int) {
	e.mu.Lock()
	if epoch != e.epoch {
		e.mu.Unlock()
		return
	}
	self := e.user.ID
	e.mu.Unlock()

	err := e.store.Update(ctx, "users",
		map[string]any{"updated_at": formatTime(time.Now())},
		[]backend.Filter{backend.Eq("id", self)})
	if err != nil {
		e.logger.Warn("presence heartbeat failed", zap.Error(err))
	}
}

// OnlineMembers reports the presence of every member of a chat, derived from
// how recently each member's row was touched by their own heartbeat.
func (e *Engine) OnlineMembers(ctx context.Context, chatID string) ([]Presence, error) {
	var members []model.ChatMember
	err := e.store.Select(ctx, backend.Query{
		Table:   "chat_members",
		Filters: []backend.Filter{backend.Eq("chat_id", chatID)},
	}, &members)
	if err != nil {
		return nil, fmt.Errorf("fetch members of %s: %w", chatID, err)
	}

	cutoff := time.Now().Add(-onlineWindow)
	out := make([]Presence, 0, len(members))
	for _, member := range members {
		user, err := e.fetchUser(ctx, member.UserID)
		if err != nil {
			e.logger.Warn("presence user unresolved",
				zap.String("user_id", member.UserID), zap.Error(err))
			continue
		}
		out = append(out, Presence{
			UserID:   user.ID,
			Name:     user.Name,
			Online:   user.UpdatedAt.After(cutoff),
			LastSeen: user.UpdatedAt,
		})
	}
	return out, nil
}
