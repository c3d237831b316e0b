package sync

import (
	"strings"

	"github.com/lfarias/pchat/internal/model"
)

// promoteLocked moves chat to the head of the list. Every update makes its
// chat the most recent, so removal plus head-insertion preserves descending
// updated_at order without a global resort.
func (e *Engine) promoteLocked(chat *model.Chat) {
	for i, c := range e.chats {
		if c.ID == chat.ID {
			e.chats = append(e.chats[:i], e.chats[i+1:]...)
			break
		}
	}
	e.chats = append([]*model.Chat{chat}, e.chats...)
}

// FilterChats narrows chats by search term and active label set. It is a
// pure function of its inputs: no side effects, stable order, and
// re-applying it to its own output yields the identical list.
//
// Group chats match on their name; direct chats match on the other member's
// name or contact string. An empty term matches everything. A chat passes
// the label filter when the active set is empty or intersects its labels.
func FilterChats(chats []*model.Chat, term string, activeLabels []string, selfID string) []*model.Chat {
	needle := strings.ToLower(term)

	out := make([]*model.Chat, 0, len(chats))
	for _, chat := range chats {
		if chat == nil {
			continue
		}
		if !nameMatches(chat, needle, selfID) {
			continue
		}
		if !labelsMatch(chat, activeLabels) {
			continue
		}
		out = append(out, chat)
	}
	return out
}

func nameMatches(chat *model.Chat, needle, selfID string) bool {
	if needle == "" {
		return true
	}
	if chat.IsGroup {
		return strings.Contains(strings.ToLower(chat.Name), needle)
	}
	// Direct chat: the display identity is the other member.
	for _, member := range chat.Members {
		if member.UserID == selfID || member.User == nil {
			continue
		}
		if strings.Contains(strings.ToLower(member.User.Name), needle) {
			return true
		}
		if strings.Contains(strings.ToLower(member.User.Email), needle) {
			return true
		}
		if strings.Contains(strings.ToLower(member.User.Phone), needle) {
			return true
		}
	}
	return false
}

func labelsMatch(chat *model.Chat, activeLabels []string) bool {
	if len(activeLabels) == 0 {
		return true
	}
	for _, cl := range chat.Labels {
		for _, active := range activeLabels {
			if cl.LabelID == active {
				return true
			}
		}
	}
	return false
}
