package model

import "time"

// User is a registered account. The id is server-assigned and immutable;
// name and avatar are mutable by the owner.
type User struct {
	ID        string    `json:"id"`
	Phone     string    `json:"phone"`
	Name      string    `json:"name"`
	Email     string    `json:"email,omitempty"`
	AvatarURL string    `json:"avatar_url,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Chat is a conversation. UpdatedAt is the activity clock: it advances on
// every new message and is the sole ordering key for the chat list.
// Members and Labels are denormalized joins populated by the snapshot loader.
type Chat struct {
	ID            string    `json:"id"`
	Name          string    `json:"name,omitempty"`
	IsGroup       bool      `json:"is_group"`
	LastMessageID string    `json:"last_message_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`

	LastMessage *Message     `json:"last_message,omitempty"`
	Members     []ChatMember `json:"members,omitempty"`
	Labels      []ChatLabel  `json:"labels,omitempty"`
}

// ChatMember joins a user to a chat. Membership determines visibility:
// a chat is visible to a user iff a ChatMember row exists for the pair.
type ChatMember struct {
	ID        string    `json:"id"`
	ChatID    string    `json:"chat_id"`
	UserID    string    `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`

	User *User `json:"user,omitempty"`
}

// Message is immutable once created except for the delivered/read flags,
// which transition false->true and never reverse.
type Message struct {
	ID            string    `json:"id"`
	ChatID        string    `json:"chat_id"`
	SenderID      string    `json:"sender_id"`
	Content       string    `json:"content,omitempty"`
	AttachmentURL string    `json:"attachment_url,omitempty"`
	Delivered     bool      `json:"delivered"`
	Read          bool      `json:"read"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`

	Sender *User `json:"sender,omitempty"`
}

// Label is a tag in the shared vocabulary.
type Label struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Color     string    `json:"color,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// ChatLabel assigns a label to a chat.
type ChatLabel struct {
	ID        string    `json:"id"`
	ChatID    string    `json:"chat_id"`
	LabelID   string    `json:"label_id"`
	CreatedAt time.Time `json:"created_at"`

	Label *Label `json:"label,omitempty"`
}
