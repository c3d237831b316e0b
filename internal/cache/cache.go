package cache

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/lfarias/pchat/internal/model"
)

// Entities are stored as JSON documents with the columns the read paths
// index on (phone for users, updated_at for chats, chat_id/created_at for
// messages) pulled out alongside.

// PutUser upserts a user by id.
func (db *DB) PutUser(u *model.User) error {
	data, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("encode user: %w", err)
	}
	_, err = db.Exec(`
		INSERT INTO users (id, phone, data) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET phone = excluded.phone, data = excluded.data`,
		u.ID, u.Phone, string(data))
	return err
}

// PutChat upserts a chat by id, including its denormalized members, labels
// and last message.
func (db *DB) PutChat(c *model.Chat) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode chat: %w", err)
	}
	_, err = db.Exec(`
		INSERT INTO chats (id, updated_at, data) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET updated_at = excluded.updated_at, data = excluded.data`,
		c.ID, c.UpdatedAt.UnixNano(), string(data))
	return err
}

// PutMessage upserts a message by id.
func (db *DB) PutMessage(m *model.Message) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	_, err = db.Exec(`
		INSERT INTO messages (id, chat_id, created_at, data) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET chat_id = excluded.chat_id,
			created_at = excluded.created_at, data = excluded.data`,
		m.ID, m.ChatID, m.CreatedAt.UnixNano(), string(data))
	return err
}

// PutLabel upserts a label by id.
func (db *DB) PutLabel(l *model.Label) error {
	data, err := json.Marshal(l)
	if err != nil {
		return fmt.Errorf("encode label: %w", err)
	}
	_, err = db.Exec(`
		INSERT INTO labels (id, data) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET data = excluded.data`,
		l.ID, string(data))
	return err
}

// Chats returns all cached chats sorted by activity, most recent first.
func (db *DB) Chats() ([]model.Chat, error) {
	rows, err := db.Query(`SELECT data FROM chats ORDER BY updated_at DESC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var chats []model.Chat
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var c model.Chat
		if err := json.Unmarshal([]byte(data), &c); err != nil {
			return nil, fmt.Errorf("decode chat: %w", err)
		}
		chats = append(chats, c)
	}
	return chats, rows.Err()
}

// MessagesByChat returns cached messages for one chat in creation order.
func (db *DB) MessagesByChat(chatID string) ([]model.Message, error) {
	rows, err := db.Query(`SELECT data FROM messages WHERE chat_id = ? ORDER BY created_at ASC`, chatID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []model.Message
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var m model.Message
		if err := json.Unmarshal([]byte(data), &m); err != nil {
			return nil, fmt.Errorf("decode message: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// UserByPhone returns a cached user by phone, or nil if absent.
func (db *DB) UserByPhone(phone string) (*model.User, error) {
	var data string
	err := db.QueryRow(`SELECT data FROM users WHERE phone = ?`, phone).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var u model.User
	if err := json.Unmarshal([]byte(data), &u); err != nil {
		return nil, fmt.Errorf("decode user: %w", err)
	}
	return &u, nil
}

// Labels returns all cached labels.
func (db *DB) Labels() ([]model.Label, error) {
	rows, err := db.Query(`SELECT data FROM labels`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var labels []model.Label
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var l model.Label
		if err := json.Unmarshal([]byte(data), &l); err != nil {
			return nil, fmt.Errorf("decode label: %w", err)
		}
		labels = append(labels, l)
	}
	return labels, rows.Err()
}
