// Package backend defines the contracts the sync engine consumes from the
// hosted backend: the relational store, the realtime change feed, the blob
// store and the identity provider. The engine never talks to the network
// directly; everything goes through these interfaces so tests can substitute
// in-memory fakes.
package backend

import (
	"context"
	"encoding/json"
	"errors"
	"io"

	"github.com/lfarias/pchat/internal/model"
)

// ErrNotFound is returned by Single when no row matches the query. It is
// distinct from transport or server errors: callers branch on it.
var ErrNotFound = errors.New("backend: row not found")

// Filter ops understood by the store.
const (
	OpEq    = "eq"
	OpNeq   = "neq"
	OpGt    = "gt"
	OpILike = "ilike"
)

// Filter is a single column predicate.
type Filter struct {
	Column string
	Op     string
	Value  string
}

// Eq builds an equality filter.
func Eq(column, value string) Filter { return Filter{Column: column, Op: OpEq, Value: value} }

// Gt builds a greater-than filter.
func Gt(column, value string) Filter { return Filter{Column: column, Op: OpGt, Value: value} }

// Query describes a row selection against one table. Select optionally names
// columns or embedded resources; empty means all columns.
type Query struct {
	Table     string
	Select    string
	Filters   []Filter
	OrderBy   string
	Ascending bool
	Limit     int
}

// Store is the durable relational store. Implementations must return
// server-assigned ids and timestamps from Insert via dest.
type Store interface {
	// Select decodes all matching rows into dest (a pointer to a slice).
	Select(ctx context.Context, q Query, dest any) error
	// Single decodes exactly one matching row into dest, or ErrNotFound.
	Single(ctx context.Context, q Query, dest any) error
	// Insert writes row and decodes the server representation into dest.
	// dest may be nil when the caller does not need the representation.
	Insert(ctx context.Context, table string, row any, dest any) error
	// Update applies values to all rows matching filters.
	Update(ctx context.Context, table string, values map[string]any, filters []Filter) error
	// RPC invokes a named server-side function and decodes its result.
	RPC(ctx context.Context, fn string, args map[string]any, dest any) error
}

// ChangeType identifies the kind of row change carried by an event.
type ChangeType string

const (
	ChangeInsert ChangeType = "INSERT"
	ChangeUpdate ChangeType = "UPDATE"
)

// ChangeEvent is one table-level change delivered by the push feed.
type ChangeEvent struct {
	Type   ChangeType
	Table  string
	Record json.RawMessage
}

// SubscriptionStatus is a lifecycle signal from the push transport.
type SubscriptionStatus string

const (
	StatusSubscribed   SubscriptionStatus = "SUBSCRIBED"
	StatusChannelError SubscriptionStatus = "CHANNEL_ERROR"
	StatusTimedOut     SubscriptionStatus = "TIMED_OUT"
	StatusClosed       SubscriptionStatus = "CLOSED"
)

// Subscription is a live push-transport channel for one table/event pair.
// Both channels are closed by Unsubscribe.
type Subscription interface {
	Events() <-chan ChangeEvent
	Status() <-chan SubscriptionStatus
	Unsubscribe()
}

// Realtime is the push change-feed transport. Subscribe may fail outright
// (network down); the caller falls back to polling in that case.
type Realtime interface {
	Subscribe(ctx context.Context, table string, event ChangeType) (Subscription, error)
}

// Blobs is the object store for attachments.
type Blobs interface {
	// Upload stores content under path and returns the stored object path.
	Upload(ctx context.Context, path, contentType string, content io.Reader) (string, error)
	// PublicURL derives the retrievable URL for a stored object path.
	PublicURL(path string) string
}

// Session is an authenticated identity issued by the provider.
type Session struct {
	AccessToken string     `json:"access_token"`
	User        model.User `json:"user"`
}

// Auth is the identity/session provider.
type Auth interface {
	SignInWithOTP(ctx context.Context, email string) error
	VerifyOTP(ctx context.Context, email, token string) (*Session, error)
	SignOut(ctx context.Context) error
	// CurrentUser returns the authenticated user, or nil before sign-in.
	CurrentUser() *model.User
}
