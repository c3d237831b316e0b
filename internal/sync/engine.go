// Package sync implements the client-side synchronization core: it keeps a
// local view of chats and messages consistent with the remote store under
// concurrent writers, unreliable push delivery and a polling fallback.
//
// The engine owns the in-memory chat/message state exclusively. Consumers
// read derived views (Chats, FilteredChats, Messages) and subscribe to bus
// events; they never mutate state directly. Push events and poll batches
// feed one idempotent application path keyed by message id, so overlapping
// delivery from both transports is harmless.
package sync

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lfarias/pchat/internal/backend"
	"github.com/lfarias/pchat/internal/bus"
	"github.com/lfarias/pchat/internal/cache"
	"github.com/lfarias/pchat/internal/model"
	"github.com/lfarias/pchat/internal/status"
)

// Options carries the engine timing knobs.
type Options struct {
	// PollInterval is the degraded-mode polling cadence.
	PollInterval time.Duration
	// PollBatchSize bounds messages fetched per poll.
	PollBatchSize int
	// WatchdogTimeout bounds how long the push subscription may stay
	// unconfirmed before polling starts.
	WatchdogTimeout time.Duration
	// MembershipRefresh is the cadence of the membership re-check that
	// runs alongside polling.
	MembershipRefresh time.Duration
	// PresenceInterval is the cadence of the presence heartbeat writing
	// the user's own row.
	PresenceInterval time.Duration
}

func (o *Options) fillDefaults() {
	if o.PollInterval <= 0 {
		o.PollInterval = 3 * time.Second
	}
	if o.PollBatchSize <= 0 {
		o.PollBatchSize = 50
	}
	if o.WatchdogTimeout <= 0 {
		o.WatchdogTimeout = 10 * time.Second
	}
	if o.MembershipRefresh <= 0 {
		o.MembershipRefresh = 15 * time.Second
	}
	if o.PresenceInterval <= 0 {
		o.PresenceInterval = time.Minute
	}
}

// Engine is the sync core for one user session.
type Engine struct {
	store    backend.Store
	realtime backend.Realtime
	blobs    backend.Blobs
	cache    *cache.DB // optional, best-effort
	bus      *bus.Bus
	machine  *status.Machine
	logger   *zap.Logger
	opts     Options

	mu           sync.Mutex
	user         model.User
	chats        []*model.Chat
	labels       []model.Label
	activeChatID string
	messages     []model.Message
	watermark    time.Time
	memberMark   time.Time
	epoch        int
	pollActive   bool

	cancel    context.CancelFunc
	msgSub    backend.Subscription
	memberSub backend.Subscription
	watchdog  *time.Timer
}

// NewEngine creates a sync engine. cache may be nil to run without the
// on-device cache; everything else is required.
func NewEngine(store backend.Store, realtime backend.Realtime, blobs backend.Blobs, cacheDB *cache.DB, b *bus.Bus, machine *status.Machine, logger *zap.Logger, opts Options) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts.fillDefaults()
	return &Engine{
		store:    store,
		realtime: realtime,
		blobs:    blobs,
		cache:    cacheDB,
		bus:      b,
		machine:  machine,
		logger:   logger,
		opts:     opts,
	}
}

// Start loads the initial snapshot for user and brings up the change feed.
// The push transport is tried first; if it fails to confirm within the
// watchdog deadline, or errors at any point, the polling fallback starts.
// Snapshot failure is returned; transport failure is not.
func (e *Engine) Start(ctx context.Context, user model.User) error {
	e.mu.Lock()
	e.user = user
	e.epoch++
	epoch := e.epoch
	e.mu.Unlock()

	if err := e.machine.Transition(status.Connecting); err != nil {
		return err
	}

	snap, err := e.loadSnapshot(ctx)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)

	e.mu.Lock()
	if epoch != e.epoch {
		// Stop won the race against the snapshot load.
		e.mu.Unlock()
		cancel()
		return nil
	}
	e.chats = snap.chats
	e.labels = snap.labels
	e.memberMark = time.Now()
	for _, c := range snap.chats {
		if c.LastMessage != nil && c.LastMessage.CreatedAt.After(e.watermark) {
			e.watermark = c.LastMessage.CreatedAt
		}
	}
	e.cancel = cancel
	e.mu.Unlock()

	e.cacheSnapshot(snap)

	e.subscribe(ctx, epoch)
	go e.presenceLoop(ctx, epoch)
	return nil
}

// Stop tears down the session: unsubscribes the push transport, cancels the
// polling and presence timers and invalidates in-flight async results via the
// epoch. The engine is single-use: Closed is terminal, so a stopped engine
// cannot Start again. Build a fresh one for a new session.
func (e *Engine) Stop() {
	e.mu.Lock()
	e.epoch++
	e.pollActive = false
	cancel := e.cancel
	msgSub := e.msgSub
	memberSub := e.memberSub
	watchdog := e.watchdog
	e.cancel = nil
	e.msgSub = nil
	e.memberSub = nil
	e.watchdog = nil
	e.mu.Unlock()

	if watchdog != nil {
		watchdog.Stop()
	}
	if cancel != nil {
		cancel()
	}
	if msgSub != nil {
		msgSub.Unsubscribe()
	}
	if memberSub != nil {
		memberSub.Unsubscribe()
	}
	_ = e.machine.Transition(status.Closed)
}

// subscribe requests the push feeds and arms the watchdog. Subscription
// failure is a transient transport problem: log, fall back to polling.
func (e *Engine) subscribe(ctx context.Context, epoch int) {
	msgSub, err := e.realtime.Subscribe(ctx, "messages", backend.ChangeInsert)
	if err != nil {
		e.logger.Warn("push subscribe failed, falling back to polling", zap.Error(err))
		e.enterDegraded(ctx, epoch)
		return
	}
	if !e.adoptHandle(epoch, func() { e.msgSub = msgSub }) {
		msgSub.Unsubscribe()
		return
	}

	memberSub, err := e.realtime.Subscribe(ctx, "chat_members", backend.ChangeInsert)
	if err != nil {
		e.logger.Warn("membership subscribe failed", zap.Error(err))
	} else if e.adoptHandle(epoch, func() { e.memberSub = memberSub }) {
		go e.consumeMembers(ctx, memberSub, epoch)
	} else {
		memberSub.Unsubscribe()
		return
	}

	go e.consumeMessages(ctx, msgSub, epoch)

	watchdog := time.AfterFunc(e.opts.WatchdogTimeout, func() {
		if e.machine.Current() == status.Live {
			return
		}
		e.logger.Warn("push subscription unconfirmed past deadline, starting polling")
		e.enterDegraded(ctx, epoch)
	})
	if !e.adoptHandle(epoch, func() { e.watchdog = watchdog }) {
		watchdog.Stop()
	}
}

// adoptHandle stores a transport handle under the state lock, but only
// when the session epoch is still current. A false return means Stop ran in
// the meantime and the caller must release the handle itself.
func (e *Engine) adoptHandle(epoch int, assign func()) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if epoch != e.epoch {
		return false
	}
	assign()
	return true
}

func (e *Engine) consumeMessages(ctx context.Context, sub backend.Subscription, epoch int) {
	for {
		select {
		case evt, ok := <-sub.Events():
			if !ok {
				return
			}
			var msg model.Message
			if err := json.Unmarshal(evt.Record, &msg); err != nil {
				e.logger.Warn("bad message event payload", zap.Error(err))
				continue
			}
			e.handleMessage(ctx, msg, epoch)
		case st, ok := <-sub.Status():
			if !ok {
				return
			}
			e.handleTransportStatus(ctx, st, epoch)
		case <-ctx.Done():
			return
		}
	}
}

func (e *Engine) consumeMembers(ctx context.Context, sub backend.Subscription, epoch int) {
	for {
		select {
		case evt, ok := <-sub.Events():
			if !ok {
				return
			}
			var member model.ChatMember
			if err := json.Unmarshal(evt.Record, &member); err != nil {
				e.logger.Warn("bad membership event payload", zap.Error(err))
				continue
			}
			e.mu.Lock()
			mine := member.UserID == e.user.ID && epoch == e.epoch
			e.mu.Unlock()
			if mine {
				// The newly visible chat's detail is unknown locally:
				// a full refresh is simpler and safer than a patch.
				e.refresh(ctx, epoch)
			}
		case st, ok := <-sub.Status():
			if !ok {
				return
			}
			e.logger.Debug("membership feed status", zap.String("status", string(st)))
		case <-ctx.Done():
			return
		}
	}
}

func (e *Engine) handleTransportStatus(ctx context.Context, st backend.SubscriptionStatus, epoch int) {
	switch st {
	case backend.StatusSubscribed:
		e.mu.Lock()
		watchdog := e.watchdog
		e.mu.Unlock()
		if watchdog != nil {
			watchdog.Stop()
		}
		if err := e.machine.Transition(status.Live); err == nil {
			e.publish(bus.KindSyncLive, nil)
		}
	case backend.StatusChannelError, backend.StatusTimedOut:
		e.logger.Warn("push transport degraded", zap.String("status", string(st)))
		e.enterDegraded(ctx, epoch)
	case backend.StatusClosed:
		e.logger.Info("push transport closed")
	}
}

// enterDegraded starts the polling fallback. Push is never torn down here:
// if it recovers, both paths deliver concurrently and de-duplication absorbs
// the overlap.
func (e *Engine) enterDegraded(ctx context.Context, epoch int) {
	e.mu.Lock()
	if epoch != e.epoch || e.pollActive {
		e.mu.Unlock()
		return
	}
	e.pollActive = true
	e.mu.Unlock()

	if err := e.machine.Transition(status.Degraded); err != nil {
		e.logger.Warn("cannot enter degraded mode", zap.Error(err))
	}
	e.publish(bus.KindSyncDegraded, nil)

	go e.pollLoop(ctx, epoch)
	go e.membershipLoop(ctx, epoch)
}

// refresh re-runs the snapshot loader and replaces the chat list wholesale.
func (e *Engine) refresh(ctx context.Context, epoch int) {
	snap, err := e.loadSnapshot(ctx)
	if err != nil {
		e.logger.Error("chat list refresh failed", zap.Error(err))
		return
	}

	e.mu.Lock()
	if epoch != e.epoch {
		e.mu.Unlock()
		return
	}
	e.chats = snap.chats
	e.labels = snap.labels
	e.memberMark = time.Now()
	for _, c := range snap.chats {
		if c.LastMessage != nil && c.LastMessage.CreatedAt.After(e.watermark) {
			e.watermark = c.LastMessage.CreatedAt
		}
	}
	e.mu.Unlock()

	e.cacheSnapshot(snap)
	e.publish(bus.KindSyncRefreshed, nil)
}

func (e *Engine) publish(kind string, payload any) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: payload})
}

// Chats returns the current ordered chat list.
func (e *Engine) Chats() []model.Chat {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]model.Chat, len(e.chats))
	for i, c := range e.chats {
		out[i] = *c
	}
	return out
}

// FilteredChats returns the chat list narrowed by search term and active
// label set, in list order.
func (e *Engine) FilteredChats(term string, activeLabels []string) []model.Chat {
	e.mu.Lock()
	defer e.mu.Unlock()
	filtered := FilterChats(e.chats, term, activeLabels, e.user.ID)
	out := make([]model.Chat, len(filtered))
	for i, c := range filtered {
		out[i] = *c
	}
	return out
}

// Messages returns the visible message list for the active chat.
func (e *Engine) Messages() []model.Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]model.Message, len(e.messages))
	copy(out, e.messages)
	return out
}

// Labels returns the label vocabulary.
func (e *Engine) Labels() []model.Label {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]model.Label, len(e.labels))
	copy(out, e.labels)
	return out
}

// Watermark returns the timestamp of the most recently applied message.
func (e *Engine) Watermark() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.watermark
}

func (e *Engine) chatByIDLocked(id string) *model.Chat {
	for _, c := range e.chats {
		if c.ID == id {
			return c
		}
	}
	return nil
}

func (e *Engine) hasMessageLocked(id string) bool {
	for i := range e.messages {
		if e.messages[i].ID == id {
			return true
		}
	}
	return false
}
