package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/lfarias/pchat/internal/backend"
)

// fakeStore is an in-memory backend.Store. Rows live as generic maps and
// cross the interface boundary through JSON, same as the real client.
type fakeStore struct {
	mu      sync.Mutex
	tables  map[string][]map[string]any
	nextID  int
	nowTime time.Time

	insertErr  map[string]error
	selectErr  map[string]error
	failChatID string
	selectHook func(table string)

	inserts []string // tables in insert order
	updates []updateCall
	rpcFn   func(fn string, args map[string]any) (any, error)
}

type updateCall struct {
	table   string
	values  map[string]any
	filters []backend.Filter
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		tables:    make(map[string][]map[string]any),
		nowTime:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		insertErr: make(map[string]error),
		selectErr: make(map[string]error),
	}
}

// seed adds a row converted from any struct with JSON tags.
func (s *fakeStore) seed(table string, v any) {
	row := toRow(v)
	s.mu.Lock()
	s.tables[table] = append(s.tables[table], row)
	s.mu.Unlock()
}

func toRow(v any) map[string]any {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	var row map[string]any
	if err := json.Unmarshal(data, &row); err != nil {
		panic(err)
	}
	return row
}

func (s *fakeStore) matching(q backend.Query) []map[string]any {
	var out []map[string]any
	for _, row := range s.tables[q.Table] {
		ok := true
		for _, f := range q.Filters {
			if !matchFilter(row, f) {
				ok = false
				break
			}
		}
		if ok {
			out = append(out, row)
		}
	}
	if q.OrderBy != "" {
		col := q.OrderBy
		sort.SliceStable(out, func(i, j int) bool {
			less := lessValue(out[i][col], out[j][col])
			if q.Ascending {
				return less
			}
			return !less && !equalValue(out[i][col], out[j][col])
		})
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}

func matchFilter(row map[string]any, f backend.Filter) bool {
	val := fmt.Sprint(row[f.Column])
	switch f.Op {
	case backend.OpEq:
		return val == f.Value
	case backend.OpNeq:
		return val != f.Value
	case backend.OpGt:
		return lessValue(f.Value, row[f.Column])
	default:
		return false
	}
}

func lessValue(a, b any) bool {
	as, bs := fmt.Sprint(a), fmt.Sprint(b)
	at, aerr := time.Parse(time.RFC3339Nano, as)
	bt, berr := time.Parse(time.RFC3339Nano, bs)
	if aerr == nil && berr == nil {
		return at.Before(bt)
	}
	return as < bs
}

func equalValue(a, b any) bool {
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func decodeRows(rows []map[string]any, dest any) error {
	if rows == nil {
		rows = []map[string]any{}
	}
	data, err := json.Marshal(rows)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dest)
}

func decodeRow(row map[string]any, dest any) error {
	data, err := json.Marshal(row)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dest)
}

func (s *fakeStore) Select(_ context.Context, q backend.Query, dest any) error {
	s.mu.Lock()
	hook := s.selectHook
	s.mu.Unlock()
	if hook != nil {
		hook(q.Table)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.selectErr[q.Table]; err != nil {
		return err
	}
	return decodeRows(s.matching(q), dest)
}

func (s *fakeStore) Single(_ context.Context, q backend.Query, dest any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.selectErr[q.Table]; err != nil {
		return err
	}
	if s.failChatID != "" && q.Table == "chats" {
		for _, f := range q.Filters {
			if f.Column == "id" && f.Value == s.failChatID {
				return errors.New("chat fetch exploded")
			}
		}
	}
	rows := s.matching(q)
	if len(rows) == 0 {
		return backend.ErrNotFound
	}
	return decodeRow(rows[0], dest)
}

func (s *fakeStore) Insert(_ context.Context, table string, row any, dest any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.insertErr[table]; err != nil {
		return err
	}
	r := toRow(row)
	if _, ok := r["id"]; !ok || r["id"] == "" {
		s.nextID++
		r["id"] = fmt.Sprintf("%s-%d", strings.TrimSuffix(table, "s"), s.nextID)
	}
	s.nowTime = s.nowTime.Add(time.Second)
	stamp := s.nowTime.Format(time.RFC3339Nano)
	if _, ok := r["created_at"]; !ok {
		r["created_at"] = stamp
	}
	r["updated_at"] = stamp
	s.tables[table] = append(s.tables[table], r)
	s.inserts = append(s.inserts, table)
	if dest == nil {
		return nil
	}
	return decodeRow(r, dest)
}

func (s *fakeStore) Update(_ context.Context, table string, values map[string]any, filters []backend.Filter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = append(s.updates, updateCall{table: table, values: values, filters: filters})
	for _, row := range s.tables[table] {
		ok := true
		for _, f := range filters {
			if !matchFilter(row, f) {
				ok = false
				break
			}
		}
		if !ok {
			continue
		}
		for k, v := range values {
			row[k] = v
		}
	}
	return nil
}

func (s *fakeStore) RPC(_ context.Context, fn string, args map[string]any, dest any) error {
	s.mu.Lock()
	rpc := s.rpcFn
	s.mu.Unlock()
	if rpc == nil {
		return fmt.Errorf("no rpc handler for %s", fn)
	}
	result, err := rpc(fn, args)
	if err != nil {
		return err
	}
	data, err := json.Marshal(result)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dest)
}

func (s *fakeStore) insertCount(table string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.inserts {
		if t == table {
			n++
		}
	}
	return n
}

func (s *fakeStore) deliveredUpdates() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, u := range s.updates {
		if u.table == "messages" && u.values["delivered"] == true {
			n++
		}
	}
	return n
}

// presenceBeats counts heartbeat writes against userID's row.
func (s *fakeStore) presenceBeats(userID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, u := range s.updates {
		if u.table != "users" {
			continue
		}
		if _, ok := u.values["updated_at"]; !ok {
			continue
		}
		for _, f := range u.filters {
			if f.Column == "id" && f.Value == userID {
				n++
			}
		}
	}
	return n
}

// fakeRealtime hands out controllable subscriptions keyed by table.
type fakeRealtime struct {
	mu      sync.Mutex
	err     error
	subs    map[string]*fakeSub
	confirm bool // auto-send Subscribed on subscribe
}

func newFakeRealtime() *fakeRealtime {
	return &fakeRealtime{subs: make(map[string]*fakeSub)}
}

func (f *fakeRealtime) Subscribe(_ context.Context, table string, _ backend.ChangeType) (backend.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	sub := &fakeSub{
		events: make(chan backend.ChangeEvent, 64),
		status: make(chan backend.SubscriptionStatus, 8),
	}
	f.subs[table] = sub
	if f.confirm {
		sub.status <- backend.StatusSubscribed
	}
	return sub, nil
}

func (f *fakeRealtime) sub(table string) *fakeSub {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subs[table]
}

func (f *fakeRealtime) subCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

type fakeSub struct {
	events chan backend.ChangeEvent
	status chan backend.SubscriptionStatus

	mu       sync.Mutex
	unsubbed bool
}

func (s *fakeSub) Events() <-chan backend.ChangeEvent        { return s.events }
func (s *fakeSub) Status() <-chan backend.SubscriptionStatus { return s.status }

func (s *fakeSub) Unsubscribe() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unsubbed = true
}

// push delivers a row as an insert event.
func (s *fakeSub) push(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	s.events <- backend.ChangeEvent{Type: backend.ChangeInsert, Record: data}
}

// fakeBlobs records uploads and can be told to fail.
type fakeBlobs struct {
	mu       sync.Mutex
	failWith error
	uploads  []string
}

func (b *fakeBlobs) Upload(_ context.Context, path, _ string, content io.Reader) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failWith != nil {
		return "", b.failWith
	}
	if _, err := io.ReadAll(content); err != nil {
		return "", err
	}
	b.uploads = append(b.uploads, path)
	return path, nil
}

func (b *fakeBlobs) PublicURL(path string) string {
	return "https://blob.test/attachments/" + path
}

func (b *fakeBlobs) uploadCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.uploads)
}
