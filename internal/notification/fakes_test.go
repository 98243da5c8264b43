package notification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"github.com/nao1215/notifygw/pkg/message"
)

// fakeStore は一意制約を持つインメモリのStore。
// Insertは呼び出し元のコンテキストがキャンセル済みなら失敗する。
type fakeStore struct {
	mu        sync.Mutex
	rows      map[string]*Request
	inserts   int
	insertErr error
	findErr   error
}

func newFakeStore() *fakeStore {
	return &fakeStore{rows: make(map[string]*Request)}
}

func (f *fakeStore) Insert(ctx context.Context, r *Request) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return f.insertErr
	}
	if _, ok := f.rows[r.RequestID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateRequest, r.RequestID)
	}
	cp := *r
	f.rows[r.RequestID] = &cp
	f.inserts++
	return nil
}

func (f *fakeStore) FindByRequestID(_ context.Context, requestID string) (*Request, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.findErr != nil {
		return nil, f.findErr
	}
	r, ok := f.rows[requestID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRequestNotFound, requestID)
	}
	cp := *r
	return &cp, nil
}

func (f *fakeStore) UpdateStatus(ctx context.Context, requestID string, status Status, errorMessage string) (*Request, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.rows[requestID]
	if !ok {
		return nil, false, fmt.Errorf("%w: %s", ErrRequestNotFound, requestID)
	}
	if !r.Status.CanTransitionTo(status) {
		cp := *r
		return &cp, false, nil
	}
	r.Status = status
	r.ErrorMessage = errorMessage
	r.UpdatedAt = r.UpdatedAt.Add(time.Second)
	cp := *r
	return &cp, true, nil
}

func (f *fakeStore) ListByUserID(_ context.Context, userID string, limit int) ([]*Request, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*Request
	for _, r := range f.rows {
		if r.UserID == userID {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeStore) put(r *Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *r
	f.rows[r.RequestID] = &cp
}

func (f *fakeStore) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rows)
}

// fakeCache はJSONで値を保持するインメモリのCache。Redisと同じくシリアライズを経由する。
type fakeCache struct {
	mu        sync.Mutex
	responses map[string][]byte
	statuses  map[string][]byte
	ttls      map[string]time.Duration
	getErr    error
	setErr    error
}

func newFakeCache() *fakeCache {
	return &fakeCache{
		responses: make(map[string][]byte),
		statuses:  make(map[string][]byte),
		ttls:      make(map[string]time.Duration),
	}
}

func (f *fakeCache) GetResponse(_ context.Context, requestID string) (*Response, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, false, f.getErr
	}
	b, ok := f.responses[requestID]
	if !ok {
		return nil, false, nil
	}
	var resp Response
	if err := json.Unmarshal(b, &resp); err != nil {
		return nil, false, err
	}
	return &resp, true, nil
}

func (f *fakeCache) SetResponse(_ context.Context, requestID string, resp *Response, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.setErr != nil {
		return f.setErr
	}
	b, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	f.responses[requestID] = b
	f.ttls["idempotency:"+requestID] = ttl
	return nil
}

func (f *fakeCache) GetStatus(_ context.Context, requestID string) (*Projection, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, false, f.getErr
	}
	b, ok := f.statuses[requestID]
	if !ok {
		return nil, false, nil
	}
	var p Projection
	if err := json.Unmarshal(b, &p); err != nil {
		return nil, false, err
	}
	return &p, true, nil
}

func (f *fakeCache) SetStatus(_ context.Context, requestID string, p Projection, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.setErr != nil {
		return f.setErr
	}
	b, err := json.Marshal(p)
	if err != nil {
		return err
	}
	f.statuses[requestID] = b
	f.ttls["status:"+requestID] = ttl
	return nil
}

func (f *fakeCache) expireStatus(requestID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.statuses, requestID)
}

func (f *fakeCache) expireAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses = make(map[string][]byte)
	f.statuses = make(map[string][]byte)
}

func (f *fakeCache) hasResponse(requestID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.responses[requestID]
	return ok
}

// fakeCounter はユーザーとバケットごとのインメモリカウンタ。
type fakeCounter struct {
	mu     sync.Mutex
	counts map[string]int64
	calls  int
	err    error
}

func newFakeCounter() *fakeCounter {
	return &fakeCounter{counts: make(map[string]int64)}
}

func (f *fakeCounter) Incr(_ context.Context, userID, bucket string, _ time.Duration) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return 0, f.err
	}
	key := userID + ":" + bucket
	f.counts[key]++
	return f.counts[key], nil
}

// published はfakePublisherが受け取った1件分。
type published struct {
	channel Channel
	msg     *message.Message
}

// fakePublisher は投入されたメッセージを記録するPublisher。
type fakePublisher struct {
	mu   sync.Mutex
	sent []published
	err  error
}

func (f *fakePublisher) Publish(_ context.Context, channel Channel, msg *message.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, published{channel: channel, msg: msg})
	return nil
}

func (f *fakePublisher) messages() []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]published(nil), f.sent...)
}

func (f *fakePublisher) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

// fakeUsers はインメモリのUserLookup。
type fakeUsers struct {
	mu    sync.Mutex
	users map[string]*User
}

func (f *fakeUsers) GetUser(_ context.Context, userID string) (*User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[userID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUserNotFound, userID)
	}
	cp := *u
	return &cp, nil
}

func (f *fakeUsers) set(u *User) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users[u.ID] = u
}

// fakeTemplates はインメモリのTemplateLookup。
type fakeTemplates struct {
	templates map[string]*Template
}

func (f *fakeTemplates) GetTemplate(_ context.Context, code string) (*Template, error) {
	t, ok := f.templates[code]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTemplateNotFound, code)
	}
	cp := *t
	return &cp, nil
}

// fakeClock は手動で進める時計。
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// testEnv はフェイクで組み立てたServiceと各フェイクへの参照。
type testEnv struct {
	svc       *Service
	store     *fakeStore
	cache     *fakeCache
	counter   *fakeCounter
	publisher *fakePublisher
	users     *fakeUsers
	templates *fakeTemplates
	clock     *fakeClock
	hook      *test.Hook
}

// newTestEnv はユーザーu1/u2とテンプレートwelcomeを持つテスト環境を作る。
func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()

	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	env := &testEnv{
		store:     newFakeStore(),
		cache:     newFakeCache(),
		counter:   newFakeCounter(),
		publisher: &fakePublisher{},
		users: &fakeUsers{users: map[string]*User{
			"u1": {ID: "u1", Email: "ada@example.com", PushToken: "push-u1"},
			"u2": {ID: "u2", Email: "grace@example.com", PushToken: "push-u2"},
		}},
		templates: &fakeTemplates{templates: map[string]*Template{
			"welcome": {
				Code:         "welcome",
				Name:         "Welcome",
				Language:     "en",
				Subject:      "Welcome {{name}}",
				Body:         "Hello {{name}}",
				BodyHTML:     "<p>Hello {{name}}</p>",
				Placeholders: []string{"name"},
				Version:      2,
			},
		}},
		clock: &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
		hook:  hook,
	}
	env.svc = NewService(Deps{
		Store:     env.store,
		Cache:     env.cache,
		Counter:   env.counter,
		Publisher: env.publisher,
		Users:     env.users,
		Templates: env.templates,
		Logger:    logger,
		Now:       env.clock.Now,
	}, opts)
	return env
}

// welcomeRequest はu1宛てのwelcomeメールのリクエスト。
func welcomeRequest() SendRequest {
	return SendRequest{
		UserID:       "u1",
		Channel:      ChannelEmail,
		TemplateCode: "welcome",
		Data:         Payload{"name": "Ada"},
	}
}

// hasLog はレベルとメッセージが一致するログが出力されたかどうかを返す。
func hasLog(hook *test.Hook, level logrus.Level, msg string) bool {
	for _, e := range hook.AllEntries() {
		if e.Level == level && e.Message == msg {
			return true
		}
	}
	return false
}

var errBoom = errors.New("boom")
