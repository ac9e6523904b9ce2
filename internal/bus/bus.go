package bus

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ShayCichocki/conclave/internal/errs"
	"github.com/ShayCichocki/conclave/internal/logging"
	"github.com/ShayCichocki/conclave/internal/transparency"
)

// Defaults for bus housekeeping.
const (
	DefaultRequestTimeout = 30 * time.Second
	DefaultHistoryTTL     = 24 * time.Hour
	DefaultSafetyMargin   = 30 * time.Second
	DefaultHistoryLimit   = 500
)

type agent struct {
	id          string
	role        string
	workspaceID string
	mailbox     *mailbox
	history     []Message
	context     map[string]any
}

type workspace struct {
	members map[string]struct{}
	shared  map[string]any
}

type subscription struct {
	id      string
	types   map[MessageType]bool
	handler Handler
}

func (s *subscription) matches(t MessageType) bool {
	return s.types[Wildcard] || s.types[t]
}

// pendingKey identifies an outstanding request by the session expected to
// answer it and the correlation id the answer must carry.
type pendingKey struct {
	target        string
	correlationID string
}

type pendingResult struct {
	payload any
	err     error
}

type pendingRequest struct {
	requester string
	createdAt time.Time
	timeout   time.Duration
	result    chan pendingResult
}

// Bus routes messages between registered sessions.
type Bus struct {
	mu         sync.RWMutex
	agents     map[string]*agent
	workspaces map[string]*workspace
	subs       map[string][]*subscription // session id -> subscriptions, in registration order
	subOwner   map[string]string          // subscription id -> session id
	pending    map[pendingKey]*pendingRequest
	closed     bool

	ctx    context.Context
	cancel context.CancelFunc

	requestTimeout time.Duration
	historyTTL     time.Duration
	safetyMargin   time.Duration
	historyLimit   int

	now      func() time.Time
	logger   *logging.Logger
	recorder transparency.Recorder
	observer Observer
}

// Option configures a Bus.
type Option func(*Bus)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(b *Bus) { b.logger = l.WithComponent("bus") }
}

// WithRecorder sets where handler errors and request timeouts are recorded.
func WithRecorder(r transparency.Recorder) Option {
	return func(b *Bus) { b.recorder = r }
}

// WithObserver sets the activity observer.
func WithObserver(o Observer) Option {
	return func(b *Bus) { b.observer = o }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(b *Bus) { b.now = now }
}

// WithRequestTimeout sets the default timeout of SendMessageWithResponse.
func WithRequestTimeout(d time.Duration) Option {
	return func(b *Bus) {
		if d > 0 {
			b.requestTimeout = d
		}
	}
}

// WithHistory sets the per-session history bound and its time to live.
func WithHistory(limit int, ttl time.Duration) Option {
	return func(b *Bus) {
		if limit > 0 {
			b.historyLimit = limit
		}
		if ttl > 0 {
			b.historyTTL = ttl
		}
	}
}

// WithSafetyMargin sets how long past its timeout a pending request may
// linger before Sweep force-rejects it.
func WithSafetyMargin(d time.Duration) Option {
	return func(b *Bus) {
		if d >= 0 {
			b.safetyMargin = d
		}
	}
}

// New creates a bus.
func New(opts ...Option) *Bus {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		agents:         make(map[string]*agent),
		workspaces:     make(map[string]*workspace),
		subs:           make(map[string][]*subscription),
		subOwner:       make(map[string]string),
		pending:        make(map[pendingKey]*pendingRequest),
		ctx:            ctx,
		cancel:         cancel,
		requestTimeout: DefaultRequestTimeout,
		historyTTL:     DefaultHistoryTTL,
		safetyMargin:   DefaultSafetyMargin,
		historyLimit:   DefaultHistoryLimit,
		now:            time.Now,
		logger:         logging.Nop(),
		recorder:       transparency.Nop{},
		observer:       nopObserver{},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// RegisterAgent makes a session addressable and places it in a workspace.
func (b *Bus) RegisterAgent(sessionID, role, workspaceID string) error {
	if sessionID == "" || workspaceID == "" {
		return errs.Validation("register agent: session and workspace ids are required")
	}
	if sessionID == BroadcastRecipient {
		return errs.Validation("register agent: %q is reserved", sessionID)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	if _, ok := b.agents[sessionID]; ok {
		return errs.Validation("register agent: session %s already registered", sessionID)
	}

	a := &agent{
		id:          sessionID,
		role:        role,
		workspaceID: workspaceID,
		context:     make(map[string]any),
	}
	a.mailbox = newMailbox(func(msg Message) { b.deliver(sessionID, msg) })
	b.agents[sessionID] = a

	ws := b.workspaces[workspaceID]
	if ws == nil {
		ws = &workspace{members: make(map[string]struct{}), shared: make(map[string]any)}
		b.workspaces[workspaceID] = ws
	}
	ws.members[sessionID] = struct{}{}

	b.logger.Debug("agent registered", "session_id", sessionID, "role", role, "workspace_id", workspaceID)
	return nil
}

// UnregisterAgent removes a session, drops its subscriptions and rejects
// every pending request it issued or was expected to answer.
func (b *Bus) UnregisterAgent(sessionID string) error {
	b.mu.Lock()
	a, ok := b.agents[sessionID]
	if !ok {
		b.mu.Unlock()
		return errs.NotFound("unregister agent: session %s", sessionID)
	}
	delete(b.agents, sessionID)
	for _, s := range b.subs[sessionID] {
		delete(b.subOwner, s.id)
	}
	delete(b.subs, sessionID)

	if ws := b.workspaces[a.workspaceID]; ws != nil {
		delete(ws.members, sessionID)
		if len(ws.members) == 0 {
			delete(b.workspaces, a.workspaceID)
		}
	}

	reason := fmt.Errorf("%w: %s", ErrAgentUnregistered, sessionID)
	for key, p := range b.pending {
		if key.target == sessionID || p.requester == sessionID {
			b.rejectLocked(key, reason)
		}
	}
	n := len(b.pending)
	b.mu.Unlock()

	a.mailbox.stop()
	b.observer.PendingRequests(n)
	b.logger.Debug("agent unregistered", "session_id", sessionID)
	return nil
}

// IsRegistered reports whether the session is on the bus.
func (b *Bus) IsRegistered(sessionID string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.agents[sessionID]
	return ok
}

// Agents returns the sorted session ids registered in a workspace.
func (b *Bus) Agents(workspaceID string) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ws := b.workspaces[workspaceID]
	if ws == nil {
		return nil
	}
	ids := make([]string, 0, len(ws.members))
	for id := range ws.members {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Subscribe registers handler for the given message types on behalf of a
// session. Wildcard matches every type; an empty list means Wildcard.
func (b *Bus) Subscribe(sessionID string, types []MessageType, handler Handler) (string, error) {
	if handler == nil {
		return "", errs.Validation("subscribe: handler is required")
	}
	set := make(map[MessageType]bool, len(types))
	for _, t := range types {
		if t != Wildcard && !t.Valid() {
			return "", errs.Validation("subscribe: unknown message type %q", t)
		}
		set[t] = true
	}
	if len(set) == 0 {
		set[Wildcard] = true
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.agents[sessionID]; !ok {
		return "", errs.NotFound("subscribe: session %s", sessionID)
	}
	s := &subscription{id: uuid.NewString(), types: set, handler: handler}
	b.subs[sessionID] = append(b.subs[sessionID], s)
	b.subOwner[s.id] = sessionID
	return s.id, nil
}

// Unsubscribe removes a subscription. It reports whether it existed.
func (b *Bus) Unsubscribe(subID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	sessionID, ok := b.subOwner[subID]
	if !ok {
		return false
	}
	delete(b.subOwner, subID)
	subs := b.subs[sessionID]
	for i, s := range subs {
		if s.id == subID {
			b.subs[sessionID] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	return true
}

// SendMessage delivers msg asynchronously. A direct message goes to its
// target; a broadcast goes to every other session in the sender's
// workspace. A message carrying the correlation id of a pending request,
// sent by that request's target, resolves the request instead of being
// handed to subscribers.
func (b *Bus) SendMessage(msg Message) error {
	msg, err := b.prepare(msg)
	if err != nil {
		return err
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}

	if msg.CorrelationID != "" {
		key := pendingKey{target: msg.From, correlationID: msg.CorrelationID}
		if p, ok := b.pending[key]; ok && p.requester == msg.To {
			delete(b.pending, key)
			b.recordHistoryLocked(msg.From, msg)
			b.recordHistoryLocked(msg.To, msg)
			n := len(b.pending)
			b.mu.Unlock()

			p.result <- pendingResult{payload: msg.Payload}
			b.observer.MessageSent(string(msg.Type))
			b.observer.PendingRequests(n)
			return nil
		}
	}

	recipients, err := b.recipientsLocked(msg)
	if err != nil {
		b.mu.Unlock()
		return err
	}
	b.recordHistoryLocked(msg.From, msg)
	boxes := make([]*mailbox, 0, len(recipients))
	for _, a := range recipients {
		b.recordHistoryLocked(a.id, msg)
		boxes = append(boxes, a.mailbox)
	}
	b.mu.Unlock()

	for _, box := range boxes {
		box.push(msg)
	}
	b.observer.MessageSent(string(msg.Type))
	return nil
}

// SendMessageWithResponse sends a direct message and waits for the target
// to answer it via Reply. The outcome is exactly one of: the reply payload,
// a timeout (errs.ErrTimeout), cancellation of ctx, or rejection because a
// party unregistered or the bus closed. timeout <= 0 uses the bus default.
func (b *Bus) SendMessageWithResponse(ctx context.Context, msg Message, timeout time.Duration) (any, error) {
	if msg.IsBroadcast() || msg.To == "" {
		return nil, errs.Validation("request: a single target session is required")
	}
	if timeout <= 0 {
		timeout = b.requestTimeout
	}
	msg.CorrelationID = uuid.NewString()
	key := pendingKey{target: msg.To, correlationID: msg.CorrelationID}
	p := &pendingRequest{
		requester: msg.From,
		createdAt: b.now(),
		timeout:   timeout,
		result:    make(chan pendingResult, 1),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	b.pending[key] = p
	n := len(b.pending)
	b.mu.Unlock()
	b.observer.PendingRequests(n)

	if err := b.SendMessage(msg); err != nil {
		b.removePending(key)
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-p.result:
		return r.payload, r.err
	case <-timer.C:
		if b.removePending(key) {
			err := errs.Timeout("request %s to %s after %s", msg.CorrelationID, msg.To, timeout)
			b.requestTimedOut(msg, err)
			return nil, err
		}
	case <-ctx.Done():
		if b.removePending(key) {
			return nil, ctx.Err()
		}
	}
	// Lost the race to a reply or rejection that already owns the outcome.
	r := <-p.result
	return r.payload, r.err
}

// Reply answers a request received by a handler. The reply travels from
// the original target back to the original sender with the same
// correlation id.
func (b *Bus) Reply(original Message, typ MessageType, payload any) error {
	if original.IsBroadcast() {
		return errs.Validation("reply: cannot reply to a broadcast")
	}
	if original.CorrelationID == "" {
		return errs.Validation("reply: message %s is not a request", original.ID)
	}
	return b.SendMessage(Message{
		From:          original.To,
		To:            original.From,
		Type:          typ,
		Payload:       payload,
		CorrelationID: original.CorrelationID,
	})
}

// ShareContext stores value under key in the session's own context bucket
// and in its workspace's shared data (last write wins), then broadcasts a
// context_share message to the rest of the workspace.
func (b *Bus) ShareContext(sessionID, key string, value any) error {
	if key == "" {
		return errs.Validation("share context: key is required")
	}

	b.mu.Lock()
	a, ok := b.agents[sessionID]
	if !ok {
		b.mu.Unlock()
		return errs.NotFound("share context: session %s", sessionID)
	}
	a.context[key] = value
	if ws := b.workspaces[a.workspaceID]; ws != nil {
		ws.shared[key] = value
	}
	b.mu.Unlock()

	return b.SendMessage(Message{
		From:    sessionID,
		To:      BroadcastRecipient,
		Type:    MessageContextShare,
		Payload: ContextShare{Key: key, Value: value},
	})
}

// SharedContext returns a copy of a workspace's shared data.
func (b *Bus) SharedContext(workspaceID string) map[string]any {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]any)
	if ws := b.workspaces[workspaceID]; ws != nil {
		for k, v := range ws.shared {
			out[k] = v
		}
	}
	return out
}

// AgentContext returns a copy of the values a session has shared.
func (b *Bus) AgentContext(sessionID string) map[string]any {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]any)
	if a := b.agents[sessionID]; a != nil {
		for k, v := range a.context {
			out[k] = v
		}
	}
	return out
}

// History returns the messages sent or received by a session, oldest first.
func (b *Bus) History(sessionID string) []Message {
	b.mu.RLock()
	defer b.mu.RUnlock()
	a := b.agents[sessionID]
	if a == nil {
		return nil
	}
	out := make([]Message, len(a.history))
	copy(out, a.history)
	return out
}

// PendingCount returns the number of outstanding requests.
func (b *Bus) PendingCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.pending)
}

// SweepResult reports what a Sweep removed.
type SweepResult struct {
	PrunedMessages  int
	ExpiredRequests int
}

// Sweep prunes history older than the TTL and force-rejects requests that
// outlived their timeout by more than the safety margin.
func (b *Bus) Sweep(now time.Time) SweepResult {
	var res SweepResult
	var expired []pendingKey

	b.mu.Lock()
	cutoff := now.Add(-b.historyTTL)
	for _, a := range b.agents {
		keep := 0
		for keep < len(a.history) && a.history[keep].Timestamp.Before(cutoff) {
			keep++
		}
		if keep > 0 {
			res.PrunedMessages += keep
			a.history = append([]Message(nil), a.history[keep:]...)
		}
	}
	for key, p := range b.pending {
		if now.Sub(p.createdAt) > p.timeout+b.safetyMargin {
			b.rejectLocked(key, errs.Timeout("request %s to %s swept", key.correlationID, key.target))
			expired = append(expired, key)
		}
	}
	n := len(b.pending)
	b.mu.Unlock()

	res.ExpiredRequests = len(expired)
	for _, key := range expired {
		b.recorder.Record(context.Background(), transparency.Event{
			Type:    transparency.EventRequestTimeout,
			AgentID: key.target,
			Success: transparency.Bool(false),
			Error:   "pending request swept",
			Metadata: map[string]any{
				"correlation_id": key.correlationID,
			},
		})
	}
	if len(expired) > 0 {
		b.observer.PendingRequests(n)
	}
	if res.PrunedMessages > 0 || res.ExpiredRequests > 0 {
		b.logger.Debug("bus sweep", "pruned_messages", res.PrunedMessages, "expired_requests", res.ExpiredRequests)
	}
	return res
}

// Close stops every delivery goroutine and rejects all pending requests.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	boxes := make([]*mailbox, 0, len(b.agents))
	for _, a := range b.agents {
		boxes = append(boxes, a.mailbox)
	}
	for key := range b.pending {
		b.rejectLocked(key, ErrClosed)
	}
	b.mu.Unlock()

	b.cancel()
	for _, box := range boxes {
		box.stop()
	}
	b.observer.PendingRequests(0)
	return nil
}

func (b *Bus) prepare(msg Message) (Message, error) {
	if msg.To == "" {
		return msg, errs.Validation("send message: recipient is required")
	}
	if !msg.Type.Valid() {
		return msg, errs.Validation("send message: unknown message type %q", msg.Type)
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = b.now()
	}
	return msg, nil
}

func (b *Bus) recipientsLocked(msg Message) ([]*agent, error) {
	if !msg.IsBroadcast() {
		a, ok := b.agents[msg.To]
		if !ok {
			return nil, errs.NotFound("send message: recipient %s", msg.To)
		}
		return []*agent{a}, nil
	}

	sender, ok := b.agents[msg.From]
	if !ok {
		return nil, errs.NotFound("broadcast: sender %s is not registered", msg.From)
	}
	ws := b.workspaces[sender.workspaceID]
	ids := make([]string, 0, len(ws.members))
	for id := range ws.members {
		if id != msg.From {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	out := make([]*agent, 0, len(ids))
	for _, id := range ids {
		out = append(out, b.agents[id])
	}
	return out, nil
}

func (b *Bus) recordHistoryLocked(sessionID string, msg Message) {
	a := b.agents[sessionID]
	if a == nil {
		return
	}
	a.history = append(a.history, msg)
	if over := len(a.history) - b.historyLimit; over > 0 {
		a.history = append([]Message(nil), a.history[over:]...)
	}
}

// rejectLocked settles a pending request with err. Deleting the map entry
// is what claims the outcome, so each request is settled once.
func (b *Bus) rejectLocked(key pendingKey, err error) {
	p, ok := b.pending[key]
	if !ok {
		return
	}
	delete(b.pending, key)
	p.result <- pendingResult{err: err}
}

func (b *Bus) removePending(key pendingKey) bool {
	b.mu.Lock()
	_, ok := b.pending[key]
	delete(b.pending, key)
	n := len(b.pending)
	b.mu.Unlock()
	if ok {
		b.observer.PendingRequests(n)
	}
	return ok
}

func (b *Bus) deliver(sessionID string, msg Message) {
	b.mu.RLock()
	var handlers []*subscription
	for _, s := range b.subs[sessionID] {
		if s.matches(msg.Type) {
			handlers = append(handlers, s)
		}
	}
	ctx := b.ctx
	b.mu.RUnlock()

	for _, s := range handlers {
		if err := b.safeCall(ctx, s.handler, msg); err != nil {
			b.handlerFailed(sessionID, s.id, msg, err)
		}
	}
}

// safeCall invokes a handler, converting a panic into an error so one
// misbehaving handler cannot stop delivery to the others.
func (b *Bus) safeCall(ctx context.Context, h Handler, msg Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("bus handler panicked", "message_type", string(msg.Type), "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return h(ctx, msg)
}

func (b *Bus) handlerFailed(sessionID, subID string, msg Message, err error) {
	b.logger.Warn("bus handler failed", "session_id", sessionID, "message_id", msg.ID, "message_type", string(msg.Type), "error", err)
	b.observer.HandlerError()
	b.recorder.Record(context.Background(), transparency.Event{
		Type:      transparency.EventHandlerError,
		SessionID: sessionID,
		AgentID:   sessionID,
		Success:   transparency.Bool(false),
		Error:     err.Error(),
		Metadata: map[string]any{
			"message_id":      msg.ID,
			"message_type":    string(msg.Type),
			"from":            msg.From,
			"subscription_id": subID,
		},
	})
}

func (b *Bus) requestTimedOut(msg Message, err error) {
	b.logger.Warn("bus request timed out", "from", msg.From, "to", msg.To, "correlation_id", msg.CorrelationID)
	b.recorder.Record(context.Background(), transparency.Event{
		Type:      transparency.EventRequestTimeout,
		SessionID: msg.From,
		AgentID:   msg.To,
		Success:   transparency.Bool(false),
		Error:     err.Error(),
		Metadata: map[string]any{
			"correlation_id": msg.CorrelationID,
			"message_type":   string(msg.Type),
		},
	})
}
