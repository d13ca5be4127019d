package broker

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/danpasecinic/inpaintd/internal/logger"
	"github.com/danpasecinic/inpaintd/internal/types"
)

var (
	// ErrConnectionNotFound is returned for operations on an unknown connection
	ErrConnectionNotFound = errors.New("connection not found")
	// ErrBrokerClosed is returned after Close
	ErrBrokerClosed = errors.New("broker closed")
)

const defaultSendTimeout = 5 * time.Second

// Conn is one transport connection able to receive encoded events
type Conn interface {
	Send(ctx context.Context, data []byte) error
	Close() error
}

type connection struct {
	id    string
	conn  Conn
	tasks map[string]struct{}
}

// Broker tracks which connections follow which tasks and fans events out.
// Network sends never happen while the lock is held.
type Broker struct {
	mu          sync.RWMutex
	conns       map[string]*connection
	subscribers map[string]map[string]struct{}
	closed      bool

	sendTimeout time.Duration
	onTaskIdle  func(taskID string)
	logger      *zap.Logger
	now         func() time.Time
}

// Option configures a Broker
type Option func(*Broker)

// WithSendTimeout bounds each per-connection send
func WithSendTimeout(d time.Duration) Option {
	return func(b *Broker) {
		b.sendTimeout = d
	}
}

// WithTaskIdleHandler registers a callback fired when a task loses its last
// subscriber. It runs outside the broker lock.
func WithTaskIdleHandler(fn func(taskID string)) Option {
	return func(b *Broker) {
		b.onTaskIdle = fn
	}
}

// New creates an empty broker
func New(log *zap.Logger, opts ...Option) *Broker {
	b := &Broker{
		conns:       make(map[string]*connection),
		subscribers: make(map[string]map[string]struct{}),
		sendTimeout: defaultSendTimeout,
		logger:      logger.OrNop(log).With(zap.String("component", "broker")),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// SetTaskIdleHandler replaces the idle callback after construction
func (b *Broker) SetTaskIdleHandler(fn func(taskID string)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onTaskIdle = fn
}

// Connect registers a connection, optionally subscribed to taskID, and sends
// connection_established. The returned id identifies the connection.
func (b *Broker) Connect(ctx context.Context, conn Conn, taskID string) (string, error) {
	id := uuid.NewString()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return "", ErrBrokerClosed
	}
	c := &connection{id: id, conn: conn, tasks: make(map[string]struct{})}
	b.conns[id] = c
	if taskID != "" {
		b.addLocked(c, taskID)
	}
	b.mu.Unlock()

	b.logger.Debug("connection established", zap.String("connection_id", id), zap.String("task_id", taskID))

	ack := types.ConnectionEstablished{ConnectionID: id, TaskID: taskID, Timestamp: b.now()}
	if err := b.Send(ctx, id, ack); err != nil {
		return id, err
	}
	return id, nil
}

// Disconnect removes the connection from every subscriber set and closes it.
// Unknown ids are ignored.
func (b *Broker) Disconnect(connID string) {
	b.mu.Lock()
	c, ok := b.conns[connID]
	if !ok {
		b.mu.Unlock()
		return
	}
	delete(b.conns, connID)
	idle := b.dropLocked(c)
	onIdle := b.onTaskIdle
	b.mu.Unlock()

	_ = c.conn.Close()
	b.logger.Debug("connection closed", zap.String("connection_id", connID))
	notifyIdle(onIdle, idle)
}

// Subscribe adds the connection to a task's subscriber set and acknowledges
func (b *Broker) Subscribe(ctx context.Context, connID, taskID string) error {
	b.mu.Lock()
	c, ok := b.conns[connID]
	if !ok {
		b.mu.Unlock()
		return ErrConnectionNotFound
	}
	b.addLocked(c, taskID)
	b.mu.Unlock()

	return b.Send(ctx, connID, types.SubscriptionConfirmed{TaskID: taskID, Timestamp: b.now()})
}

// Unsubscribe removes the connection from a task's subscriber set and
// acknowledges. When the task has no subscribers left the idle callback fires.
func (b *Broker) Unsubscribe(ctx context.Context, connID, taskID string) error {
	b.mu.Lock()
	c, ok := b.conns[connID]
	if !ok {
		b.mu.Unlock()
		return ErrConnectionNotFound
	}
	idle := b.removeLocked(c, taskID)
	onIdle := b.onTaskIdle
	b.mu.Unlock()

	if idle {
		notifyIdle(onIdle, []string{taskID})
	}
	return b.Send(ctx, connID, types.UnsubscriptionConfirmed{TaskID: taskID, Timestamp: b.now()})
}

// Send delivers one event to one connection. A failed send disconnects it.
func (b *Broker) Send(ctx context.Context, connID string, ev types.Event) error {
	data, err := types.MarshalEvent(ev)
	if err != nil {
		return err
	}

	b.mu.RLock()
	c, ok := b.conns[connID]
	b.mu.RUnlock()
	if !ok {
		return ErrConnectionNotFound
	}

	if err := b.sendOne(ctx, c, data); err != nil {
		b.logger.Warn("send failed", zap.String("connection_id", connID), zap.Error(err))
		b.Disconnect(connID)
		return err
	}
	return nil
}

// BroadcastToTask sends ev to every subscriber of taskID and returns the
// number of successful deliveries. Failed recipients are disconnected after
// the pass; they never delay or block delivery to the others.
func (b *Broker) BroadcastToTask(ctx context.Context, taskID string, ev types.Event) int {
	b.mu.RLock()
	set := b.subscribers[taskID]
	recipients := make([]*connection, 0, len(set))
	for id := range set {
		if c, ok := b.conns[id]; ok {
			recipients = append(recipients, c)
		}
	}
	b.mu.RUnlock()

	return b.fanOut(ctx, recipients, ev)
}

// BroadcastToAll sends ev to every connection
func (b *Broker) BroadcastToAll(ctx context.Context, ev types.Event) int {
	b.mu.RLock()
	recipients := make([]*connection, 0, len(b.conns))
	for _, c := range b.conns {
		recipients = append(recipients, c)
	}
	b.mu.RUnlock()

	return b.fanOut(ctx, recipients, ev)
}

func (b *Broker) fanOut(ctx context.Context, recipients []*connection, ev types.Event) int {
	if len(recipients) == 0 {
		return 0
	}

	data, err := types.MarshalEvent(ev)
	if err != nil {
		b.logger.Error("failed to encode event", zap.String("type", string(ev.EventType())), zap.Error(err))
		return 0
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		failed    []string
		delivered int
	)
	for _, c := range recipients {
		wg.Add(1)
		go func(c *connection) {
			defer wg.Done()
			err := b.sendOne(ctx, c, data)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed = append(failed, c.id)
				return
			}
			delivered++
		}(c)
	}
	wg.Wait()

	for _, id := range failed {
		b.logger.Warn("dropping connection after failed send", zap.String("connection_id", id))
		b.Disconnect(id)
	}
	return delivered
}

func (b *Broker) sendOne(ctx context.Context, c *connection, data []byte) error {
	sendCtx, cancel := context.WithTimeout(ctx, b.sendTimeout)
	defer cancel()
	return c.conn.Send(sendCtx, data)
}

// ConnectionCount returns subscribers of taskID, or all connections when
// taskID is empty
func (b *Broker) ConnectionCount(taskID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if taskID == "" {
		return len(b.conns)
	}
	return len(b.subscribers[taskID])
}

// ActiveTasks returns the ids of tasks with at least one subscriber
func (b *Broker) ActiveTasks() []string {
	b.mu.RLock()
	tasks := make([]string, 0, len(b.subscribers))
	for id := range b.subscribers {
		tasks = append(tasks, id)
	}
	b.mu.RUnlock()

	sort.Strings(tasks)
	return tasks
}

// Close disconnects every connection and rejects new ones
func (b *Broker) Close() {
	b.mu.Lock()
	b.closed = true
	conns := make([]*connection, 0, len(b.conns))
	for _, c := range b.conns {
		conns = append(conns, c)
	}
	b.conns = make(map[string]*connection)
	b.subscribers = make(map[string]map[string]struct{})
	b.mu.Unlock()

	for _, c := range conns {
		_ = c.conn.Close()
	}
}

func (b *Broker) addLocked(c *connection, taskID string) {
	c.tasks[taskID] = struct{}{}
	set, ok := b.subscribers[taskID]
	if !ok {
		set = make(map[string]struct{})
		b.subscribers[taskID] = set
	}
	set[c.id] = struct{}{}
}

// removeLocked reports whether taskID became idle
func (b *Broker) removeLocked(c *connection, taskID string) bool {
	if _, ok := c.tasks[taskID]; !ok {
		return false
	}
	delete(c.tasks, taskID)

	set := b.subscribers[taskID]
	delete(set, c.id)
	if len(set) == 0 {
		delete(b.subscribers, taskID)
		return true
	}
	return false
}

func (b *Broker) dropLocked(c *connection) []string {
	var idle []string
	for taskID := range c.tasks {
		if b.removeLocked(c, taskID) {
			idle = append(idle, taskID)
		}
	}
	return idle
}

func notifyIdle(fn func(string), tasks []string) {
	if fn == nil {
		return
	}
	for _, id := range tasks {
		fn(id)
	}
}
