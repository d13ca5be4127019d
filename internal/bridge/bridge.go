package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/danpasecinic/inpaintd/internal/logger"
	"github.com/danpasecinic/inpaintd/internal/types"
)

var (
	// ErrNotConnected is returned when the bridge has given up or was stopped
	ErrNotConnected = errors.New("bridge not connected")
	// ErrAlreadyStarted is returned by a second Start
	ErrAlreadyStarted = errors.New("bridge already started")
)

// Sink receives relayed events. It is implemented by the broker.
type Sink interface {
	BroadcastToTask(ctx context.Context, taskID string, ev types.Event) int
}

// Config holds bridge settings
type Config struct {
	URL                  string
	MaxReconnectAttempts int
	ReconnectDelay       time.Duration
	PingInterval         time.Duration
	FinishedCacheSize    int
}

// DefaultConfig returns the settings used when fields are left zero
func DefaultConfig() Config {
	return Config{
		MaxReconnectAttempts: 5,
		ReconnectDelay:       5 * time.Second,
		PingInterval:         30 * time.Second,
		FinishedCacheSize:    4096,
	}
}

// Hooks are invoked from the receive loop after an event has been relayed
type Hooks struct {
	// OnTerminal fires exactly once per remote task id
	OnTerminal func(localID string, ev types.TaskEvent)
	OnProgress func(localID string, ev types.ProgressUpdate)
	// IsTerminal lets the owner suppress relays for tasks it already finished
	IsTerminal func(localID string) bool
}

// Bridge keeps one outbound event-stream link to a remote orchestrator and
// relays its events into the local broker under local task ids.
type Bridge struct {
	cfg    Config
	dialer Dialer
	sink   Sink
	hooks  Hooks
	logger *zap.Logger

	mu       sync.Mutex
	conn     StreamConn
	active   map[string]struct{}
	mapping  map[string]string
	finished *lru.Cache[string, struct{}]
	gaveUp   bool

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a bridge; call Start to connect
func New(cfg Config, dialer Dialer, sink Sink, hooks Hooks, log *zap.Logger) (*Bridge, error) {
	defaults := DefaultConfig()
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = defaults.MaxReconnectAttempts
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = defaults.ReconnectDelay
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaults.PingInterval
	}
	if cfg.FinishedCacheSize <= 0 {
		cfg.FinishedCacheSize = defaults.FinishedCacheSize
	}
	if dialer == nil {
		dialer = WSDialer{}
	}

	finished, err := lru.New[string, struct{}](cfg.FinishedCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create finished cache: %w", err)
	}

	return &Bridge{
		cfg:      cfg,
		dialer:   dialer,
		sink:     sink,
		hooks:    hooks,
		logger:   logger.OrNop(log).With(zap.String("component", "bridge"), zap.String("url", cfg.URL)),
		active:   make(map[string]struct{}),
		mapping:  make(map[string]string),
		finished: finished,
	}, nil
}

// SetHooks replaces the hooks. Must be called before Start.
func (b *Bridge) SetHooks(h Hooks) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.hooks = h
}

// Start launches the connection loop in the background
func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.done != nil {
		return ErrAlreadyStarted
	}

	ctx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.done = make(chan struct{})
	go b.run(ctx)
	return nil
}

// Stop closes the link and waits for the loop to exit
func (b *Bridge) Stop() {
	b.mu.Lock()
	cancel := b.cancel
	done := b.done
	conn := b.conn
	b.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	if conn != nil {
		_ = conn.Close()
	}
	<-done
}

// Connected reports whether the link is currently up
func (b *Bridge) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conn != nil
}

// SubscribeToTask records interest in a remote task and forwards it upstream
// when connected. Interest survives reconnects.
func (b *Bridge) SubscribeToTask(ctx context.Context, remoteID string) error {
	b.mu.Lock()
	if b.gaveUp {
		b.mu.Unlock()
		return ErrNotConnected
	}
	b.active[remoteID] = struct{}{}
	conn := b.conn
	b.mu.Unlock()

	if conn == nil {
		b.logger.Debug("subscription queued until connected", zap.String("remote_id", remoteID))
		return nil
	}
	return b.write(ctx, conn, types.SubscribeTask{TaskID: remoteID})
}

// UnsubscribeFromTask drops interest in a remote task
func (b *Bridge) UnsubscribeFromTask(ctx context.Context, remoteID string) error {
	b.mu.Lock()
	_, wasActive := b.active[remoteID]
	delete(b.active, remoteID)
	conn := b.conn
	b.mu.Unlock()

	if !wasActive || conn == nil {
		return nil
	}
	return b.write(ctx, conn, types.UnsubscribeTask{TaskID: remoteID})
}

// AddTaskMapping translates future events for remoteID to localID
func (b *Bridge) AddTaskMapping(remoteID, localID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.mapping[remoteID] = localID
}

// RemoveTaskMapping forgets the translation for remoteID
func (b *Bridge) RemoveTaskMapping(remoteID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.mapping, remoteID)
}

// Release stops relaying a remote task whose local owner gave up on it
func (b *Bridge) Release(ctx context.Context, remoteID string) {
	b.mu.Lock()
	delete(b.mapping, remoteID)
	b.finished.Add(remoteID, struct{}{})
	b.mu.Unlock()

	if err := b.UnsubscribeFromTask(ctx, remoteID); err != nil {
		b.logger.Debug("release unsubscribe failed", zap.String("remote_id", remoteID), zap.Error(err))
	}
}

// LocalID translates a remote id; unmapped ids are already local
func (b *Bridge) LocalID(remoteID string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.localLocked(remoteID)
}

// ActiveSubscriptions returns the remote ids currently subscribed
func (b *Bridge) ActiveSubscriptions() []string {
	b.mu.Lock()
	ids := make([]string, 0, len(b.active))
	for id := range b.active {
		ids = append(ids, id)
	}
	b.mu.Unlock()

	sort.Strings(ids)
	return ids
}

// HandleTaskIdle drops upstream subscriptions relayed for a local task that
// lost its last local subscriber. Mapped tasks are owned by a running job
// and stay subscribed.
func (b *Bridge) HandleTaskIdle(localID string) {
	b.mu.Lock()
	var drop []string
	for remoteID := range b.active {
		if _, mapped := b.mapping[remoteID]; mapped {
			continue
		}
		if remoteID == localID {
			drop = append(drop, remoteID)
		}
	}
	b.mu.Unlock()

	for _, remoteID := range drop {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := b.UnsubscribeFromTask(ctx, remoteID); err != nil {
			b.logger.Debug("idle unsubscribe failed", zap.String("remote_id", remoteID), zap.Error(err))
		}
		cancel()
	}
}

func (b *Bridge) localLocked(remoteID string) string {
	if local, ok := b.mapping[remoteID]; ok {
		return local
	}
	return remoteID
}

func (b *Bridge) run(ctx context.Context) {
	defer close(b.done)

	for {
		conn, err := b.connect(ctx)
		if err != nil {
			if ctx.Err() == nil {
				b.logger.Error(
					"giving up on remote orchestrator",
					zap.Int("attempts", b.cfg.MaxReconnectAttempts),
					zap.Error(err),
				)
				b.mu.Lock()
				b.gaveUp = true
				b.mu.Unlock()
			}
			return
		}

		b.logger.Info("connected to remote orchestrator")

		// connCtx ends with this connection; closing the socket unblocks the reader
		connCtx, stopConn := context.WithCancel(ctx)
		workers := make(chan struct{}, 2)
		go func() {
			<-connCtx.Done()
			_ = conn.Close()
			workers <- struct{}{}
		}()
		go func() {
			b.pingLoop(connCtx, conn)
			workers <- struct{}{}
		}()

		b.resubscribe(connCtx, conn)
		err = b.readLoop(connCtx, conn)

		stopConn()
		<-workers
		<-workers

		b.mu.Lock()
		if b.conn == conn {
			b.conn = nil
		}
		b.mu.Unlock()

		if ctx.Err() != nil {
			return
		}
		b.logger.Warn("connection to remote orchestrator lost", zap.Error(err))
	}
}

// connect dials with a bounded number of attempts and a fixed delay
func (b *Bridge) connect(ctx context.Context) (StreamConn, error) {
	var lastErr error
	for attempt := 1; attempt <= b.cfg.MaxReconnectAttempts; attempt++ {
		conn, err := b.dialer.Dial(ctx, b.cfg.URL)
		if err == nil {
			b.mu.Lock()
			b.conn = conn
			b.mu.Unlock()
			return conn, nil
		}
		lastErr = err
		b.logger.Warn("dial failed", zap.Int("attempt", attempt), zap.Error(err))

		if attempt == b.cfg.MaxReconnectAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(b.cfg.ReconnectDelay):
		}
	}
	return nil, lastErr
}

func (b *Bridge) resubscribe(ctx context.Context, conn StreamConn) {
	for _, remoteID := range b.ActiveSubscriptions() {
		if err := b.write(ctx, conn, types.SubscribeTask{TaskID: remoteID}); err != nil {
			b.logger.Warn("resubscribe failed", zap.String("remote_id", remoteID), zap.Error(err))
			return
		}
	}
}

func (b *Bridge) pingLoop(ctx context.Context, conn StreamConn) {
	ticker := time.NewTicker(b.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			ts, _ := json.Marshal(now.UTC().Format(time.RFC3339Nano))
			if err := b.write(ctx, conn, types.Ping{Timestamp: ts}); err != nil {
				b.logger.Debug("ping failed", zap.Error(err))
				return
			}
		}
	}
}

func (b *Bridge) readLoop(ctx context.Context, conn StreamConn) error {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		b.handle(ctx, conn, data)
	}
}

func (b *Bridge) handle(ctx context.Context, conn StreamConn, data []byte) {
	ev, err := types.UnmarshalEvent(data)
	if err != nil {
		if msg, cerr := types.UnmarshalControl(data); cerr == nil {
			if ping, ok := msg.(types.Ping); ok {
				_ = b.write(ctx, conn, types.Pong(ping))
			}
			return
		}
		b.logger.Debug("ignoring undecodable message", zap.Error(err))
		return
	}

	switch e := ev.(type) {
	case types.TaskEvent:
		b.relay(ctx, e)
	case types.ErrorReply:
		b.logger.Warn("remote error", zap.String("message", e.Message), zap.String("remote_id", e.TaskID))
	}
}

// relay translates and rebroadcasts one task event. The first terminal event
// per remote id clears its mapping and subscription; later ones are dropped.
func (b *Bridge) relay(ctx context.Context, ev types.TaskEvent) {
	remoteID := ev.EventTaskID()
	terminal := types.IsTerminalEvent(ev)

	b.mu.Lock()
	if b.finished.Contains(remoteID) {
		b.mu.Unlock()
		b.logger.Debug("dropping event for finished task", zap.String("remote_id", remoteID))
		return
	}
	localID := b.localLocked(remoteID)
	_, wasActive := b.active[remoteID]
	if terminal {
		b.finished.Add(remoteID, struct{}{})
		delete(b.mapping, remoteID)
		delete(b.active, remoteID)
	}
	hooks := b.hooks
	conn := b.conn
	b.mu.Unlock()

	if hooks.IsTerminal != nil && hooks.IsTerminal(localID) {
		return
	}

	translated := ev.WithTaskID(localID)
	if b.sink != nil {
		b.sink.BroadcastToTask(ctx, localID, translated)
	}

	if terminal {
		if wasActive && conn != nil {
			_ = b.write(ctx, conn, types.UnsubscribeTask{TaskID: remoteID})
		}
		if hooks.OnTerminal != nil {
			hooks.OnTerminal(localID, translated)
		}
		return
	}

	if pu, ok := translated.(types.ProgressUpdate); ok && hooks.OnProgress != nil {
		hooks.OnProgress(localID, pu)
	}
}

func (b *Bridge) write(ctx context.Context, conn StreamConn, msg interface{}) error {
	var (
		data []byte
		err  error
	)
	switch m := msg.(type) {
	case types.ControlMessage:
		data, err = types.MarshalControl(m)
	case types.Event:
		data, err = types.MarshalEvent(m)
	default:
		return fmt.Errorf("unsupported message %T", msg)
	}
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return conn.WriteMessage(ctx, data)
}
