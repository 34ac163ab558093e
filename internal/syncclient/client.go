// Package syncclient keeps a local record store in step with peers through the relay.
package syncclient

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/deploysync/internal/merge"
	"github.com/MarcoPoloResearchLab/deploysync/internal/presence"
	"github.com/MarcoPoloResearchLab/deploysync/internal/protocol"
	"github.com/MarcoPoloResearchLab/deploysync/internal/records"
	"github.com/MarcoPoloResearchLab/deploysync/internal/store"
	"go.uber.org/zap"
)

const (
	defaultThrottle = time.Second
	refreshBuffer   = 32
)

var (
	// ErrReconnectExhausted indicates that Run gave up after the backoff's attempts were spent.
	ErrReconnectExhausted = errors.New("syncclient: reconnect attempts exhausted")
	// ErrNotConnected indicates that a send was attempted without an open relay connection.
	ErrNotConnected = errors.New("syncclient: not connected")

	errMissingStore = errors.New("syncclient: record store required")
	errMissingURL   = errors.New("syncclient: relay url required")
)

// Config describes the dependencies of a Client.
type Config struct {
	URL      string
	Store    *store.Store
	Dialer   Dialer
	Backoff  Backoff
	Throttle time.Duration
	Identity *presence.Identity
	Clock    func() time.Time
	Wait     func(ctx context.Context, delay time.Duration) error
	Logger   *zap.Logger
}

// Client is the sync adapter. It owns one long-lived relay connection, pushes local changes
// through it, and merges inbound changes for the deployments it watches.
type Client struct {
	url      string
	store    *store.Store
	applier  *merge.Applier
	dialer   Dialer
	backoff  Backoff
	throttle time.Duration
	identity *presence.Identity
	clock    func() time.Time
	wait     func(ctx context.Context, delay time.Duration) error
	logger   *zap.Logger

	mu        sync.Mutex
	conn      Conn
	watched   map[string]struct{}
	pending   map[string]*pendingDelta
	lastSent  map[string]time.Time
	connected chan struct{}

	refreshes chan string
}

type pendingDelta struct {
	payload deltaAccumulator
	timer   *time.Timer
}

// New constructs a Client.
func New(cfg Config) (*Client, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errMissingURL
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = WebsocketDialer{}
	}
	backoff := cfg.Backoff
	if backoff.MaxAttempts == 0 && backoff.BaseDelay == 0 && backoff.MaxDelay == 0 {
		backoff = DefaultBackoff()
	}
	throttle := cfg.Throttle
	if throttle <= 0 {
		throttle = defaultThrottle
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	wait := cfg.Wait
	if wait == nil {
		wait = waitWithContext
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		url:       cfg.URL,
		store:     cfg.Store,
		applier:   merge.NewApplier(cfg.Store, logger),
		dialer:    dialer,
		backoff:   backoff,
		throttle:  throttle,
		identity:  cfg.Identity,
		clock:     clock,
		wait:      wait,
		logger:    logger,
		watched:   make(map[string]struct{}),
		pending:   make(map[string]*pendingDelta),
		lastSent:  make(map[string]time.Time),
		connected: make(chan struct{}),
		refreshes: make(chan string, refreshBuffer),
	}, nil
}

// Watch subscribes the client to a deployment. Inbound messages for deployments that are not
// watched are ignored.
func (c *Client) Watch(deploymentID string) {
	c.mu.Lock()
	c.watched[deploymentID] = struct{}{}
	c.mu.Unlock()
}

// Unwatch stops merging inbound messages for a deployment.
func (c *Client) Unwatch(deploymentID string) {
	c.mu.Lock()
	delete(c.watched, deploymentID)
	c.mu.Unlock()
}

// Refreshes streams the ids of deployments changed by inbound messages.
func (c *Client) Refreshes() <-chan string {
	return c.refreshes
}

// Connected is closed the first time a relay connection opens.
func (c *Client) Connected() <-chan struct{} {
	return c.connected
}

// Run connects to the relay and serves the connection until ctx is cancelled. After a
// dropped or failed connection it reconnects on the backoff schedule; a successful open
// resets the schedule. Once the schedule is spent Run returns ErrReconnectExhausted.
func (c *Client) Run(ctx context.Context) error {
	c.backoff.Reset()
	var connectedOnce sync.Once
	for {
		conn, err := c.dialer.Dial(ctx, c.url)
		if err == nil {
			c.backoff.Reset()
			c.attach(conn)
			connectedOnce.Do(func() { close(c.connected) })
			c.logger.Info("relay connected", zap.String("url", c.url))
			c.onOpen(ctx)
			err = c.serve(ctx, conn)
			c.detach(conn)
		}
		if ctx.Err() != nil {
			return nil
		}
		c.logger.Warn("relay connection lost", zap.String("url", c.url), zap.Error(err))

		delay, ok := c.backoff.Next()
		if !ok {
			c.logger.Error("relay reconnect abandoned", zap.Int("attempts", c.backoff.Attempts()))
			return ErrReconnectExhausted
		}
		c.logger.Info("relay reconnect scheduled",
			zap.Duration("delay", delay),
			zap.Int("attempt", c.backoff.Attempts()))
		if err := c.wait(ctx, delay); err != nil {
			return nil
		}
	}
}

func (c *Client) attach(conn Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

func (c *Client) detach(conn Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	conn.Close() //nolint:errcheck
}

func (c *Client) serve(ctx context.Context, conn Conn) error {
	stop := context.AfterFunc(ctx, func() {
		conn.Close() //nolint:errcheck
	})
	defer stop()
	for {
		frame, err := conn.Read()
		if err != nil {
			return err
		}
		c.handleInbound(ctx, frame)
	}
}

// onOpen re-sends full state and presence for every watched deployment, then any deltas
// queued while disconnected.
func (c *Client) onOpen(ctx context.Context) {
	for _, deploymentID := range c.watchedIDs() {
		if err := c.PushFull(ctx, deploymentID); err != nil && !errors.Is(err, store.ErrNotFound) {
			c.logger.Warn("full state push failed", zap.String("deployment_id", deploymentID), zap.Error(err))
		}
		if err := c.AnnouncePresence(ctx, deploymentID); err != nil {
			c.logger.Warn("presence announce failed", zap.String("deployment_id", deploymentID), zap.Error(err))
		}
	}
	if err := c.Flush(ctx); err != nil {
		c.logger.Warn("queued delta flush failed", zap.Error(err))
	}
}

func (c *Client) handleInbound(ctx context.Context, frame []byte) {
	message, err := protocol.Decode(frame)
	if err != nil {
		c.logger.Debug("inbound frame dropped", zap.Error(err))
		return
	}
	if !c.isWatched(message.DeploymentID) {
		return
	}

	switch {
	case message.Type.IsSync():
		if _, err := c.applier.Apply(ctx, message); err != nil {
			c.logger.Error("inbound sync apply failed",
				zap.String("type", string(message.Type)),
				zap.String("deployment_id", message.DeploymentID),
				zap.Error(err))
			return
		}
	case message.Type == protocol.KindPresence:
		if err := presence.ApplyBroadcast(ctx, c.store, message); err != nil {
			c.logger.Error("presence apply failed", zap.String("deployment_id", message.DeploymentID), zap.Error(err))
			return
		}
	default:
		return
	}
	c.notifyRefresh(message.DeploymentID)
}

func (c *Client) notifyRefresh(deploymentID string) {
	select {
	case c.refreshes <- deploymentID:
	default:
	}
}

// PushFull sends the deployment's complete local state as SYNC_STATE.
func (c *Client) PushFull(ctx context.Context, deploymentID string) error {
	snapshot, err := c.store.LoadSnapshot(ctx, deploymentID)
	if err != nil {
		return err
	}
	payload := protocol.Payload{
		Deployment:    snapshot.Deployment,
		Steps:         snapshot.Steps,
		Prerequisites: snapshot.Prerequisites,
		Info:          snapshot.Info,
	}
	return c.send(protocol.NewSyncState(deploymentID, payload, c.clock()))
}

// PushFullSync sends the deployment's dependents as FULL_SYNC so peers drop any they hold
// beyond these. It carries removals that deltas cannot express.
func (c *Client) PushFullSync(ctx context.Context, deploymentID string) error {
	snapshot, err := c.store.LoadSnapshot(ctx, deploymentID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	payload := protocol.Payload{
		Steps:         snapshot.Steps,
		Prerequisites: snapshot.Prerequisites,
		Info:          snapshot.Info,
	}
	return c.send(protocol.NewFullSync(deploymentID, payload))
}

// AnnouncePresence sends PRESENCE_UPDATE for the configured identity.
func (c *Client) AnnouncePresence(_ context.Context, deploymentID string) error {
	if c.identity == nil {
		return nil
	}
	return c.send(presence.NewUpdate(deploymentID, *c.identity))
}

// PushDelta queues changed records for a deployment. The first delta after a quiet interval
// goes out at once; later ones within the throttle interval are merged and sent together
// when it elapses.
func (c *Client) PushDelta(_ context.Context, deploymentID string, changes protocol.Payload) error {
	if changes.Empty() {
		return nil
	}
	c.mu.Lock()
	entry, ok := c.pending[deploymentID]
	if !ok {
		entry = &pendingDelta{payload: newDeltaAccumulator()}
		c.pending[deploymentID] = entry
	}
	entry.payload.add(changes)

	now := c.clock()
	next := c.lastSent[deploymentID].Add(c.throttle)
	if now.Before(next) {
		if entry.timer == nil {
			entry.timer = time.AfterFunc(next.Sub(now), func() {
				if err := c.flushDeployment(deploymentID); err != nil && !errors.Is(err, ErrNotConnected) {
					c.logger.Warn("throttled delta send failed", zap.String("deployment_id", deploymentID), zap.Error(err))
				}
			})
		}
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()
	return c.flushDeployment(deploymentID)
}

// Flush sends every queued delta immediately.
func (c *Client) Flush(_ context.Context) error {
	c.mu.Lock()
	ids := make([]string, 0, len(c.pending))
	for deploymentID := range c.pending {
		ids = append(ids, deploymentID)
	}
	c.mu.Unlock()
	sort.Strings(ids)

	var errs []error
	for _, deploymentID := range ids {
		if err := c.flushDeployment(deploymentID); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", deploymentID, err))
		}
	}
	return errors.Join(errs...)
}

// Pending reports how many deployments have queued deltas.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Client) flushDeployment(deploymentID string) error {
	c.mu.Lock()
	entry, ok := c.pending[deploymentID]
	if !ok {
		c.mu.Unlock()
		return nil
	}
	if entry.timer != nil {
		entry.timer.Stop()
		entry.timer = nil
	}
	if c.conn == nil {
		c.mu.Unlock()
		return ErrNotConnected
	}
	delete(c.pending, deploymentID)
	c.lastSent[deploymentID] = c.clock()
	payload := entry.payload.payload()
	c.mu.Unlock()

	if err := c.send(protocol.NewDelta(deploymentID, payload)); err != nil {
		c.requeue(deploymentID, entry)
		return err
	}
	return nil
}

// requeue puts a delta whose send failed back in front of anything queued since, so newer
// copies of the same records still win.
func (c *Client) requeue(deploymentID string, failed *pendingDelta) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if newer, ok := c.pending[deploymentID]; ok {
		failed.payload.add(newer.payload.payload())
		failed.timer = newer.timer
	}
	c.pending[deploymentID] = failed
}

func (c *Client) send(message protocol.Message) error {
	frame, err := protocol.Encode(message)
	if err != nil {
		return err
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	if err := conn.Write(frame); err != nil {
		c.logger.Warn("relay send failed",
			zap.String("type", string(message.Type)),
			zap.String("deployment_id", message.DeploymentID),
			zap.Error(err))
		return err
	}
	return nil
}

func (c *Client) isWatched(deploymentID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.watched[deploymentID]
	return ok
}

func (c *Client) watchedIDs() []string {
	c.mu.Lock()
	ids := make([]string, 0, len(c.watched))
	for deploymentID := range c.watched {
		ids = append(ids, deploymentID)
	}
	c.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// deltaAccumulator merges queued payloads; a later copy of a record replaces an earlier one.
type deltaAccumulator struct {
	deployment    *records.Deployment
	steps         map[string]records.Step
	prerequisites map[string]records.Prerequisite
	info          map[string]records.Note
}

func newDeltaAccumulator() deltaAccumulator {
	return deltaAccumulator{}
}

func (d *deltaAccumulator) add(changes protocol.Payload) {
	if changes.Deployment != nil {
		deployment := *changes.Deployment
		d.deployment = &deployment
	}
	if changes.Steps != nil {
		if d.steps == nil {
			d.steps = make(map[string]records.Step)
		}
		for _, step := range changes.Steps {
			d.steps[step.ID] = step
		}
	}
	if changes.Prerequisites != nil {
		if d.prerequisites == nil {
			d.prerequisites = make(map[string]records.Prerequisite)
		}
		for _, prerequisite := range changes.Prerequisites {
			d.prerequisites[prerequisite.ID] = prerequisite
		}
	}
	if changes.Info != nil {
		if d.info == nil {
			d.info = make(map[string]records.Note)
		}
		for _, note := range changes.Info {
			d.info[note.ID] = note
		}
	}
}

func (d *deltaAccumulator) payload() protocol.Payload {
	payload := protocol.Payload{Deployment: d.deployment}
	if d.steps != nil {
		payload.Steps = sortedValues(d.steps)
	}
	if d.prerequisites != nil {
		payload.Prerequisites = sortedValues(d.prerequisites)
	}
	if d.info != nil {
		payload.Info = sortedValues(d.info)
	}
	return payload
}

func sortedValues[T any](byID map[string]T) []T {
	ids := make([]string, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	values := make([]T, 0, len(ids))
	for _, id := range ids {
		values = append(values, byID[id])
	}
	return values
}
