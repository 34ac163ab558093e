// Package relay fans sync and presence messages out between connected clients.
package relay

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/deploysync/internal/merge"
	"github.com/MarcoPoloResearchLab/deploysync/internal/presence"
	"github.com/MarcoPoloResearchLab/deploysync/internal/protocol"
	"github.com/MarcoPoloResearchLab/deploysync/internal/records"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	defaultSendBuffer = 64
	sideEffectBuffer  = 256
)

// ErrHubStopped indicates that the hub's event loop is no longer running.
var ErrHubStopped = errors.New("relay: hub stopped")

// Archive persists relayed sync messages into a central store.
type Archive interface {
	Apply(ctx context.Context, message protocol.Message) (merge.Result, error)
}

// Bridge carries relayed sync frames between relay instances.
type Bridge interface {
	Publish(ctx context.Context, frame []byte) error
	Subscribe(ctx context.Context) (<-chan []byte, error)
}

// HubConfig describes the dependencies of a Hub.
type HubConfig struct {
	SendBuffer int
	Clock      func() time.Time
	Logger     *zap.Logger
	Archive    Archive
	Bridge     Bridge
}

type inboundFrame struct {
	from *Conn
	raw  []byte
}

type sideEffect struct {
	message protocol.Message
	frame   []byte
}

// Hub is the relay state: the open connections, the presence roster, and the last
// SYNC_STATE seen per deployment. Run owns all of it; everything else talks to it over
// channels.
type Hub struct {
	sendBuffer int
	clock      func() time.Time
	logger     *zap.Logger
	archive    Archive
	bridge     Bridge

	register   chan *Conn
	unregister chan *Conn
	inbound    chan inboundFrame
	remote     chan []byte
	queries    chan func()
	effects    chan sideEffect
	done       chan struct{}

	conns     map[*Conn]struct{}
	roster    *presence.Roster
	lastState map[string][]byte
}

// NewHub constructs a Hub. Call Run to start it.
func NewHub(cfg HubConfig) *Hub {
	sendBuffer := cfg.SendBuffer
	if sendBuffer <= 0 {
		sendBuffer = defaultSendBuffer
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		sendBuffer: sendBuffer,
		clock:      clock,
		logger:     logger,
		archive:    cfg.Archive,
		bridge:     cfg.Bridge,
		register:   make(chan *Conn),
		unregister: make(chan *Conn),
		inbound:    make(chan inboundFrame, 256),
		remote:     make(chan []byte, 256),
		queries:    make(chan func()),
		effects:    make(chan sideEffect, sideEffectBuffer),
		done:       make(chan struct{}),
		conns:      make(map[*Conn]struct{}),
		roster:     presence.NewRoster(clock),
		lastState:  make(map[string][]byte),
	}
}

// Run processes hub events until ctx is cancelled. Every open connection is closed on return.
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)
	defer h.closeAll()

	if h.bridge != nil {
		frames, err := h.bridge.Subscribe(ctx)
		if err != nil {
			h.logger.Error("relay bridge subscribe failed", zap.Error(err))
		} else {
			go h.forwardRemote(ctx, frames)
		}
	}
	go h.runSideEffects(ctx)

	for {
		select {
		case conn := <-h.register:
			conn.setState(StateOpen)
			h.conns[conn] = struct{}{}
			h.logger.Info("peer connected",
				zap.String("conn_id", conn.id),
				zap.String("remote_addr", conn.remote),
				zap.Int("peers", len(h.conns)))

		case conn := <-h.unregister:
			if _, ok := h.conns[conn]; ok {
				delete(h.conns, conn)
				conn.setState(StateClosed)
				close(conn.send)
				h.logger.Info("peer disconnected",
					zap.String("conn_id", conn.id),
					zap.Int("peers", len(h.conns)))
			}

		case frame := <-h.inbound:
			h.handleInbound(frame)

		case frame := <-h.remote:
			h.handleRemote(frame)

		case query := <-h.queries:
			query()

		case <-ctx.Done():
			return nil
		}
	}
}

// Attach registers an upgraded socket and starts its pumps.
func (h *Hub) Attach(socket *websocket.Conn) (*Conn, error) {
	conn := newConn(h, socket, h.sendBuffer)
	select {
	case h.register <- conn:
	case <-h.done:
		socket.Close()
		return nil, ErrHubStopped
	}
	go conn.writePump()
	go conn.readPump()
	return conn, nil
}

// Presence returns the collaborator list the hub holds for a deployment.
func (h *Hub) Presence(ctx context.Context, deploymentID string) ([]records.Collaborator, error) {
	var collaborators []records.Collaborator
	err := h.query(ctx, func() {
		collaborators = h.roster.Collaborators(deploymentID)
	})
	return collaborators, err
}

// LastState returns the most recent SYNC_STATE frame relayed for a deployment.
func (h *Hub) LastState(ctx context.Context, deploymentID string) ([]byte, bool, error) {
	var (
		frame []byte
		found bool
	)
	err := h.query(ctx, func() {
		frame, found = h.lastState[deploymentID]
	})
	return frame, found, err
}

// PeerCount returns the number of open connections.
func (h *Hub) PeerCount(ctx context.Context) (int, error) {
	var count int
	err := h.query(ctx, func() {
		count = len(h.conns)
	})
	return count, err
}

func (h *Hub) query(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	wrapped := func() {
		fn()
		close(finished)
	}
	select {
	case h.queries <- wrapped:
	case <-h.done:
		return ErrHubStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	<-finished
	return nil
}

func (h *Hub) deliver(frame inboundFrame) bool {
	select {
	case h.inbound <- frame:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) unregisterConn(conn *Conn) {
	select {
	case h.unregister <- conn:
	case <-h.done:
	}
}

func (h *Hub) handleInbound(frame inboundFrame) {
	message, err := protocol.Decode(frame.raw)
	if err != nil {
		h.logger.Debug("inbound frame dropped", zap.String("conn_id", frame.from.id), zap.Error(err))
		return
	}

	switch {
	case message.Type.IsSync():
		stamped, err := protocol.Stamp(frame.raw, h.clock())
		if err != nil {
			h.logger.Debug("inbound frame dropped", zap.String("conn_id", frame.from.id), zap.Error(err))
			return
		}
		if message.Type == protocol.KindSyncState {
			h.lastState[message.DeploymentID] = stamped
		}
		h.broadcast(stamped, frame.from)
		h.enqueueSideEffect(sideEffect{message: message, frame: stamped})

	case message.Type == protocol.KindPresenceUpdate:
		collaborators := h.roster.Update(message.DeploymentID, message.UserID, message.UserName)
		encoded, err := protocol.Encode(protocol.NewPresence(message.DeploymentID, collaborators, h.clock()))
		if err != nil {
			h.logger.Error("presence encode failed", zap.Error(err))
			return
		}
		h.broadcast(encoded, nil)

	default:
		h.logger.Debug("inbound frame ignored",
			zap.String("conn_id", frame.from.id),
			zap.String("type", string(message.Type)))
	}
}

func (h *Hub) handleRemote(frame []byte) {
	message, err := protocol.Decode(frame)
	if err != nil || !message.Type.IsSync() {
		h.logger.Debug("bridged frame dropped", zap.Error(err))
		return
	}
	if message.Type == protocol.KindSyncState {
		h.lastState[message.DeploymentID] = frame
	}
	h.broadcast(frame, nil)
}

// broadcast enqueues frame for every open connection except skip. A full peer buffer
// drops the frame for that peer only.
func (h *Hub) broadcast(frame []byte, skip *Conn) {
	for conn := range h.conns {
		if conn == skip || conn.State() != StateOpen {
			continue
		}
		select {
		case conn.send <- frame:
		default:
			h.logger.Warn("peer send buffer full; frame dropped", zap.String("conn_id", conn.id))
		}
	}
}

func (h *Hub) closeAll() {
	for conn := range h.conns {
		delete(h.conns, conn)
		conn.setState(StateClosed)
		close(conn.send)
	}
}

func (h *Hub) enqueueSideEffect(effect sideEffect) {
	if h.archive == nil && h.bridge == nil {
		return
	}
	select {
	case h.effects <- effect:
	default:
		h.logger.Warn("relay side-effect queue full; message not archived or bridged",
			zap.String("deployment_id", effect.message.DeploymentID))
	}
}

func (h *Hub) runSideEffects(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case effect := <-h.effects:
			if h.archive != nil {
				if _, err := h.archive.Apply(ctx, effect.message); err != nil {
					h.logger.Error("central store apply failed",
						zap.String("deployment_id", effect.message.DeploymentID),
						zap.Error(err))
				}
			}
			if h.bridge != nil {
				if err := h.bridge.Publish(ctx, effect.frame); err != nil {
					h.logger.Warn("relay bridge publish failed", zap.Error(err))
				}
			}
		}
	}
}

func (h *Hub) forwardRemote(ctx context.Context, frames <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-frames:
			if !ok {
				return
			}
			select {
			case h.remote <- frame:
			case <-ctx.Done():
				return
			}
		}
	}
}
