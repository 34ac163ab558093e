package syncclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/deploysync/internal/database"
	"github.com/MarcoPoloResearchLab/deploysync/internal/store"
	"go.uber.org/zap"
)

var errConnClosed = errors.New("pipe closed")

type pipeConn struct {
	inbound   chan []byte
	outbound  chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	failWrites atomic.Bool
}

func newPipeConn() *pipeConn {
	return &pipeConn{
		inbound:  make(chan []byte, 16),
		outbound: make(chan []byte, 64),
		closed:   make(chan struct{}),
	}
}

func (p *pipeConn) Read() ([]byte, error) {
	select {
	case frame := <-p.inbound:
		return frame, nil
	case <-p.closed:
		return nil, errConnClosed
	}
}

func (p *pipeConn) Write(frame []byte) error {
	if p.failWrites.Load() {
		return errors.New("pipe write failed")
	}
	select {
	case <-p.closed:
		return errConnClosed
	default:
	}
	select {
	case p.outbound <- frame:
		return nil
	default:
		return errors.New("pipe full")
	}
}

func (p *pipeConn) Close() error {
	p.closeOnce.Do(func() { close(p.closed) })
	return nil
}

// scriptedDialer hands out the scripted results in order and fails once they run out.
type scriptedDialer struct {
	mu      sync.Mutex
	results []dialResult
	calls   int
}

type dialResult struct {
	conn Conn
	err  error
}

func (d *scriptedDialer) Dial(context.Context, string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if len(d.results) == 0 {
		return nil, errors.New("relay unreachable")
	}
	next := d.results[0]
	d.results = d.results[1:]
	return next.conn, next.err
}

func (d *scriptedDialer) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

type recordedWaits struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *recordedWaits) wait(ctx context.Context, delay time.Duration) error {
	r.mu.Lock()
	r.delays = append(r.delays, delay)
	r.mu.Unlock()
	return ctx.Err()
}

func (r *recordedWaits) snapshot() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.delays...)
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	dsn := fmt.Sprintf("file:deploysync_client_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := database.OpenSQLite(dsn, zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	return store.New(store.Config{Database: db})
}

func receiveFrame(t *testing.T, conn *pipeConn) map[string]any {
	t.Helper()
	select {
	case raw := <-conn.outbound:
		var fields map[string]any
		if err := json.Unmarshal(raw, &fields); err != nil {
			t.Fatalf("sent frame is not json: %v", err)
		}
		return fields
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for outbound frame")
	}
	return nil
}

func expectNoFrame(t *testing.T, conn *pipeConn, within time.Duration) {
	t.Helper()
	select {
	case raw := <-conn.outbound:
		t.Fatalf("expected no frame, got %s", raw)
	case <-time.After(within):
	}
}
