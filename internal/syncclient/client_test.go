package syncclient

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/deploysync/internal/presence"
	"github.com/MarcoPoloResearchLab/deploysync/internal/protocol"
	"github.com/MarcoPoloResearchLab/deploysync/internal/records"
	"github.com/MarcoPoloResearchLab/deploysync/internal/store"
)

func TestRunGivesUpAfterExactlyFiveReconnects(t *testing.T) {
	dialer := &scriptedDialer{}
	waits := &recordedWaits{}
	client, err := New(Config{
		URL:    "ws://relay.invalid/ws",
		Store:  newTestStore(t),
		Dialer: dialer,
		Wait:   waits.wait,
	})
	if err != nil {
		t.Fatalf("failed to build client: %v", err)
	}

	if err := client.Run(context.Background()); !errors.Is(err, ErrReconnectExhausted) {
		t.Fatalf("expected exhausted reconnects, got %v", err)
	}
	if dialer.callCount() != 6 {
		t.Fatalf("expected initial dial plus 5 reconnects, got %d dials", dialer.callCount())
	}
	expected := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second}
	delays := waits.snapshot()
	if len(delays) != len(expected) {
		t.Fatalf("expected %d waits, got %v", len(expected), delays)
	}
	for index, want := range expected {
		if delays[index] != want {
			t.Fatalf("wait %d: expected %s, got %s", index+1, want, delays[index])
		}
	}
}

func TestRunResetsBackoffAfterSuccessfulOpen(t *testing.T) {
	dropped := newPipeConn()
	dropped.Close()
	dialer := &scriptedDialer{results: []dialResult{
		{err: errors.New("refused")},
		{err: errors.New("refused")},
		{conn: dropped},
	}}
	waits := &recordedWaits{}
	client, err := New(Config{
		URL:    "ws://relay.invalid/ws",
		Store:  newTestStore(t),
		Dialer: dialer,
		Wait:   waits.wait,
	})
	if err != nil {
		t.Fatalf("failed to build client: %v", err)
	}

	if err := client.Run(context.Background()); !errors.Is(err, ErrReconnectExhausted) {
		t.Fatalf("expected exhausted reconnects, got %v", err)
	}
	if dialer.callCount() != 8 {
		t.Fatalf("expected 8 dials, got %d", dialer.callCount())
	}
	delays := waits.snapshot()
	if len(delays) != 7 || delays[2] != time.Second {
		t.Fatalf("expected schedule to restart after open, got %v", delays)
	}
	select {
	case <-client.Connected():
	default:
		t.Fatalf("expected connected signal after open")
	}
}

func TestOpenPushesStateAndPresenceForWatchedDeployments(t *testing.T) {
	recordStore := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	deployment, err := recordStore.CreateDeployment(ctx, records.Deployment{Title: "Cutover"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	conn := newPipeConn()
	client, err := New(Config{
		URL:      "ws://relay.invalid/ws",
		Store:    recordStore,
		Dialer:   &scriptedDialer{results: []dialResult{{conn: conn}}},
		Identity: &presence.Identity{UserID: "u1", UserName: "Ada"},
		Wait:     (&recordedWaits{}).wait,
	})
	if err != nil {
		t.Fatalf("failed to build client: %v", err)
	}
	client.Watch(deployment.ID)
	go client.Run(ctx) //nolint:errcheck

	state := receiveFrame(t, conn)
	if state["type"] != string(protocol.KindSyncState) || state["deploymentId"] != deployment.ID {
		t.Fatalf("expected SYNC_STATE first, got %v", state)
	}
	data := state["data"].(map[string]any)
	if data["deployment"].(map[string]any)["title"] != "Cutover" {
		t.Fatalf("unexpected state payload %v", data)
	}
	announce := receiveFrame(t, conn)
	if announce["type"] != string(protocol.KindPresenceUpdate) || announce["userId"] != "u1" {
		t.Fatalf("expected presence announce, got %v", announce)
	}
}

func TestInboundMessagesApplyOnlyToWatchedDeployments(t *testing.T) {
	recordStore := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn := newPipeConn()
	client, err := New(Config{
		URL:    "ws://relay.invalid/ws",
		Store:  recordStore,
		Dialer: &scriptedDialer{results: []dialResult{{conn: conn}}},
		Wait:   (&recordedWaits{}).wait,
	})
	if err != nil {
		t.Fatalf("failed to build client: %v", err)
	}
	client.Watch("d1")
	go client.Run(ctx) //nolint:errcheck
	<-client.Connected()

	conn.inbound <- []byte(`{"type":"DELTA_SYNC","deploymentId":"d2","data":{"steps":[{"id":"s2","deploymentId":"d2","type":"api","version":1}]}}`)
	conn.inbound <- []byte(`not json`)
	conn.inbound <- []byte(`{"type":"DELTA_SYNC","deploymentId":"d1","data":{"steps":[{"id":"s1","deploymentId":"d1","type":"api","name":"remote","version":1}]},"timestamp":5}`)
	conn.inbound <- []byte(`{"type":"PRESENCE","deploymentId":"d1","collaborators":[{"id":"u2","deploymentId":"d1","name":"Bob","lastSeen":5}]}`)

	for expected := 0; expected < 2; expected++ {
		select {
		case deploymentID := <-client.Refreshes():
			if deploymentID != "d1" {
				t.Fatalf("unexpected refresh for %s", deploymentID)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("expected refresh %d", expected+1)
		}
	}

	record, err := recordStore.Get(ctx, records.CollectionSteps, "s1")
	if err != nil {
		t.Fatalf("expected watched delta applied: %v", err)
	}
	if record.(*records.Step).Name != "remote" {
		t.Fatalf("unexpected applied step %+v", record)
	}
	if _, err := recordStore.Get(ctx, records.CollectionSteps, "s2"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected unwatched delta ignored, got %v", err)
	}
	collaborators, err := recordStore.Query(ctx, records.CollectionCollaborators, store.Filter{DeploymentID: "d1"})
	if err != nil || len(collaborators) != 1 {
		t.Fatalf("expected presence list replaced, got %d err=%v", len(collaborators), err)
	}
}

func TestPushDeltaThrottlesPerDeployment(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn := newPipeConn()
	client, err := New(Config{
		URL:      "ws://relay.invalid/ws",
		Store:    newTestStore(t),
		Dialer:   &scriptedDialer{results: []dialResult{{conn: conn}}},
		Throttle: 200 * time.Millisecond,
		Wait:     (&recordedWaits{}).wait,
	})
	if err != nil {
		t.Fatalf("failed to build client: %v", err)
	}
	go client.Run(ctx) //nolint:errcheck
	<-client.Connected()

	step := func(name string, version int64) protocol.Payload {
		return protocol.Payload{Steps: []records.Step{{ID: "s1", DeploymentID: "d1", Type: records.StepTypeAPI, Name: name, Version: version}}}
	}

	if err := client.PushDelta(ctx, "d1", step("first", 1)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	first := receiveFrame(t, conn)
	if first["type"] != string(protocol.KindDeltaSync) {
		t.Fatalf("expected immediate delta, got %v", first)
	}

	if err := client.PushDelta(ctx, "d1", step("second", 2)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := client.PushDelta(ctx, "d1", protocol.Payload{Info: []records.Note{{ID: "n1", DeploymentID: "d1", Version: 1}}}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := client.PushDelta(ctx, "d1", step("third", 3)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	expectNoFrame(t, conn, 100*time.Millisecond)

	merged := receiveFrame(t, conn)
	data := merged["data"].(map[string]any)
	steps := data["steps"].([]any)
	if len(steps) != 1 || steps[0].(map[string]any)["name"] != "third" {
		t.Fatalf("expected latest step copy in merged delta, got %v", steps)
	}
	if info := data["info"].([]any); len(info) != 1 {
		t.Fatalf("expected note merged into the same delta, got %v", info)
	}
	expectNoFrame(t, conn, 250*time.Millisecond)
}

func TestFlushSendsQueuedDeltasImmediately(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn := newPipeConn()
	client, err := New(Config{
		URL:      "ws://relay.invalid/ws",
		Store:    newTestStore(t),
		Dialer:   &scriptedDialer{results: []dialResult{{conn: conn}}},
		Throttle: time.Hour,
		Wait:     (&recordedWaits{}).wait,
	})
	if err != nil {
		t.Fatalf("failed to build client: %v", err)
	}
	go client.Run(ctx) //nolint:errcheck
	<-client.Connected()

	payload := protocol.Payload{Deployment: &records.Deployment{ID: "d1", Title: "A", Version: 2}}
	if err := client.PushDelta(ctx, "d1", payload); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	receiveFrame(t, conn)

	payload.Deployment = &records.Deployment{ID: "d1", Title: "B", Version: 3}
	if err := client.PushDelta(ctx, "d1", payload); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if client.Pending() != 1 {
		t.Fatalf("expected one queued deployment, got %d", client.Pending())
	}
	if err := client.Flush(ctx); err != nil {
		t.Fatalf("unexpected flush error: %v", err)
	}
	flushed := receiveFrame(t, conn)
	deployment := flushed["data"].(map[string]any)["deployment"].(map[string]any)
	if deployment["title"] != "B" {
		t.Fatalf("expected flushed delta to carry B, got %v", deployment)
	}
	if client.Pending() != 0 {
		t.Fatalf("expected queue drained")
	}
}

func TestFailedSendKeepsDeltaQueued(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn := newPipeConn()
	client, err := New(Config{
		URL:      "ws://relay.invalid/ws",
		Store:    newTestStore(t),
		Dialer:   &scriptedDialer{results: []dialResult{{conn: conn}}},
		Throttle: time.Hour,
		Wait:     (&recordedWaits{}).wait,
	})
	if err != nil {
		t.Fatalf("failed to build client: %v", err)
	}
	go client.Run(ctx) //nolint:errcheck
	<-client.Connected()

	conn.failWrites.Store(true)
	first := protocol.Payload{Steps: []records.Step{{ID: "s1", DeploymentID: "d1", Type: records.StepTypeAPI, Name: "first", Version: 1}}}
	if err := client.PushDelta(ctx, "d1", first); err == nil {
		t.Fatalf("expected send failure")
	}
	if client.Pending() != 1 {
		t.Fatalf("expected failed delta to stay queued, got %d pending", client.Pending())
	}

	newer := protocol.Payload{Info: []records.Note{{ID: "n1", DeploymentID: "d1", Version: 1}}}
	if err := client.PushDelta(ctx, "d1", newer); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	conn.failWrites.Store(false)
	if err := client.Flush(ctx); err != nil {
		t.Fatalf("unexpected flush error: %v", err)
	}
	data := receiveFrame(t, conn)["data"].(map[string]any)
	if steps := data["steps"].([]any); len(steps) != 1 {
		t.Fatalf("expected requeued step in the retried delta, got %v", data)
	}
	if info := data["info"].([]any); len(info) != 1 {
		t.Fatalf("expected newer note merged into the retried delta, got %v", data)
	}
	if client.Pending() != 0 {
		t.Fatalf("expected queue drained after successful send")
	}
}

func TestSendWithoutConnectionKeepsDeltaQueued(t *testing.T) {
	client, err := New(Config{URL: "ws://relay.invalid/ws", Store: newTestStore(t)})
	if err != nil {
		t.Fatalf("failed to build client: %v", err)
	}
	payload := protocol.Payload{Deployment: &records.Deployment{ID: "d1", Version: 1}}
	if err := client.PushDelta(context.Background(), "d1", payload); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected not connected, got %v", err)
	}
	if client.Pending() != 1 {
		t.Fatalf("expected delta to stay queued")
	}
}

func TestNewValidatesConfig(t *testing.T) {
	if _, err := New(Config{URL: "ws://x"}); err == nil {
		t.Fatalf("expected error without store")
	}
	if _, err := New(Config{Store: store.New(store.Config{})}); err == nil {
		t.Fatalf("expected error without url")
	}
}
