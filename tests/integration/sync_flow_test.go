package integration_test

import (
	"context"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/deploysync/internal/database"
	"github.com/MarcoPoloResearchLab/deploysync/internal/presence"
	"github.com/MarcoPoloResearchLab/deploysync/internal/protocol"
	"github.com/MarcoPoloResearchLab/deploysync/internal/records"
	"github.com/MarcoPoloResearchLab/deploysync/internal/relay"
	"github.com/MarcoPoloResearchLab/deploysync/internal/server"
	"github.com/MarcoPoloResearchLab/deploysync/internal/store"
	"github.com/MarcoPoloResearchLab/deploysync/internal/syncclient"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	convergeTimeout = 5 * time.Second
	pollInterval    = 10 * time.Millisecond
)

func TestRenameConvergesAndStaleRenameIsDiscarded(testContext *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	relayURL, hub := startRelay(testContext, ctx)

	storeA := mustOpenStore(testContext, "rename_a")
	storeB := mustOpenStore(testContext, "rename_b")

	deployment, err := storeA.CreateDeployment(ctx, records.Deployment{})
	if err != nil {
		testContext.Fatalf("failed to create deployment: %v", err)
	}
	if deployment.Title != store.DefaultDeploymentTitle || deployment.Version != 1 {
		testContext.Fatalf("unexpected new deployment %+v", deployment)
	}

	clientB := mustStartClient(testContext, ctx, relayURL, storeB, deployment.ID, nil)
	<-clientB.Connected()
	waitFor(testContext, "B registers with the relay", func() bool {
		peers, err := hub.PeerCount(ctx)
		return err == nil && peers == 1
	})
	clientA := mustStartClient(testContext, ctx, relayURL, storeA, deployment.ID, nil)
	<-clientA.Connected()

	waitFor(testContext, "B receives the SYNC_STATE copy", func() bool {
		copied, err := storeB.Get(ctx, records.CollectionDeployments, deployment.ID)
		return err == nil && copied.(*records.Deployment).Version == 1
	})

	renamed, err := storeA.UpdateDeployment(ctx, deployment.ID, func(d *records.Deployment) error {
		d.Title = "Prod Rollout"
		return nil
	})
	if err != nil {
		testContext.Fatalf("failed to rename: %v", err)
	}
	if renamed.Version != 2 {
		testContext.Fatalf("expected version 2 after rename, got %d", renamed.Version)
	}
	if err := clientA.PushDelta(ctx, deployment.ID, protocol.Payload{Deployment: renamed}); err != nil {
		testContext.Fatalf("failed to push rename: %v", err)
	}
	waitFor(testContext, "B applies the rename", func() bool {
		return deploymentTitle(ctx, storeB, deployment.ID) == "Prod Rollout"
	})

	stalePeer := mustDialRaw(testContext, relayURL)
	stale := *deployment
	stale.Title = "Staging Rollout"
	stale.Version = 1
	mustSendRaw(testContext, stalePeer, protocol.NewDelta(deployment.ID, protocol.Payload{Deployment: &stale}))
	sentinel := records.Note{ID: "sentinel", DeploymentID: deployment.ID, Information: "after stale", Version: 1}
	mustSendRaw(testContext, stalePeer, protocol.NewDelta(deployment.ID, protocol.Payload{Info: []records.Note{sentinel}}))

	waitFor(testContext, "B processes the frames after the stale rename", func() bool {
		_, err := storeB.Get(ctx, records.CollectionInfo, sentinel.ID)
		return err == nil
	})
	final, err := storeB.Get(ctx, records.CollectionDeployments, deployment.ID)
	if err != nil {
		testContext.Fatalf("failed to read B's copy: %v", err)
	}
	if got := final.(*records.Deployment); got.Title != "Prod Rollout" || got.Version != 2 {
		testContext.Fatalf("expected Prod Rollout at version 2, got %q at %d", got.Title, got.Version)
	}
}

func TestTwoClientsConvergeOnPresence(testContext *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	relayURL, _ := startRelay(testContext, ctx)

	const deploymentID = "d-presence"
	storeA := mustOpenStore(testContext, "presence_a")
	storeB := mustOpenStore(testContext, "presence_b")

	clientA := mustStartClient(testContext, ctx, relayURL, storeA, deploymentID, &presence.Identity{UserID: "user-a", UserName: "Ada"})
	<-clientA.Connected()
	clientB := mustStartClient(testContext, ctx, relayURL, storeB, deploymentID, &presence.Identity{UserID: "user-b", UserName: "Bob"})
	<-clientB.Connected()

	for name, recordStore := range map[string]*store.Store{"A": storeA, "B": storeB} {
		waitFor(testContext, fmt.Sprintf("%s sees both collaborators", name), func() bool {
			collaborators, err := recordStore.Query(ctx, records.CollectionCollaborators, store.Filter{DeploymentID: deploymentID})
			if err != nil || len(collaborators) != 2 {
				return false
			}
			return collaborators[0].Key() == "user-a" && collaborators[1].Key() == "user-b"
		})
	}
}

func startRelay(testContext *testing.T, ctx context.Context) (string, *relay.Hub) {
	testContext.Helper()
	gin.SetMode(gin.TestMode)

	hub := relay.NewHub(relay.HubConfig{Logger: zap.NewNop()})
	go hub.Run(ctx) //nolint:errcheck

	handler, err := server.NewHTTPHandler(server.Dependencies{Hub: hub, Logger: zap.NewNop()})
	if err != nil {
		testContext.Fatalf("failed to build handler: %v", err)
	}
	testServer := httptest.NewServer(handler)
	testContext.Cleanup(testServer.Close)
	return "ws" + strings.TrimPrefix(testServer.URL, "http") + "/ws", hub
}

func mustOpenStore(testContext *testing.T, name string) *store.Store {
	testContext.Helper()
	dsn := fmt.Sprintf("file:integration_%s_%d?mode=memory&cache=shared", name, time.Now().UnixNano())
	db, err := database.OpenSQLite(dsn, zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	return store.New(store.Config{Database: db})
}

func mustStartClient(testContext *testing.T, ctx context.Context, relayURL string, recordStore *store.Store, deploymentID string, identity *presence.Identity) *syncclient.Client {
	testContext.Helper()
	client, err := syncclient.New(syncclient.Config{
		URL:      relayURL,
		Store:    recordStore,
		Throttle: 10 * time.Millisecond,
		Identity: identity,
	})
	if err != nil {
		testContext.Fatalf("failed to build client: %v", err)
	}
	client.Watch(deploymentID)
	go client.Run(ctx) //nolint:errcheck
	return client
}

func mustDialRaw(testContext *testing.T, relayURL string) *websocket.Conn {
	testContext.Helper()
	socket, _, err := websocket.DefaultDialer.Dial(relayURL, nil)
	if err != nil {
		testContext.Fatalf("failed to dial relay: %v", err)
	}
	testContext.Cleanup(func() { socket.Close() })
	return socket
}

func mustSendRaw(testContext *testing.T, socket *websocket.Conn, message protocol.Message) {
	testContext.Helper()
	frame, err := protocol.Encode(message)
	if err != nil {
		testContext.Fatalf("failed to encode: %v", err)
	}
	if err := socket.WriteMessage(websocket.TextMessage, frame); err != nil {
		testContext.Fatalf("failed to send: %v", err)
	}
}

func deploymentTitle(ctx context.Context, recordStore *store.Store, deploymentID string) string {
	record, err := recordStore.Get(ctx, records.CollectionDeployments, deploymentID)
	if err != nil {
		return ""
	}
	return record.(*records.Deployment).Title
}

func waitFor(testContext *testing.T, description string, condition func() bool) {
	testContext.Helper()
	deadline := time.Now().Add(convergeTimeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(pollInterval)
	}
	testContext.Fatalf("timed out waiting until %s", description)
}
