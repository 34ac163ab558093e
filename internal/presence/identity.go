package presence

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"

	"github.com/MarcoPoloResearchLab/deploysync/internal/protocol"
	"github.com/MarcoPoloResearchLab/deploysync/internal/records"
)

const settingUserID = "user_id"

// SettingStore persists client settings across runs.
type SettingStore interface {
	Setting(ctx context.Context, key string) (string, bool, error)
	SetSetting(ctx context.Context, key, value string) error
}

// PresenceStore receives the relay's collaborator lists.
type PresenceStore interface {
	ReplacePresence(ctx context.Context, deploymentID string, collaborators []records.Collaborator) error
}

// Identity names the local user in presence announcements.
type Identity struct {
	UserID   string
	UserName string
}

// LocalIdentity returns the persisted user id, generating and storing one on first use.
// An empty userName is replaced by a generated display name.
func LocalIdentity(ctx context.Context, settings SettingStore, ids records.IDProvider, userName string) (Identity, error) {
	userID, ok, err := settings.Setting(ctx, settingUserID)
	if err != nil {
		return Identity{}, err
	}
	if !ok || strings.TrimSpace(userID) == "" {
		userID, err = ids.NewID()
		if err != nil {
			return Identity{}, err
		}
		if err := settings.SetSetting(ctx, settingUserID, userID); err != nil {
			return Identity{}, err
		}
	}
	if strings.TrimSpace(userName) == "" {
		userName = fmt.Sprintf("User %d", rand.IntN(1000))
	}
	return Identity{UserID: userID, UserName: strings.TrimSpace(userName)}, nil
}

// NewUpdate builds the PRESENCE_UPDATE a client sends when it opens a deployment.
func NewUpdate(deploymentID string, identity Identity) protocol.Message {
	return protocol.NewPresenceUpdate(deploymentID, identity.UserID, identity.UserName)
}

// ApplyBroadcast replaces the local presence list with the one carried by a PRESENCE message.
func ApplyBroadcast(ctx context.Context, target PresenceStore, message protocol.Message) error {
	if message.Type != protocol.KindPresence {
		return fmt.Errorf("presence: unexpected message kind %s", message.Type)
	}
	return target.ReplacePresence(ctx, message.DeploymentID, message.Collaborators)
}
