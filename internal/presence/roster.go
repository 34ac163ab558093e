// Package presence tracks which users are looking at which deployment.
package presence

import (
	"sort"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/deploysync/internal/records"
	"github.com/microcosm-cc/bluemonday"
)

const maxNameLength = 320

// Roster is the relay's collaborator table keyed by deployment and then user id. The newest
// update for a user replaces the previous one. Entries never expire.
//
// Roster is not safe for concurrent use; the relay hub owns it.
type Roster struct {
	entries map[string]map[string]records.Collaborator
	policy  *bluemonday.Policy
	clock   func() time.Time
}

// NewRoster constructs an empty roster.
func NewRoster(clock func() time.Time) *Roster {
	if clock == nil {
		clock = time.Now
	}
	return &Roster{
		entries: make(map[string]map[string]records.Collaborator),
		policy:  bluemonday.StrictPolicy(),
		clock:   clock,
	}
}

// Update records that userID is present on deploymentID and returns the deployment's
// collaborator list. Markup in userName is stripped.
func (r *Roster) Update(deploymentID, userID, userName string) []records.Collaborator {
	now := r.clock().UTC()
	users, ok := r.entries[deploymentID]
	if !ok {
		users = make(map[string]records.Collaborator)
		r.entries[deploymentID] = users
	}
	users[userID] = records.Collaborator{
		ID:           userID,
		DeploymentID: deploymentID,
		Name:         r.sanitizeName(userName),
		LastActive:   now,
		LastSeen:     now.UnixMilli(),
	}
	return r.Collaborators(deploymentID)
}

// Collaborators returns the deployment's collaborators ordered by user id.
func (r *Roster) Collaborators(deploymentID string) []records.Collaborator {
	users := r.entries[deploymentID]
	collaborators := make([]records.Collaborator, 0, len(users))
	for _, collaborator := range users {
		collaborators = append(collaborators, collaborator)
	}
	sort.Slice(collaborators, func(i, j int) bool {
		return collaborators[i].ID < collaborators[j].ID
	})
	return collaborators
}

func (r *Roster) sanitizeName(raw string) string {
	cleaned := strings.TrimSpace(r.policy.Sanitize(raw))
	if runes := []rune(cleaned); len(runes) > maxNameLength {
		cleaned = string(runes[:maxNameLength])
	}
	return cleaned
}
