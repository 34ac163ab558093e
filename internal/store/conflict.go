package store

import (
	"time"

	"github.com/MarcoPoloResearchLab/deploysync/internal/records"
)

// WriteOutcome captures the decision taken for a single versioned write.
type WriteOutcome struct {
	Accepted        bool
	PreviousVersion int64
	Version         int64
}

// stampLocalWrite prepares a locally authored write. The local client is the authority on
// its own edit, so the write is always accepted: an existing record moves to stored+1 and a
// new record starts at its own version or 1.
func stampLocalWrite(existing, incoming records.Versioned, appliedAt time.Time) WriteOutcome {
	previousVersion := int64(0)
	nextVersion := incoming.CurrentVersion()
	if existing != nil {
		previousVersion = existing.CurrentVersion()
		nextVersion = previousVersion + 1
	}
	if nextVersion < 1 {
		nextVersion = 1
	}

	incoming.AssignVersion(nextVersion)
	incoming.Touch(appliedAt)
	carryCreatedAt(existing, incoming, appliedAt)

	return WriteOutcome{
		Accepted:        true,
		PreviousVersion: previousVersion,
		Version:         nextVersion,
	}
}

// resolveRemoteWrite gates an inbound write carrying an explicit version. The write is
// discarded iff the stored version is strictly greater; ties favor the incoming writer.
func resolveRemoteWrite(existing, incoming records.Versioned, appliedAt time.Time) WriteOutcome {
	incomingVersion := incoming.CurrentVersion()

	if existing != nil {
		storedVersion := existing.CurrentVersion()
		if storedVersion > incomingVersion {
			return WriteOutcome{
				Accepted:        false,
				PreviousVersion: storedVersion,
				Version:         storedVersion,
			}
		}
	}

	previousVersion := int64(0)
	if existing != nil {
		previousVersion = existing.CurrentVersion()
	}
	if incomingVersion < 1 {
		incomingVersion = 1
	}
	incoming.AssignVersion(incomingVersion)
	if incoming.LastModified().IsZero() {
		incoming.Touch(appliedAt)
	}
	carryCreatedAt(existing, incoming, appliedAt)

	return WriteOutcome{
		Accepted:        true,
		PreviousVersion: previousVersion,
		Version:         incomingVersion,
	}
}

func carryCreatedAt(existing, incoming records.Versioned, appliedAt time.Time) {
	deployment, ok := incoming.(*records.Deployment)
	if !ok || !deployment.CreatedAt.IsZero() {
		return
	}
	if stored, ok := existing.(*records.Deployment); ok && stored != nil && !stored.CreatedAt.IsZero() {
		deployment.CreatedAt = stored.CreatedAt
		return
	}
	deployment.CreatedAt = appliedAt
}
