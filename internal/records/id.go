package records

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidDeploymentID indicates that a deployment identifier is empty or exceeds storage bounds.
	ErrInvalidDeploymentID = errors.New("records: invalid deployment id")
	// ErrInvalidRecordID indicates that a record identifier is empty or exceeds storage bounds.
	ErrInvalidRecordID = errors.New("records: invalid record id")
	// ErrInvalidUserID indicates that a collaborator identifier is empty or exceeds storage bounds.
	ErrInvalidUserID = errors.New("records: invalid user id")
)

// DeploymentID represents a validated deployment identifier.
type DeploymentID string

// NewDeploymentID validates raw input and returns a DeploymentID.
func NewDeploymentID(rawInput string) (DeploymentID, error) {
	trimmed, err := validateIdentifier(rawInput, ErrInvalidDeploymentID)
	if err != nil {
		return "", err
	}
	return DeploymentID(trimmed), nil
}

// String returns the underlying string identifier.
func (id DeploymentID) String() string {
	return string(id)
}

// RecordID represents a validated identifier for a step, prerequisite, or note.
type RecordID string

// NewRecordID validates raw input and returns a RecordID.
func NewRecordID(rawInput string) (RecordID, error) {
	trimmed, err := validateIdentifier(rawInput, ErrInvalidRecordID)
	if err != nil {
		return "", err
	}
	return RecordID(trimmed), nil
}

// String returns the underlying string identifier.
func (id RecordID) String() string {
	return string(id)
}

// UserID represents a validated collaborator identifier.
type UserID string

// NewUserID validates raw input and returns a UserID.
func NewUserID(rawInput string) (UserID, error) {
	trimmed, err := validateIdentifier(rawInput, ErrInvalidUserID)
	if err != nil {
		return "", err
	}
	return UserID(trimmed), nil
}

// String returns the underlying string identifier.
func (id UserID) String() string {
	return string(id)
}

func validateIdentifier(rawInput string, sentinel error) (string, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", sentinel)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", sentinel, maxIdentifierLength)
	}
	return trimmed, nil
}

// IDProvider issues identifiers for new records.
type IDProvider interface {
	NewID() (string, error)
}

type uuidProvider struct{}

// NewUUIDProvider constructs an IDProvider that issues UUIDv7 identifiers.
func NewUUIDProvider() IDProvider {
	return &uuidProvider{}
}

func (p *uuidProvider) NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}
