package records

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Collection names a record collection in the local store and on the wire.
type Collection string

const (
	// CollectionDeployments holds deployment headers.
	CollectionDeployments Collection = "deployments"
	// CollectionSteps holds execution and post-deployment steps.
	CollectionSteps Collection = "steps"
	// CollectionPrerequisites holds prerequisite checklist items.
	CollectionPrerequisites Collection = "prerequisites"
	// CollectionInfo holds free-text deployment notes.
	CollectionInfo Collection = "info"
	// CollectionCollaborators holds ephemeral presence rows.
	CollectionCollaborators Collection = "collaborators"
	// CollectionDevices holds the device allow-list.
	CollectionDevices Collection = "devices"
)

var (
	// ErrUnknownCollection indicates that a collection name is not recognized.
	ErrUnknownCollection = errors.New("records: unknown collection")
	// ErrInvalidCategory indicates that a deployment category is not recognized.
	ErrInvalidCategory = errors.New("records: invalid category")
	// ErrInvalidStepType indicates that a step type is not recognized.
	ErrInvalidStepType = errors.New("records: invalid step type")
	// ErrMissingDeploymentID indicates that a dependent record has no owning deployment.
	ErrMissingDeploymentID = errors.New("records: deployment id required")
)

// VersionedCollections lists the collections guarded by version comparison, in the
// order they are applied from a sync payload.
var VersionedCollections = []Collection{
	CollectionDeployments,
	CollectionSteps,
	CollectionPrerequisites,
	CollectionInfo,
}

// DependentCollections lists the collections joined to a deployment by deploymentId.
var DependentCollections = []Collection{
	CollectionSteps,
	CollectionPrerequisites,
	CollectionInfo,
}

// Category enumerates deployment categories.
type Category string

const (
	CategoryInfrastructure Category = "Infrastructure"
	CategorySoftware       Category = "Software"
	CategoryTesting        Category = "Testing"
	CategoryMonitoring     Category = "Monitoring"
	CategorySecurity       Category = "Security"
	CategoryBackup         Category = "Backup"
	CategoryProcess        Category = "Process"
	CategoryTools          Category = "Tools"
)

var knownCategories = map[Category]struct{}{
	CategoryInfrastructure: {},
	CategorySoftware:       {},
	CategoryTesting:        {},
	CategoryMonitoring:     {},
	CategorySecurity:       {},
	CategoryBackup:         {},
	CategoryProcess:        {},
	CategoryTools:          {},
}

// ParseCategory matches raw input against the known categories, case-insensitively.
func ParseCategory(rawInput string) (Category, error) {
	trimmed := strings.TrimSpace(rawInput)
	for category := range knownCategories {
		if strings.EqualFold(string(category), trimmed) {
			return category, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidCategory, rawInput)
}

// Valid reports whether the category is one of the known values.
func (c Category) Valid() bool {
	_, ok := knownCategories[c]
	return ok
}

// StepType enumerates the kinds of step and prerequisite actions.
type StepType string

const (
	StepTypeDatabase  StepType = "database"
	StepTypeScripting StepType = "scripting"
	StepTypeAPI       StepType = "api"
	StepTypeFiles     StepType = "files"
	StepTypeMail      StepType = "mail"
	StepTypeBackup    StepType = "backup"
	StepTypeMonitor   StepType = "monitor"
	StepTypeConfigure StepType = "configure"
	StepTypeRollback  StepType = "rollback"
	StepTypeService   StepType = "service"
	StepTypeNetwork   StepType = "network"
)

var knownStepTypes = map[StepType]struct{}{
	StepTypeDatabase:  {},
	StepTypeScripting: {},
	StepTypeAPI:       {},
	StepTypeFiles:     {},
	StepTypeMail:      {},
	StepTypeBackup:    {},
	StepTypeMonitor:   {},
	StepTypeConfigure: {},
	StepTypeRollback:  {},
	StepTypeService:   {},
	StepTypeNetwork:   {},
}

// ParseStepType validates raw input and returns a StepType.
func ParseStepType(rawInput string) (StepType, error) {
	candidate := StepType(strings.ToLower(strings.TrimSpace(rawInput)))
	if !candidate.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidStepType, rawInput)
	}
	return candidate, nil
}

// Valid reports whether the step type is one of the known values.
func (t StepType) Valid() bool {
	_, ok := knownStepTypes[t]
	return ok
}

// Record is implemented by every stored entity.
type Record interface {
	Collection() Collection
	Key() string
	SetKey(id string)
	// Owner returns the deployment the record belongs to. Deployments return their own id.
	Owner() string
	Validate() error
}

// Versioned is implemented by records subject to last-writer-wins merging.
type Versioned interface {
	Record
	CurrentVersion() int64
	AssignVersion(version int64)
	LastModified() time.Time
	Touch(at time.Time)
}

// New returns an empty record for the collection.
func New(collection Collection) (Record, error) {
	switch collection {
	case CollectionDeployments:
		return &Deployment{}, nil
	case CollectionSteps:
		return &Step{}, nil
	case CollectionPrerequisites:
		return &Prerequisite{}, nil
	case CollectionInfo:
		return &Note{}, nil
	case CollectionCollaborators:
		return &Collaborator{}, nil
	case CollectionDevices:
		return &Device{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCollection, collection)
	}
}

// Deployment is a titled, categorized unit of work.
type Deployment struct {
	ID          string    `json:"id" gorm:"column:id;primaryKey;size:190;not null"`
	Title       string    `json:"title" gorm:"column:title;size:512;not null"`
	Description string    `json:"description" gorm:"column:description;type:text;not null"`
	Date        time.Time `json:"date" gorm:"column:date"`
	Category    Category  `json:"category" gorm:"column:category;size:32;not null;index"`
	CreatedAt   time.Time `json:"createdAt" gorm:"column:created_at;autoCreateTime:false"`
	ModifiedAt  time.Time `json:"modifiedAt" gorm:"column:modified_at"`
	Version     int64     `json:"version" gorm:"column:version;not null"`
	Deleted     bool      `json:"deleted" gorm:"column:deleted;not null;index"`
}

// TableName provides the explicit table binding for GORM.
func (Deployment) TableName() string {
	return string(CollectionDeployments)
}

func (d *Deployment) Collection() Collection { return CollectionDeployments }
func (d *Deployment) Key() string { return d.ID }
func (d *Deployment) SetKey(id string) { d.ID = id }
func (d *Deployment) Owner() string { return d.ID }
func (d *Deployment) CurrentVersion() int64 { return d.Version }
func (d *Deployment) AssignVersion(v int64) { d.Version = v }
func (d *Deployment) LastModified() time.Time { return d.ModifiedAt }
func (d *Deployment) Touch(at time.Time) { d.ModifiedAt = at }

// Validate checks the fields a local edit must carry.
func (d *Deployment) Validate() error {
	if d.Category != "" && !d.Category.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidCategory, d.Category)
	}
	return nil
}

// Step is an execution or post-deployment action.
type Step struct {
	ID           string    `json:"id" gorm:"column:id;primaryKey;size:190;not null"`
	DeploymentID string    `json:"deploymentId" gorm:"column:deployment_id;size:190;not null;index:idx_steps_deployment_number,priority:1"`
	Type         StepType  `json:"type" gorm:"column:type;size:32;not null"`
	Name         string    `json:"name" gorm:"column:name;size:512;not null"`
	Action       string    `json:"action" gorm:"column:action;type:text;not null"`
	Command      string    `json:"command" gorm:"column:command;type:text;not null"`
	Actor        string    `json:"actor" gorm:"column:actor;size:190;not null"`
	IsDone       bool      `json:"isDone" gorm:"column:is_done;not null"`
	Version      int64     `json:"version" gorm:"column:version;not null"`
	Datetime     time.Time `json:"datetime" gorm:"column:datetime"`
	Number       int       `json:"number" gorm:"column:number;not null;index:idx_steps_deployment_number,priority:2"`
	ModifiedAt   time.Time `json:"modifiedAt" gorm:"column:modified_at"`
}

// TableName provides the explicit table binding for GORM.
func (Step) TableName() string {
	return string(CollectionSteps)
}

func (s *Step) Collection() Collection { return CollectionSteps }
func (s *Step) Key() string { return s.ID }
func (s *Step) SetKey(id string) { s.ID = id }
func (s *Step) Owner() string { return s.DeploymentID }
func (s *Step) CurrentVersion() int64 { return s.Version }
func (s *Step) AssignVersion(v int64) { s.Version = v }
func (s *Step) LastModified() time.Time { return s.ModifiedAt }
func (s *Step) Touch(at time.Time) { s.ModifiedAt = at }

// Validate checks the fields a local edit must carry.
func (s *Step) Validate() error {
	if strings.TrimSpace(s.DeploymentID) == "" {
		return ErrMissingDeploymentID
	}
	if !s.Type.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStepType, s.Type)
	}
	return nil
}

// Prerequisite is a checklist item that must be satisfied before execution.
type Prerequisite struct {
	ID           string    `json:"id" gorm:"column:id;primaryKey;size:190;not null"`
	DeploymentID string    `json:"deploymentId" gorm:"column:deployment_id;size:190;not null;index:idx_prerequisites_deployment_number,priority:1"`
	Type         StepType  `json:"type" gorm:"column:type;size:32;not null"`
	Name         string    `json:"name" gorm:"column:name;size:512;not null"`
	Action       string    `json:"action" gorm:"column:action;type:text;not null"`
	Command      string    `json:"command" gorm:"column:command;type:text;not null"`
	Actor        string    `json:"actor" gorm:"column:actor;size:190;not null"`
	IsDone       bool      `json:"isDone" gorm:"column:is_done;not null"`
	Version      int64     `json:"version" gorm:"column:version;not null"`
	Number       int       `json:"number" gorm:"column:number;not null;index:idx_prerequisites_deployment_number,priority:2"`
	ModifiedAt   time.Time `json:"modifiedAt" gorm:"column:modified_at"`
}

// TableName provides the explicit table binding for GORM.
func (Prerequisite) TableName() string {
	return string(CollectionPrerequisites)
}

func (p *Prerequisite) Collection() Collection { return CollectionPrerequisites }
func (p *Prerequisite) Key() string { return p.ID }
func (p *Prerequisite) SetKey(id string) { p.ID = id }
func (p *Prerequisite) Owner() string { return p.DeploymentID }
func (p *Prerequisite) CurrentVersion() int64 { return p.Version }
func (p *Prerequisite) AssignVersion(v int64) { p.Version = v }
func (p *Prerequisite) LastModified() time.Time { return p.ModifiedAt }
func (p *Prerequisite) Touch(at time.Time) { p.ModifiedAt = at }

// Validate checks the fields a local edit must carry.
func (p *Prerequisite) Validate() error {
	if strings.TrimSpace(p.DeploymentID) == "" {
		return ErrMissingDeploymentID
	}
	if !p.Type.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStepType, p.Type)
	}
	return nil
}

// Note is free-text information attached to a deployment.
type Note struct {
	ID           string    `json:"id" gorm:"column:id;primaryKey;size:190;not null"`
	DeploymentID string    `json:"deploymentId" gorm:"column:deployment_id;size:190;not null;index"`
	Information  string    `json:"information" gorm:"column:information;type:text;not null"`
	Version      int64     `json:"version" gorm:"column:version;not null"`
	ModifiedAt   time.Time `json:"modifiedAt" gorm:"column:modified_at"`
}

// TableName provides the explicit table binding for GORM.
func (Note) TableName() string {
	return string(CollectionInfo)
}

func (n *Note) Collection() Collection { return CollectionInfo }
func (n *Note) Key() string { return n.ID }
func (n *Note) SetKey(id string) { n.ID = id }
func (n *Note) Owner() string { return n.DeploymentID }
func (n *Note) CurrentVersion() int64 { return n.Version }
func (n *Note) AssignVersion(v int64) { n.Version = v }
func (n *Note) LastModified() time.Time { return n.ModifiedAt }
func (n *Note) Touch(at time.Time) { n.ModifiedAt = at }

// Validate checks the fields a local edit must carry.
func (n *Note) Validate() error {
	if strings.TrimSpace(n.DeploymentID) == "" {
		return ErrMissingDeploymentID
	}
	return nil
}

// Collaborator is an ephemeral presence row. It is never version-checked.
type Collaborator struct {
	ID           string    `json:"id" gorm:"column:id;primaryKey;size:190;not null"`
	DeploymentID string    `json:"deploymentId" gorm:"column:deployment_id;size:190;not null;index"`
	Name         string    `json:"name" gorm:"column:name;size:320;not null"`
	LastActive   time.Time `json:"lastActive" gorm:"column:last_active"`
	LastSeen     int64     `json:"lastSeen" gorm:"column:last_seen_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Collaborator) TableName() string {
	return string(CollectionCollaborators)
}

func (c *Collaborator) Collection() Collection { return CollectionCollaborators }
func (c *Collaborator) Key() string { return c.ID }
func (c *Collaborator) SetKey(id string) { c.ID = id }
func (c *Collaborator) Owner() string { return c.DeploymentID }

// Validate checks the fields a presence row must carry.
func (c *Collaborator) Validate() error {
	if strings.TrimSpace(c.DeploymentID) == "" {
		return ErrMissingDeploymentID
	}
	return nil
}

// Device is an allow-list entry for a client installation.
type Device struct {
	ID       string    `json:"id" gorm:"column:id;primaryKey;size:190;not null"`
	Name     string    `json:"name" gorm:"column:name;size:512;not null"`
	IP       string    `json:"ip" gorm:"column:ip;size:64;not null"`
	LastSeen time.Time `json:"lastSeen" gorm:"column:last_seen"`
}

// TableName provides the explicit table binding for GORM.
func (Device) TableName() string {
	return string(CollectionDevices)
}

func (d *Device) Collection() Collection { return CollectionDevices }
func (d *Device) Key() string { return d.ID }
func (d *Device) SetKey(id string) { d.ID = id }
func (d *Device) Owner() string { return "" }
func (d *Device) Validate() error { return nil }

// ClientSetting persists a single key/value pair for the local client.
type ClientSetting struct {
	Key   string `gorm:"column:key;primaryKey;size:190;not null"`
	Value string `gorm:"column:value;type:text;not null"`
}

// TableName provides the explicit table binding for GORM.
func (ClientSetting) TableName() string {
	return "client_settings"
}

// Models lists every table the local store migrates.
func Models() []any {
	return []any{
		&Deployment{},
		&Step{},
		&Prerequisite{},
		&Note{},
		&Collaborator{},
		&Device{},
		&ClientSetting{},
	}
}
