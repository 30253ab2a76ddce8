package domain

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// State is a workspace lifecycle state.
type State string

const (
	StateNew        State = "new"
	StateBuilding   State = "building"
	StateStarting   State = "starting"
	StateHealthy    State = "healthy"
	StateStopping   State = "stopping"
	StateStopped    State = "stopped"
	StateError      State = "error"
	StateTerminated State = "terminated"
)

var transitions = map[State][]State{
	StateNew:      {StateBuilding, StateTerminated},
	StateBuilding: {StateStarting, StateError},
	StateStarting: {StateHealthy, StateError},
	StateHealthy:  {StateStopping, StateError},
	StateStopping: {StateStopped, StateError},
	StateStopped:  {StateBuilding, StateTerminated},
	StateError:    {StateBuilding, StateStopping, StateTerminated},
}

// CanTransition reports whether a workspace may move from one state to another.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Owners carry no dashes, so the last dash of a slug always separates the
// name from the owner. Lengths keep the slug within one 63 byte DNS label.
var (
	ownerPattern = regexp.MustCompile(`^[a-z0-9]{1,22}$`)
	namePattern  = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,38}[a-z0-9])?$`)
)

// WorkspaceID identifies a workspace by its owner and name.
type WorkspaceID struct {
	Owner string `json:"owner" bson:"owner"`
	Name  string `json:"name" bson:"name"`
}

// ParseWorkspaceID parses the "owner/name" form.
func ParseWorkspaceID(s string) (WorkspaceID, error) {
	owner, name, ok := strings.Cut(s, "/")
	if !ok {
		return WorkspaceID{}, fmt.Errorf("invalid workspace id %q", s)
	}
	id := WorkspaceID{Owner: owner, Name: name}
	return id, id.Validate()
}

// Validate checks both parts are usable as tag segments, path components and DNS labels.
func (id WorkspaceID) Validate() error {
	if !ownerPattern.MatchString(id.Owner) {
		return fmt.Errorf("invalid workspace owner %q", id.Owner)
	}
	if !namePattern.MatchString(id.Name) {
		return fmt.Errorf("invalid workspace name %q", id.Name)
	}
	return nil
}

func (id WorkspaceID) String() string {
	return id.Owner + "/" + id.Name
}

// Slug is the DNS-safe "name-owner" form used for container names, image
// tags and routers. It is unique per valid id.
func (id WorkspaceID) Slug() string {
	return id.Name + "-" + id.Owner
}

// Workspace is a tenant's deployable unit, backed by at most one container.
type Workspace struct {
	ID          WorkspaceID       `json:"id" bson:"_id"`
	Image       string            `json:"image" bson:"image"`
	Source      string            `json:"source,omitempty" bson:"source,omitempty"`
	Port        int               `json:"port,omitempty" bson:"port"`
	ContainerID string            `json:"container_id,omitempty" bson:"container_id"`
	State       State             `json:"state" bson:"state"`
	LastError   string            `json:"last_error,omitempty" bson:"last_error"`
	Volumes     map[string]string `json:"volumes,omitempty" bson:"volumes,omitempty"`
	URL         string            `json:"url,omitempty" bson:"url,omitempty"`
	CreatedAt   time.Time         `json:"created_at" bson:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at" bson:"updated_at"`
}

// NewWorkspace returns a workspace in the new state.
func NewWorkspace(id WorkspaceID, now time.Time) *Workspace {
	return &Workspace{
		ID:        id,
		State:     StateNew,
		CreatedAt: now,
		UpdatedAt: now,
	}
}
