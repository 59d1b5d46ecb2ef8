package model

import (
	"fmt"
	"time"
)

// Role is the part an environment plays in a refresh.
type Role string

const (
	RoleSource Role = "SOURCE"
	RoleTarget Role = "TARGET"
	RoleBackup Role = "BACKUP"
)

// Status is the lifecycle state of an environment incarnation.
type Status string

const (
	StatusActive  Status = "ACTIVE"
	StatusStale   Status = "STALE"
	StatusDeleted Status = "DELETED"
)

// ValidRoles defines the allowed role strings.
var ValidRoles = map[Role]bool{
	RoleSource: true,
	RoleTarget: true,
	RoleBackup: true,
}

// ValidStatuses defines the allowed status strings.
var ValidStatuses = map[Status]bool{
	StatusActive:  true,
	StatusStale:   true,
	StatusDeleted: true,
}

// Environment is one incarnation of a named, independently addressable dataset copy.
//
// Re-cloning a target produces a new incarnation (new ID) with the same Name; the
// previous incarnation moves to DELETED. Parent is empty for SOURCE environments and
// for targets discovered without lineage.
type Environment struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Role        Role      `json:"role"`
	CreatedAt   time.Time `json:"created_at"`
	Parent      string    `json:"parent,omitempty"`       // Environment this one was cloned from
	BacksTarget string    `json:"backs_target,omitempty"` // Set for BACKUP only
	Status      Status    `json:"status"`
}

func (e Environment) String() string {
	if e.Parent != "" {
		return fmt.Sprintf("%s (%s, %s, from %s)", e.Name, e.Role, e.Status, e.Parent)
	}
	return fmt.Sprintf("%s (%s, %s)", e.Name, e.Role, e.Status)
}

// Backup is a BACKUP environment decoded through the naming contract.
//
// Backups for one target are totally ordered by (CreatedAt, Seq).
type Backup struct {
	Name      string    `json:"name"`
	Target    string    `json:"target"`
	CreatedAt time.Time `json:"created_at"`
	Seq       int       `json:"seq"` // Tiebreak for backups created within the same second
}

// Newer reports whether b sorts after other in backup order.
func (b Backup) Newer(other Backup) bool {
	if !b.CreatedAt.Equal(other.CreatedAt) {
		return b.CreatedAt.After(other.CreatedAt)
	}
	if b.Seq != other.Seq {
		return b.Seq > other.Seq
	}
	return b.Name > other.Name
}
