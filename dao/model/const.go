// Constants mirrored by database columns.
// Gin rejects zero values for fields tagged `required`, so the first constant
// of every enum starts at iota + 1 and zero stays "unset".
package model

import "fmt"

// Role of a user account on the platform.
type Role uint8

const (
	RoleResearcher    Role = iota + 1 // Invited collaborator, downloads released data
	RoleProjectOwner                  // Researcher with ownership of a project (association-level)
	RoleUnitPersonnel                 // Unit staff, uploads and manages project data
	RoleUnitAdmin                     // Unit staff with account administration rights
	RoleSuperAdmin                    // Operator account, no project data access
)

var roleNames = map[Role]string{
	RoleResearcher:    "Researcher",
	RoleProjectOwner:  "Project Owner",
	RoleUnitPersonnel: "Unit Personnel",
	RoleUnitAdmin:     "Unit Admin",
	RoleSuperAdmin:    "Super Admin",
}

func (r Role) String() string {
	if name, ok := roleNames[r]; ok {
		return name
	}
	return fmt.Sprintf("Role(%d)", uint8(r))
}

// ParseRole resolves the wire-format role name.
func ParseRole(name string) (Role, error) {
	for role, n := range roleNames {
		if n == name {
			return role, nil
		}
	}
	return 0, fmt.Errorf("invalid role %q", name)
}

// IsUnitLevel reports whether the role grants blanket access to all projects
// of the unit instead of per-project membership.
func (r Role) IsUnitLevel() bool {
	return r == RoleUnitPersonnel || r == RoleUnitAdmin
}

// ProjectState is a lifecycle state of a project. The persisted status
// history uses these values; the current state of a project is the state of
// its most recent ProjectStatus row.
type ProjectState uint8

const (
	StateInProgress ProjectState = iota + 1 // Unit is still uploading data
	StateAvailable                          // Released for download, deadline running
	StateExpired                            // Download window passed, grace period running
	StateArchived                           // Terminal, data removed
	StateDeleted                            // Terminal, never released, data and metadata scrubbed
)

var stateNames = map[ProjectState]string{
	StateInProgress: "In Progress",
	StateAvailable:  "Available",
	StateExpired:    "Expired",
	StateArchived:   "Archived",
	StateDeleted:    "Deleted",
}

func (s ProjectState) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("ProjectState(%d)", uint8(s))
}

// Terminal reports whether no further transitions are allowed from s.
func (s ProjectState) Terminal() bool {
	return s == StateArchived || s == StateDeleted
}

// ParseProjectState resolves the wire-format state name.
func ParseProjectState(name string) (ProjectState, error) {
	for state, n := range stateNames {
		if n == name {
			return state, nil
		}
	}
	return 0, fmt.Errorf("invalid project status %q", name)
}
