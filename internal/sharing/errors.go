package sharing

import "errors"

var (
	// ErrAccessDenied means the actor's role may not perform the requested
	// grant. Checked before any row is created.
	ErrAccessDenied = errors.New("access denied")

	// ErrSameAccess is the no-op conflict: the target already holds exactly
	// the requested access. Distinct from a true failure so callers can map
	// it to a conflict status.
	ErrSameAccess = errors.New("target already has the requested access")

	// ErrNotFound covers unknown projects, users, invites and revocations of
	// access that was never granted.
	ErrNotFound = errors.New("no such user, invite or project")

	// ErrKeyUnavailable means the actor's session key was missing or could
	// not open the actor's own key material, so no re-share is possible.
	ErrKeyUnavailable = errors.New("session key missing or invalid")

	// ErrInviteExpired is returned when an invite past its validity window is
	// accepted. The invite is left for the sweep to remove.
	ErrInviteExpired = errors.New("invite has expired")
)
