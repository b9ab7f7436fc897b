// Package sharing implements the access-granting protocol: invites, project
// membership and the wrapped-key access list. The server only ever holds
// plaintext key material transiently inside a single request.
package sharing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/datahaven-io/datahaven/dao/model"
	"github.com/datahaven-io/datahaven/internal/util"
	"github.com/datahaven-io/datahaven/pkg/keyenvelope"
	"github.com/datahaven-io/datahaven/pkg/logutils"
	"github.com/datahaven-io/datahaven/pkg/mailer"
	"github.com/datahaven-io/datahaven/pkg/utils"
)

type Policy struct {
	InviteValidDays int
}

type Engine struct {
	db     *gorm.DB
	notify mailer.Notifier
	policy Policy

	now func() time.Time
}

func NewEngine(db *gorm.DB, notify mailer.Notifier, policy Policy) *Engine {
	return &Engine{db: db, notify: notify, policy: policy, now: utils.CurrentTime}
}

// ShareRequest asks for an email address to get access, either to one
// project (researcher capacity, optionally as owner) or unit-wide (staff
// roles, no project given).
type ShareRequest struct {
	Email     string
	Role      model.Role
	Owner     bool
	ProjectID string
}

// ShareOutcome reports what AddOrInvite did. Token is only set for a fresh
// invite; it is also mailed to the invitee and never stored.
type ShareOutcome struct {
	Invited  bool
	Username string
	Token    string
}

// AddOrInvite routes an email address to the right grant path: an existing
// user gets project access, an open invite gets the project added, and an
// unknown address gets a fresh invite with its own keypair.
func (e *Engine) AddOrInvite(ctx context.Context, actor util.JWTMessage, sessionKey []byte, req *ShareRequest) (*ShareOutcome, error) {
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if email == "" {
		return nil, fmt.Errorf("%w: email is required", ErrNotFound)
	}
	// "Project Owner" is a capacity on the association, not an account role.
	if req.Role == model.RoleProjectOwner {
		req.Role = model.RoleResearcher
		req.Owner = true
	}
	if err := e.checkPermission(ctx, actor, req); err != nil {
		return nil, err
	}

	db := e.db.WithContext(ctx)

	if user, err := e.userByEmail(db, email); err == nil {
		if req.Role.IsUnitLevel() {
			return nil, fmt.Errorf("%w: %s is already registered", ErrSameAccess, email)
		}
		if err := e.GrantAccess(ctx, actor, sessionKey, user.Username, req.ProjectID, req.Owner); err != nil {
			return nil, err
		}
		return &ShareOutcome{Username: user.Username}, nil
	}

	var invite model.Invite
	if err := db.Where("email = ?", email).First(&invite).Error; err == nil {
		if req.Role.IsUnitLevel() {
			return nil, fmt.Errorf("%w: %s already has an open invite", ErrSameAccess, email)
		}
		if err := e.grantToInvite(ctx, actor, sessionKey, &invite, req); err != nil {
			return nil, err
		}
		return &ShareOutcome{Invited: true}, nil
	}

	return e.createInvite(ctx, actor, sessionKey, email, req)
}

// createInvite builds the invite row and its keypair. The private half is
// sealed under a one-time token which only travels by email; the server
// keeps the salt, not the token.
func (e *Engine) createInvite(ctx context.Context, actor util.JWTMessage, sessionKey []byte, email string, req *ShareRequest) (*ShareOutcome, error) {
	token := uuid.NewString()
	kp, err := keyenvelope.GenerateEncryptedKeypair([]byte(token))
	if err != nil {
		return nil, err
	}

	invite := &model.Invite{
		Email:        email,
		Role:         req.Role,
		PublicKey:    kp.PublicKey,
		PrivateKey:   kp.PrivateKey,
		PrivkeyNonce: kp.Nonce,
		KDFSalt:      kp.Salt,
	}
	if req.Role.IsUnitLevel() {
		unitID := actor.UnitID
		invite.UnitID = &unitID
	}

	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(invite).Error; err != nil {
			return err
		}

		switch {
		case req.Role.IsUnitLevel():
			// Unit staff get blanket access: share every active project of
			// the unit. A Super Admin bootstrapping a unit holds no project
			// keys, so there is nothing to share yet.
			if actor.Role == model.RoleSuperAdmin {
				return nil
			}
			return e.shareUnitProjectsWithInvite(tx, actor, sessionKey, invite)

		default:
			project, err := e.activeProject(tx, req.ProjectID)
			if err != nil {
				return err
			}
			if err := tx.Create(&model.ProjectInvite{
				ProjectID: project.ID,
				InviteID:  invite.ID,
				Owner:     req.Owner,
			}).Error; err != nil {
				return err
			}
			return e.wrapForInvite(tx, actor, sessionKey, project, invite)
		}
	})
	if err != nil {
		return nil, err
	}

	if e.notify != nil {
		if err := e.notify.InviteCreated(email, token, req.Role.String()); err != nil {
			logutils.Log.Warnf("invite email to %s failed: %v", email, err)
		}
	}
	logutils.Log.Infof("invite for %s created by %s", email, actor.Username)
	return &ShareOutcome{Invited: true, Token: token}, nil
}

func (e *Engine) shareUnitProjectsWithInvite(tx *gorm.DB, actor util.JWTMessage, sessionKey []byte, invite *model.Invite) error {
	var projects []model.Project
	if err := tx.Preload("Statuses").
		Where("unit_id = ?", actor.UnitID).Find(&projects).Error; err != nil {
		return err
	}
	for i := range projects {
		if projects[i].CurrentState().Terminal() {
			continue
		}
		if err := e.wrapForInvite(tx, actor, sessionKey, &projects[i], invite); err != nil {
			return err
		}
	}
	return nil
}

// grantToInvite adds one more project to an open invite.
func (e *Engine) grantToInvite(ctx context.Context, actor util.JWTMessage, sessionKey []byte, invite *model.Invite, req *ShareRequest) error {
	return e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		project, err := e.activeProject(tx, req.ProjectID)
		if err != nil {
			return err
		}

		var existing model.ProjectInvite
		err = tx.Where("project_id = ? AND invite_id = ?", project.ID, invite.ID).
			First(&existing).Error
		switch {
		case err == nil && existing.Owner == req.Owner:
			return ErrSameAccess
		case err == nil:
			return tx.Model(&model.ProjectInvite{}).
				Where("project_id = ? AND invite_id = ?", project.ID, invite.ID).
				Update("owner", req.Owner).Error
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return err
		}

		if err := tx.Create(&model.ProjectInvite{
			ProjectID: project.ID,
			InviteID:  invite.ID,
			Owner:     req.Owner,
		}).Error; err != nil {
			return err
		}
		return e.wrapForInvite(tx, actor, sessionKey, project, invite)
	})
}

// GrantAccess gives an existing user access to one project. A grant that
// matches the user's current access is a conflict, a grant that differs only
// in the owner flag mutates the association in place without touching keys.
func (e *Engine) GrantAccess(ctx context.Context, actor util.JWTMessage, sessionKey []byte, username, projectID string, owner bool) error {
	return e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		project, err := e.activeProject(tx, projectID)
		if err != nil {
			return err
		}
		if err := e.checkProjectAuthority(tx, actor, project); err != nil {
			return err
		}

		var target model.User
		if err := tx.Where("username = ?", username).First(&target).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: user %s", ErrNotFound, username)
			}
			return err
		}

		var existing model.ProjectUser
		err = tx.Where("project_id = ? AND username = ?", project.ID, username).
			First(&existing).Error
		switch {
		case err == nil && existing.Owner == owner:
			return ErrSameAccess
		case err == nil:
			// Capability change only; the target already holds the key.
			return tx.Model(&model.ProjectUser{}).
				Where("project_id = ? AND username = ?", project.ID, username).
				Update("owner", owner).Error
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return err
		}

		if err := tx.Create(&model.ProjectUser{
			ProjectID: project.ID,
			Username:  username,
			Owner:     owner,
		}).Error; err != nil {
			return err
		}

		projectKey, err := e.projectPlainKey(tx, project, actor.Username, sessionKey)
		if err != nil {
			return err
		}
		defer keyenvelope.Zero(projectKey)

		wrapped, err := keyenvelope.Wrap(projectKey, target.PublicKey)
		if err != nil {
			return err
		}
		if err := tx.Create(&model.ProjectUserKey{
			ProjectID: project.ID,
			Username:  username,
			Key:       wrapped,
		}).Error; err != nil {
			return err
		}

		if project.CurrentState() == model.StateAvailable && e.notify != nil {
			if email := e.primaryEmail(tx, target.ID); email != "" {
				if err := e.notify.AccessGranted(email, project.PublicID); err != nil {
					logutils.Log.Warnf("access email to %s failed: %v", email, err)
				}
			}
		}
		logutils.Log.Infof("user %s granted access to %s by %s", username, project.PublicID, actor.Username)
		return nil
	})
}

// RevokeAccess removes a user's or invite's membership and wrapped key for a
// project. Revoking access that was never granted surfaces as not found.
func (e *Engine) RevokeAccess(ctx context.Context, actor util.JWTMessage, email, projectID string) error {
	email = strings.ToLower(strings.TrimSpace(email))
	return e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		project, err := e.loadProject(tx, projectID)
		if err != nil {
			return err
		}
		if err := e.checkProjectAuthority(tx, actor, project); err != nil {
			return err
		}

		if user, err := e.userByEmail(tx, email); err == nil {
			res := tx.Where("project_id = ? AND username = ?", project.ID, user.Username).
				Delete(&model.ProjectUser{})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return fmt.Errorf("%w: %s has no access to %s", ErrNotFound, email, project.PublicID)
			}
			if err := tx.Where("project_id = ? AND username = ?", project.ID, user.Username).
				Delete(&model.ProjectUserKey{}).Error; err != nil {
				return err
			}
			logutils.Log.Infof("access of %s to %s revoked by %s", email, project.PublicID, actor.Username)
			return nil
		}

		var invite model.Invite
		if err := tx.Where("email = ?", email).First(&invite).Error; err != nil {
			return fmt.Errorf("%w: %s", ErrNotFound, email)
		}
		res := tx.Where("project_id = ? AND invite_id = ?", project.ID, invite.ID).
			Delete(&model.ProjectInvite{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: %s has no access to %s", ErrNotFound, email, project.PublicID)
		}
		return tx.Where("project_id = ? AND invite_id = ?", project.ID, invite.ID).
			Delete(&model.ProjectInviteKey{}).Error
	})
}

// AcceptInviteRequest carries what the invitee submits on activation: the
// emailed one-time token plus the chosen credentials.
type AcceptInviteRequest struct {
	Email    string
	Token    string
	Username string
	Name     string
	Password string
}

// AcceptInvite converts an invite into a user. The invite keypair becomes
// the user's keypair, re-sealed under the new password, so every wrapped
// project key carries over unchanged.
func (e *Engine) AcceptInvite(ctx context.Context, req *AcceptInviteRequest) (*model.User, error) {
	email := strings.ToLower(strings.TrimSpace(req.Email))

	var invite model.Invite
	if err := e.db.WithContext(ctx).Preload("Projects").
		Where("email = ?", email).First(&invite).Error; err != nil {
		return nil, fmt.Errorf("%w: no invite for %s", ErrNotFound, email)
	}
	if invite.Stale(e.now()) {
		return nil, ErrInviteExpired
	}

	// Opening the private key proves possession of the emailed token.
	kp := keyenvelope.EncryptedKeypair{
		PublicKey:  invite.PublicKey,
		PrivateKey: invite.PrivateKey,
		Nonce:      invite.PrivkeyNonce,
		Salt:       invite.KDFSalt,
	}
	priv, err := kp.OpenPrivateKey([]byte(req.Token))
	if err != nil {
		return nil, fmt.Errorf("%w: token does not match invite", ErrKeyUnavailable)
	}
	defer keyenvelope.Zero(priv)

	salt := keyenvelope.NewSalt()
	kek, err := keyenvelope.DeriveKey([]byte(req.Password), salt)
	if err != nil {
		return nil, err
	}
	defer keyenvelope.Zero(kek)
	sealedPriv, nonce, err := keyenvelope.Encrypt(priv, kek)
	if err != nil {
		return nil, err
	}

	user := &model.User{
		Username:     req.Username,
		Name:         req.Name,
		Role:         invite.Role,
		UnitID:       invite.UnitID,
		Active:       true,
		PublicKey:    invite.PublicKey,
		PrivateKey:   sealedPriv,
		PrivkeyNonce: nonce,
		KDFSalt:      salt,
	}

	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(user).Error; err != nil {
			return err
		}
		if err := tx.Create(&model.Email{
			UserID:  user.ID,
			Email:   email,
			Primary: true,
		}).Error; err != nil {
			return err
		}

		for _, pi := range invite.Projects {
			if err := tx.Create(&model.ProjectUser{
				ProjectID: pi.ProjectID,
				Username:  user.Username,
				Owner:     pi.Owner,
			}).Error; err != nil {
				return err
			}
		}

		// The wrapped keys were sealed for the invite keypair, which the new
		// user now owns; the ciphertext moves over untouched.
		var keys []model.ProjectInviteKey
		if err := tx.Where("invite_id = ?", invite.ID).Find(&keys).Error; err != nil {
			return err
		}
		for _, k := range keys {
			if err := tx.Create(&model.ProjectUserKey{
				ProjectID: k.ProjectID,
				Username:  user.Username,
				Key:       k.Key,
			}).Error; err != nil {
				return err
			}
		}

		if err := tx.Where("invite_id = ?", invite.ID).Delete(&model.ProjectInviteKey{}).Error; err != nil {
			return err
		}
		if err := tx.Where("invite_id = ?", invite.ID).Delete(&model.ProjectInvite{}).Error; err != nil {
			return err
		}
		return tx.Unscoped().Delete(&invite).Error
	})
	if err != nil {
		return nil, err
	}

	logutils.Log.Infof("invite %s accepted as user %s", email, user.Username)
	return user, nil
}

// checkPermission enforces the actor-role by target-role grant rules before
// any row exists.
func (e *Engine) checkPermission(ctx context.Context, actor util.JWTMessage, req *ShareRequest) error {
	switch actor.Role {
	case model.RoleSuperAdmin:
		// Bootstrap only: unit staff accounts, never project data access.
		if !req.Role.IsUnitLevel() {
			return fmt.Errorf("%w: super admins only create unit accounts", ErrAccessDenied)
		}
		if req.ProjectID != "" {
			return fmt.Errorf("%w: super admins hold no project keys to share", ErrAccessDenied)
		}
		return nil

	case model.RoleUnitAdmin:
		if req.Role == model.RoleUnitPersonnel {
			return nil
		}
		if req.Role == model.RoleResearcher {
			if req.ProjectID == "" {
				return argumentError("a project is required to add a researcher")
			}
			return nil
		}
		return fmt.Errorf("%w: unit admins cannot create %s accounts", ErrAccessDenied, req.Role)

	case model.RoleUnitPersonnel:
		if req.Role != model.RoleResearcher {
			return fmt.Errorf("%w: unit personnel can only add researchers", ErrAccessDenied)
		}
		if req.ProjectID == "" {
			return argumentError("a project is required to add a researcher")
		}
		return nil

	case model.RoleResearcher:
		// Only project owners may extend access, and only to researchers.
		if req.Role != model.RoleResearcher || req.ProjectID == "" {
			return fmt.Errorf("%w: researchers cannot create accounts", ErrAccessDenied)
		}
		owns, err := e.isOwner(e.db.WithContext(ctx), actor.Username, req.ProjectID)
		if err != nil {
			return err
		}
		if !owns {
			return fmt.Errorf("%w: only project owners can share access", ErrAccessDenied)
		}
		return nil
	}
	return ErrAccessDenied
}

// checkProjectAuthority verifies the actor may manage access on a loaded
// project: unit staff of the owning unit, or an owner of the project itself.
func (e *Engine) checkProjectAuthority(tx *gorm.DB, actor util.JWTMessage, project *model.Project) error {
	if actor.Role.IsUnitLevel() {
		if project.UnitID == nil || *project.UnitID != actor.UnitID {
			return fmt.Errorf("%w: project belongs to another unit", ErrAccessDenied)
		}
		return nil
	}
	owns, err := e.isOwner(tx, actor.Username, project.PublicID)
	if err != nil {
		return err
	}
	if !owns {
		return fmt.Errorf("%w: only project owners can manage access", ErrAccessDenied)
	}
	return nil
}

func (e *Engine) isOwner(tx *gorm.DB, username, projectID string) (bool, error) {
	var count int64
	err := tx.Model(&model.ProjectUser{}).
		Joins("JOIN projects ON projects.id = project_users.project_id").
		Where("projects.public_id = ? AND project_users.username = ? AND project_users.owner = ?",
			projectID, username, true).
		Count(&count).Error
	return count > 0, err
}

// projectPlainKey runs the transitive re-share chain: session key opens the
// actor's private key, which opens the actor's wrapped copy of the project
// key. The result must be zeroed by the caller.
func (e *Engine) projectPlainKey(tx *gorm.DB, project *model.Project, actorUsername string, sessionKey []byte) ([]byte, error) {
	if len(sessionKey) == 0 {
		return nil, ErrKeyUnavailable
	}

	var actor model.User
	if err := tx.Where("username = ?", actorUsername).First(&actor).Error; err != nil {
		return nil, fmt.Errorf("%w: user %s", ErrNotFound, actorUsername)
	}
	actorPriv, err := keyenvelope.Decrypt(actor.PrivateKey, actor.PrivkeyNonce, sessionKey)
	if err != nil {
		return nil, ErrKeyUnavailable
	}
	defer keyenvelope.Zero(actorPriv)

	var key model.ProjectUserKey
	if err := tx.Where("project_id = ? AND username = ?", project.ID, actorUsername).
		First(&key).Error; err != nil {
		return nil, fmt.Errorf("%w: no key for project %s", ErrAccessDenied, project.PublicID)
	}
	projectKey, err := keyenvelope.Unwrap(key.Key, actor.PublicKey, actorPriv)
	if err != nil {
		return nil, ErrKeyUnavailable
	}
	return projectKey, nil
}

func (e *Engine) wrapForInvite(tx *gorm.DB, actor util.JWTMessage, sessionKey []byte, project *model.Project, invite *model.Invite) error {
	projectKey, err := e.projectPlainKey(tx, project, actor.Username, sessionKey)
	if err != nil {
		return err
	}
	defer keyenvelope.Zero(projectKey)

	wrapped, err := keyenvelope.Wrap(projectKey, invite.PublicKey)
	if err != nil {
		return err
	}
	return tx.Create(&model.ProjectInviteKey{
		ProjectID: project.ID,
		InviteID:  invite.ID,
		Key:       wrapped,
	}).Error
}

func (e *Engine) loadProject(tx *gorm.DB, publicID string) (*model.Project, error) {
	var project model.Project
	err := tx.Preload("Statuses").Where("public_id = ?", publicID).First(&project).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: project %s", ErrNotFound, publicID)
		}
		return nil, err
	}
	return &project, nil
}

// activeProject refuses access changes on projects in a terminal state.
func (e *Engine) activeProject(tx *gorm.DB, publicID string) (*model.Project, error) {
	project, err := e.loadProject(tx, publicID)
	if err != nil {
		return nil, err
	}
	if project.CurrentState().Terminal() {
		return nil, argumentError("project access can no longer be changed")
	}
	return project, nil
}

func (e *Engine) userByEmail(tx *gorm.DB, email string) (*model.User, error) {
	var user model.User
	err := tx.Joins("JOIN emails ON emails.user_id = users.id").
		Where("emails.email = ?", email).First(&user).Error
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (e *Engine) primaryEmail(tx *gorm.DB, userID uint) string {
	var row model.Email
	if err := tx.Where("user_id = ? AND \"primary\" = ?", userID, true).
		First(&row).Error; err != nil {
		return ""
	}
	return row.Email
}

// ArgumentError mirrors the lifecycle engine's argument errors so handlers
// can map both to the same response code.
type ArgumentError struct {
	Reason string
}

func (e *ArgumentError) Error() string { return e.Reason }

func argumentError(reason string) error {
	return &ArgumentError{Reason: reason}
}
