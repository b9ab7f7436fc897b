package sharing

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/datahaven-io/datahaven/dao/model"
	"github.com/datahaven-io/datahaven/dao/query"
	"github.com/datahaven-io/datahaven/internal/util"
	"github.com/datahaven-io/datahaven/pkg/keyenvelope"
)

type recordingNotifier struct {
	invites []string
	tokens  []string
	grants  []string
}

func (r *recordingNotifier) ProjectReleased(_ []string, _, _, _ string) error { return nil }

func (r *recordingNotifier) InviteCreated(recipient, token, _ string) error {
	r.invites = append(r.invites, recipient)
	r.tokens = append(r.tokens, token)
	return nil
}

func (r *recordingNotifier) AccessGranted(recipient, _ string) error {
	r.grants = append(r.grants, recipient)
	return nil
}

var testTime = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

func newTestEngine(t *testing.T) (*Engine, *recordingNotifier, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, query.MigrateForTest(db))

	notify := &recordingNotifier{}
	engine := NewEngine(db, notify, Policy{InviteValidDays: 7})
	engine.now = func() time.Time { return testTime }
	return engine, notify, db
}

func seedUnit(t *testing.T, db *gorm.DB) *model.Unit {
	t.Helper()
	unit := &model.Unit{
		PublicID:     "unit-one",
		Name:         "Unit One",
		InternalRef:  "UNO",
		ContactEmail: "support@unit.one",
	}
	require.NoError(t, db.Create(unit).Error)
	return unit
}

// seedUser creates a user with a real keypair and returns the session key a
// successful login would hand out.
func seedUser(t *testing.T, db *gorm.DB, username string, role model.Role, unitID *uint) (*model.User, []byte) {
	t.Helper()
	password := []byte("password-" + username)
	kp, err := keyenvelope.GenerateEncryptedKeypair(password)
	require.NoError(t, err)
	user := &model.User{
		Username:     username,
		Name:         username,
		Role:         role,
		UnitID:       unitID,
		Active:       true,
		PublicKey:    kp.PublicKey,
		PrivateKey:   kp.PrivateKey,
		PrivkeyNonce: kp.Nonce,
		KDFSalt:      kp.Salt,
	}
	require.NoError(t, db.Create(user).Error)
	require.NoError(t, db.Create(&model.Email{
		UserID: user.ID, Email: username + "@example.org", Primary: true,
	}).Error)

	sessionKey, err := keyenvelope.DeriveKey(password, kp.Salt)
	require.NoError(t, err)
	return user, sessionKey
}

// seedProject creates a project with a real keypair, wraps the private key
// for every member, and returns the plaintext key for assertions.
func seedProject(t *testing.T, db *gorm.DB, unit *model.Unit, publicID string, state model.ProjectState, members ...*model.User) (*model.Project, []byte) {
	t.Helper()
	pub, priv, err := keyenvelope.GenerateKeypair()
	require.NoError(t, err)

	title := "Test project"
	project := &model.Project{
		UnitID:    &unit.ID,
		PublicID:  publicID,
		Title:     &title,
		CreatedBy: "creator",
		Bucket:    publicID + "-bucket",
		PublicKey: pub,
	}
	require.NoError(t, db.Create(project).Error)
	require.NoError(t, db.Create(&model.ProjectStatus{
		ProjectID: project.ID, State: state, CreatedAt: testTime.Add(-time.Hour),
	}).Error)

	for _, m := range members {
		wrapped, err := keyenvelope.Wrap(priv, m.PublicKey)
		require.NoError(t, err)
		require.NoError(t, db.Create(&model.ProjectUserKey{
			ProjectID: project.ID, Username: m.Username, Key: wrapped,
		}).Error)
	}
	return project, priv
}

func actorMsg(user *model.User) util.JWTMessage {
	msg := util.JWTMessage{UserID: user.ID, Username: user.Username, Role: user.Role}
	if user.UnitID != nil {
		msg.UnitID = *user.UnitID
	}
	return msg
}

func TestPermissionMatrix(t *testing.T) {
	cases := []struct {
		actor   model.Role
		target  model.Role
		project string
		ok      bool
	}{
		{model.RoleSuperAdmin, model.RoleUnitAdmin, "", true},
		{model.RoleSuperAdmin, model.RoleUnitPersonnel, "", true},
		{model.RoleSuperAdmin, model.RoleResearcher, "UNO00001", false},
		{model.RoleSuperAdmin, model.RoleUnitAdmin, "UNO00001", false},
		{model.RoleUnitAdmin, model.RoleUnitPersonnel, "", true},
		{model.RoleUnitAdmin, model.RoleResearcher, "UNO00001", true},
		{model.RoleUnitAdmin, model.RoleUnitAdmin, "", false},
		{model.RoleUnitAdmin, model.RoleSuperAdmin, "", false},
		{model.RoleUnitPersonnel, model.RoleResearcher, "UNO00001", true},
		{model.RoleUnitPersonnel, model.RoleUnitPersonnel, "", false},
		{model.RoleResearcher, model.RoleResearcher, "UNO00001", false}, // not an owner
	}

	for i, tc := range cases {
		t.Run(fmt.Sprintf("%s_invites_%s", tc.actor, tc.target), func(t *testing.T) {
			engine, _, db := newTestEngine(t)
			unit := seedUnit(t, db)
			actor, sessionKey := seedUser(t, db, fmt.Sprintf("actor%d", i), tc.actor, &unit.ID)
			if tc.project != "" {
				seedProject(t, db, unit, tc.project, model.StateInProgress, actor)
			}

			_, err := engine.AddOrInvite(context.Background(), actorMsg(actor), sessionKey, &ShareRequest{
				Email:     "invitee@example.org",
				Role:      tc.target,
				ProjectID: tc.project,
			})
			if tc.ok {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
			}
		})
	}
}

func TestInviteCreatesWorkingKeyChain(t *testing.T) {
	engine, notify, db := newTestEngine(t)
	unit := seedUnit(t, db)
	admin, sessionKey := seedUser(t, db, "admin", model.RoleUnitAdmin, &unit.ID)
	project, projectKey := seedProject(t, db, unit, "UNO00001", model.StateInProgress, admin)

	outcome, err := engine.AddOrInvite(context.Background(), actorMsg(admin), sessionKey, &ShareRequest{
		Email:     "Collaborator@Example.org",
		Role:      model.RoleResearcher,
		ProjectID: project.PublicID,
	})
	require.NoError(t, err)
	require.True(t, outcome.Invited)
	require.NotEmpty(t, outcome.Token)
	require.Equal(t, []string{"collaborator@example.org"}, notify.invites)

	var invite model.Invite
	require.NoError(t, db.Where("email = ?", "collaborator@example.org").First(&invite).Error)
	assert.Equal(t, model.RoleResearcher, invite.Role)

	// The emailed token must open the invite keypair, and the wrapped
	// project key must round-trip through it.
	kp := keyenvelope.EncryptedKeypair{
		PublicKey:  invite.PublicKey,
		PrivateKey: invite.PrivateKey,
		Nonce:      invite.PrivkeyNonce,
		Salt:       invite.KDFSalt,
	}
	invitePriv, err := kp.OpenPrivateKey([]byte(outcome.Token))
	require.NoError(t, err)

	var wrapped model.ProjectInviteKey
	require.NoError(t, db.Where("invite_id = ?", invite.ID).First(&wrapped).Error)
	unwrapped, err := keyenvelope.Unwrap(wrapped.Key, invite.PublicKey, invitePriv)
	require.NoError(t, err)
	assert.Equal(t, projectKey, unwrapped)
}

func TestUnitLevelInviteSharesAllActiveProjects(t *testing.T) {
	engine, _, db := newTestEngine(t)
	unit := seedUnit(t, db)
	admin, sessionKey := seedUser(t, db, "admin", model.RoleUnitAdmin, &unit.ID)
	seedProject(t, db, unit, "UNO00001", model.StateInProgress, admin)
	seedProject(t, db, unit, "UNO00002", model.StateAvailable, admin)
	seedProject(t, db, unit, "UNO00003", model.StateArchived, admin)

	_, err := engine.AddOrInvite(context.Background(), actorMsg(admin), sessionKey, &ShareRequest{
		Email: "staff@example.org",
		Role:  model.RoleUnitPersonnel,
	})
	require.NoError(t, err)

	var invite model.Invite
	require.NoError(t, db.Where("email = ?", "staff@example.org").First(&invite).Error)
	require.NotNil(t, invite.UnitID)
	assert.Equal(t, unit.ID, *invite.UnitID)

	var keyCount int64
	require.NoError(t, db.Model(&model.ProjectInviteKey{}).
		Where("invite_id = ?", invite.ID).Count(&keyCount).Error)
	assert.EqualValues(t, 2, keyCount, "archived projects are not shared")
}

func TestSuperAdminBootstrapSharesNoKeys(t *testing.T) {
	engine, _, db := newTestEngine(t)
	unit := seedUnit(t, db)
	root, sessionKey := seedUser(t, db, "root", model.RoleSuperAdmin, &unit.ID)

	outcome, err := engine.AddOrInvite(context.Background(), actorMsg(root), sessionKey, &ShareRequest{
		Email: "newadmin@example.org",
		Role:  model.RoleUnitAdmin,
	})
	require.NoError(t, err)
	require.True(t, outcome.Invited)

	var keyCount int64
	require.NoError(t, db.Model(&model.ProjectInviteKey{}).Count(&keyCount).Error)
	assert.Zero(t, keyCount)
}

func TestGrantAccessToExistingUser(t *testing.T) {
	engine, notify, db := newTestEngine(t)
	unit := seedUnit(t, db)
	admin, sessionKey := seedUser(t, db, "admin", model.RoleUnitAdmin, &unit.ID)
	researcher, researcherKey := seedUser(t, db, "researcher", model.RoleResearcher, nil)
	project, projectKey := seedProject(t, db, unit, "UNO00001", model.StateAvailable, admin)

	outcome, err := engine.AddOrInvite(context.Background(), actorMsg(admin), sessionKey, &ShareRequest{
		Email:     "researcher@example.org",
		Role:      model.RoleResearcher,
		ProjectID: project.PublicID,
	})
	require.NoError(t, err)
	assert.False(t, outcome.Invited)
	assert.Equal(t, "researcher", outcome.Username)
	assert.Equal(t, []string{"researcher@example.org"}, notify.grants)

	// The full chain: researcher's session key opens their private key,
	// which opens the freshly wrapped project key.
	researcherPriv, err := keyenvelope.Decrypt(researcher.PrivateKey, researcher.PrivkeyNonce, researcherKey)
	require.NoError(t, err)
	var key model.ProjectUserKey
	require.NoError(t, db.Where("project_id = ? AND username = ?", project.ID, "researcher").
		First(&key).Error)
	unwrapped, err := keyenvelope.Unwrap(key.Key, researcher.PublicKey, researcherPriv)
	require.NoError(t, err)
	assert.Equal(t, projectKey, unwrapped)
}

func TestGrantSameAccessConflicts(t *testing.T) {
	engine, _, db := newTestEngine(t)
	unit := seedUnit(t, db)
	admin, sessionKey := seedUser(t, db, "admin", model.RoleUnitAdmin, &unit.ID)
	seedUser(t, db, "researcher", model.RoleResearcher, nil)
	project, _ := seedProject(t, db, unit, "UNO00001", model.StateInProgress, admin)

	require.NoError(t, engine.GrantAccess(context.Background(), actorMsg(admin), sessionKey,
		"researcher", project.PublicID, false))

	err := engine.GrantAccess(context.Background(), actorMsg(admin), sessionKey,
		"researcher", project.PublicID, false)
	require.ErrorIs(t, err, ErrSameAccess)
}

func TestOwnershipChangeFlipsFlagInPlace(t *testing.T) {
	engine, _, db := newTestEngine(t)
	unit := seedUnit(t, db)
	admin, sessionKey := seedUser(t, db, "admin", model.RoleUnitAdmin, &unit.ID)
	seedUser(t, db, "researcher", model.RoleResearcher, nil)
	project, _ := seedProject(t, db, unit, "UNO00001", model.StateInProgress, admin)

	require.NoError(t, engine.GrantAccess(context.Background(), actorMsg(admin), sessionKey,
		"researcher", project.PublicID, false))

	var keyBefore model.ProjectUserKey
	require.NoError(t, db.Where("project_id = ? AND username = ?", project.ID, "researcher").
		First(&keyBefore).Error)

	require.NoError(t, engine.GrantAccess(context.Background(), actorMsg(admin), sessionKey,
		"researcher", project.PublicID, true))

	var association model.ProjectUser
	require.NoError(t, db.Where("project_id = ? AND username = ?", project.ID, "researcher").
		First(&association).Error)
	assert.True(t, association.Owner)

	var count int64
	require.NoError(t, db.Model(&model.ProjectUser{}).
		Where("project_id = ? AND username = ?", project.ID, "researcher").Count(&count).Error)
	assert.EqualValues(t, 1, count, "ownership change must not duplicate the association")

	var keyAfter model.ProjectUserKey
	require.NoError(t, db.Where("project_id = ? AND username = ?", project.ID, "researcher").
		First(&keyAfter).Error)
	assert.Equal(t, keyBefore.Key, keyAfter.Key, "no re-wrap on a capability change")
}

func TestGrantWithoutSessionKeyFails(t *testing.T) {
	engine, _, db := newTestEngine(t)
	unit := seedUnit(t, db)
	admin, _ := seedUser(t, db, "admin", model.RoleUnitAdmin, &unit.ID)
	seedUser(t, db, "researcher", model.RoleResearcher, nil)
	project, _ := seedProject(t, db, unit, "UNO00001", model.StateInProgress, admin)

	err := engine.GrantAccess(context.Background(), actorMsg(admin), nil,
		"researcher", project.PublicID, false)
	require.ErrorIs(t, err, ErrKeyUnavailable)

	var count int64
	require.NoError(t, db.Model(&model.ProjectUser{}).
		Where("project_id = ?", project.ID).Count(&count).Error)
	assert.Zero(t, count, "failed grant must not leave a keyless association")
}

func TestGrantDeniedForForeignUnit(t *testing.T) {
	engine, _, db := newTestEngine(t)
	unit := seedUnit(t, db)
	other := &model.Unit{PublicID: "unit-two", Name: "Unit Two", InternalRef: "UNT", ContactEmail: "x@y.z"}
	require.NoError(t, db.Create(other).Error)

	admin, sessionKey := seedUser(t, db, "admin", model.RoleUnitAdmin, &other.ID)
	seedUser(t, db, "researcher", model.RoleResearcher, nil)
	project, _ := seedProject(t, db, unit, "UNO00001", model.StateInProgress)

	err := engine.GrantAccess(context.Background(), actorMsg(admin), sessionKey,
		"researcher", project.PublicID, false)
	require.ErrorIs(t, err, ErrAccessDenied)
}

func TestRevokeAccess(t *testing.T) {
	engine, _, db := newTestEngine(t)
	unit := seedUnit(t, db)
	admin, sessionKey := seedUser(t, db, "admin", model.RoleUnitAdmin, &unit.ID)
	seedUser(t, db, "researcher", model.RoleResearcher, nil)
	project, _ := seedProject(t, db, unit, "UNO00001", model.StateInProgress, admin)

	require.NoError(t, engine.GrantAccess(context.Background(), actorMsg(admin), sessionKey,
		"researcher", project.PublicID, false))
	require.NoError(t, engine.RevokeAccess(context.Background(), actorMsg(admin),
		"researcher@example.org", project.PublicID))

	var associations, keys int64
	require.NoError(t, db.Model(&model.ProjectUser{}).
		Where("project_id = ? AND username = ?", project.ID, "researcher").Count(&associations).Error)
	require.NoError(t, db.Model(&model.ProjectUserKey{}).
		Where("project_id = ? AND username = ?", project.ID, "researcher").Count(&keys).Error)
	assert.Zero(t, associations)
	assert.Zero(t, keys)

	err := engine.RevokeAccess(context.Background(), actorMsg(admin),
		"researcher@example.org", project.PublicID)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestAcceptInvite(t *testing.T) {
	engine, _, db := newTestEngine(t)
	unit := seedUnit(t, db)
	admin, sessionKey := seedUser(t, db, "admin", model.RoleUnitAdmin, &unit.ID)
	project, projectKey := seedProject(t, db, unit, "UNO00001", model.StateInProgress, admin)

	outcome, err := engine.AddOrInvite(context.Background(), actorMsg(admin), sessionKey, &ShareRequest{
		Email:     "newcomer@example.org",
		Role:      model.RoleResearcher,
		Owner:     true,
		ProjectID: project.PublicID,
	})
	require.NoError(t, err)

	user, err := engine.AcceptInvite(context.Background(), &AcceptInviteRequest{
		Email:    "newcomer@example.org",
		Token:    outcome.Token,
		Username: "newcomer",
		Name:     "New Comer",
		Password: "correct horse battery staple",
	})
	require.NoError(t, err)
	assert.Equal(t, model.RoleResearcher, user.Role)

	var inviteCount int64
	require.NoError(t, db.Unscoped().Model(&model.Invite{}).Count(&inviteCount).Error)
	assert.Zero(t, inviteCount, "accepted invites are removed, not soft-deleted")

	var association model.ProjectUser
	require.NoError(t, db.Where("project_id = ? AND username = ?", project.ID, "newcomer").
		First(&association).Error)
	assert.True(t, association.Owner)

	// The carried-over key chain must open with the chosen password.
	kek, err := keyenvelope.DeriveKey([]byte("correct horse battery staple"), user.KDFSalt)
	require.NoError(t, err)
	priv, err := keyenvelope.Decrypt(user.PrivateKey, user.PrivkeyNonce, kek)
	require.NoError(t, err)
	var key model.ProjectUserKey
	require.NoError(t, db.Where("project_id = ? AND username = ?", project.ID, "newcomer").
		First(&key).Error)
	unwrapped, err := keyenvelope.Unwrap(key.Key, user.PublicKey, priv)
	require.NoError(t, err)
	assert.Equal(t, projectKey, unwrapped)
}

func TestAcceptInviteWrongToken(t *testing.T) {
	engine, _, db := newTestEngine(t)
	unit := seedUnit(t, db)
	admin, sessionKey := seedUser(t, db, "admin", model.RoleUnitAdmin, &unit.ID)
	project, _ := seedProject(t, db, unit, "UNO00001", model.StateInProgress, admin)

	_, err := engine.AddOrInvite(context.Background(), actorMsg(admin), sessionKey, &ShareRequest{
		Email:     "newcomer@example.org",
		Role:      model.RoleResearcher,
		ProjectID: project.PublicID,
	})
	require.NoError(t, err)

	_, err = engine.AcceptInvite(context.Background(), &AcceptInviteRequest{
		Email:    "newcomer@example.org",
		Token:    "not-the-token",
		Username: "newcomer",
		Password: "pw",
	})
	require.ErrorIs(t, err, ErrKeyUnavailable)
}

func TestAcceptExpiredInvite(t *testing.T) {
	engine, _, db := newTestEngine(t)
	unit := seedUnit(t, db)
	admin, sessionKey := seedUser(t, db, "admin", model.RoleUnitAdmin, &unit.ID)
	project, _ := seedProject(t, db, unit, "UNO00001", model.StateInProgress, admin)

	outcome, err := engine.AddOrInvite(context.Background(), actorMsg(admin), sessionKey, &ShareRequest{
		Email:     "late@example.org",
		Role:      model.RoleResearcher,
		ProjectID: project.PublicID,
	})
	require.NoError(t, err)

	require.NoError(t, db.Model(&model.Invite{}).
		Where("email = ?", "late@example.org").
		Update("created_at", testTime.Add(-8*24*time.Hour)).Error)

	_, err = engine.AcceptInvite(context.Background(), &AcceptInviteRequest{
		Email:    "late@example.org",
		Token:    outcome.Token,
		Username: "late",
		Password: "pw",
	})
	require.ErrorIs(t, err, ErrInviteExpired)
}
