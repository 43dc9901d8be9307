package agents

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheCodingKid82/moltslack/internal/auth"
	"github.com/TheCodingKid82/moltslack/internal/clock"
	"github.com/TheCodingKid82/moltslack/internal/crypto"
	mserr "github.com/TheCodingKid82/moltslack/internal/errors"
	"github.com/TheCodingKid82/moltslack/internal/models"
	"github.com/TheCodingKid82/moltslack/internal/store"
)

func newTestDirectory(t *testing.T) (*Directory, *auth.Engine, *store.MemoryStore, *clock.FakeClock) {
	t.Helper()
	key, err := crypto.TokenSigningKey(bytes.Repeat([]byte{7}, crypto.MasterKeySize))
	require.NoError(t, err)
	clk := clock.Fake(time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC))
	engine := auth.New(key, clk, zerolog.Nop())
	mem := store.NewMemoryStore()
	return NewDirectory(engine, mem, clk, zerolog.Nop(), WithTokenTTL(time.Hour)), engine, mem, clk
}

func TestRegisterIssuesWorkingToken(t *testing.T) {
	d, engine, mem, clk := newTestDirectory(t)

	agent, token, err := d.Register(RegisterInput{Name: " @Builder ", Capabilities: []string{"go"}}, false)
	require.NoError(t, err)
	assert.Equal(t, "Builder", agent.Name)
	assert.Equal(t, models.AgentTypeAI, agent.Type)
	assert.Equal(t, models.PresenceOffline, agent.Status)
	assert.Equal(t, auth.DefaultPermissions(), agent.Permissions)
	assert.Equal(t, clk.Now().Add(time.Hour).UnixMilli(), token.ExpiresAt.UnixMilli())

	claims := engine.VerifyToken(token.Token)
	require.NotNil(t, claims)
	assert.Equal(t, agent.ID, claims.AgentID)
	assert.Equal(t, "Builder", claims.AgentName)

	stored, err := mem.GetAgent(context.Background(), agent.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, "Builder", stored.Name)
}

func TestRegisterValidation(t *testing.T) {
	d, _, _, _ := newTestDirectory(t)
	_, _, err := d.Register(RegisterInput{Name: "taken"}, false)
	require.NoError(t, err)

	tests := []struct {
		name  string
		input RegisterInput
		admin bool
		code  mserr.Code
	}{
		{"empty name", RegisterInput{Name: "  "}, false, mserr.CodeRequestInvalidInput},
		{"name with spaces", RegisterInput{Name: "two words"}, false, mserr.CodeRequestInvalidInput},
		{"unknown type", RegisterInput{Name: "robot", Type: "toaster"}, false, mserr.CodeRequestInvalidInput},
		{"duplicate name ignores case", RegisterInput{Name: "TAKEN"}, false, mserr.CodeAgentNameConflict},
		{"admin needs admin caller", RegisterInput{Name: "root", Admin: true}, false, mserr.CodeAuthPermissionDenied},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := d.Register(tt.input, tt.admin)
			require.Error(t, err)
			assert.Equal(t, tt.code, mserr.CodeOf(err))
		})
	}
}

func TestRegisterAdminByAdmin(t *testing.T) {
	d, engine, _, _ := newTestDirectory(t)

	agent, token, err := d.Register(RegisterInput{Name: "root", Type: models.AgentTypeSystem, Admin: true}, true)
	require.NoError(t, err)
	assert.True(t, auth.IsAdmin(agent.Permissions))
	assert.True(t, engine.HasPermission(token.Token, "channel:anything", models.ActionAdmin))
}

func TestLookups(t *testing.T) {
	d, _, _, clk := newTestDirectory(t)
	first, _, err := d.Register(RegisterInput{Name: "alice"}, false)
	require.NoError(t, err)
	clk.Advance(time.Second)
	second, _, err := d.Register(RegisterInput{Name: "bob"}, false)
	require.NoError(t, err)

	got, err := d.GetByName("@ALICE")
	require.NoError(t, err)
	assert.Equal(t, first.ID, got.ID)

	_, err = d.Get("missing")
	assert.True(t, mserr.IsNotFound(err))
	_, err = d.GetByName("carol")
	assert.True(t, mserr.IsNotFound(err))

	list := d.List()
	require.Len(t, list, 2)
	assert.Equal(t, first.ID, list[0].ID)
	assert.Equal(t, second.ID, list[1].ID)

	list[0].Name = "mutated"
	again, err := d.Get(first.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", again.Name)
}

func TestUpdatePermissionsRotatesToken(t *testing.T) {
	d, engine, _, _ := newTestDirectory(t)
	agent, oldToken, err := d.Register(RegisterInput{Name: "reader"}, false)
	require.NoError(t, err)

	readOnly := []models.Permission{{Resource: "channel:*", Actions: []models.Action{models.ActionRead}}}
	updated, newToken, err := d.UpdatePermissions(agent.ID, readOnly)
	require.NoError(t, err)
	assert.Equal(t, readOnly, updated.Permissions)

	assert.Nil(t, engine.VerifyToken(oldToken.Token), "old token is superseded")
	assert.True(t, engine.HasPermission(newToken.Token, "channel:general", models.ActionRead))
	assert.False(t, engine.HasPermission(newToken.Token, "channel:general", models.ActionWrite))

	_, _, err = d.UpdatePermissions(agent.ID, []models.Permission{{Resource: "channel:*"}})
	assert.True(t, mserr.IsInvalidInput(err))
	_, _, err = d.UpdatePermissions(agent.ID, []models.Permission{{Resource: "x", Actions: []models.Action{"fly"}}})
	assert.True(t, mserr.IsInvalidInput(err))
	_, _, err = d.UpdatePermissions("missing", readOnly)
	assert.True(t, mserr.IsNotFound(err))
}

func TestRefreshAndRevoke(t *testing.T) {
	d, engine, _, _ := newTestDirectory(t)
	agent, first, err := d.Register(RegisterInput{Name: "worker"}, false)
	require.NoError(t, err)

	second, err := d.RefreshToken(agent.ID)
	require.NoError(t, err)
	assert.Nil(t, engine.VerifyToken(first.Token))
	require.NotNil(t, engine.VerifyToken(second.Token))

	require.NoError(t, d.RevokeTokens(agent.ID))
	assert.Nil(t, engine.VerifyToken(second.Token))

	_, err = d.RefreshToken("missing")
	assert.True(t, mserr.IsNotFound(err))
	assert.True(t, mserr.IsNotFound(d.RevokeTokens("missing")))
}

func TestStatusMirrorAndRoles(t *testing.T) {
	d, _, mem, clk := newTestDirectory(t)
	agent, _, err := d.Register(RegisterInput{Name: "ops", Roles: []string{"oncall"}}, false)
	require.NoError(t, err)

	clk.Advance(time.Minute)
	d.RecordStatus(agent.ID, models.PresenceOnline, clk.Now())
	got, err := d.Get(agent.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PresenceOnline, got.Status)
	require.NotNil(t, got.LastSeenAt)
	assert.True(t, got.LastSeenAt.Equal(clk.Now()))

	require.NoError(t, d.SetStatus(agent.ID, models.PresenceBusy))
	stored, err := mem.GetAgent(context.Background(), agent.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PresenceBusy, stored.Status)

	assert.True(t, mserr.IsInvalidInput(d.SetStatus(agent.ID, "sleepy")))
	assert.True(t, mserr.IsNotFound(d.SetStatus("missing", models.PresenceBusy)))

	assert.True(t, d.HasRole(agent.ID, "oncall"))
	assert.False(t, d.HasRole(agent.ID, "admin"))
	assert.False(t, d.HasRole("missing", "oncall"))
}

func TestLoadRestoresNames(t *testing.T) {
	d, _, mem, _ := newTestDirectory(t)
	agent, _, err := d.Register(RegisterInput{Name: "persisted"}, false)
	require.NoError(t, err)

	restored, _, _, _ := newTestDirectory(t)
	require.NoError(t, restored.Load(context.Background(), mem))

	got, err := restored.GetByName("persisted")
	require.NoError(t, err)
	assert.Equal(t, agent.ID, got.ID)

	_, _, err = restored.Register(RegisterInput{Name: "Persisted"}, false)
	assert.True(t, mserr.IsAlreadyExists(err))
}
