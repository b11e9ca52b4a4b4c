package cli

import (
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pbxops/pbxprov/internal/models"
	"github.com/pbxops/pbxprov/internal/session"
)

func resetState(t *testing.T) {
	t.Helper()
	store = session.NewProfileStore(filepath.Join(t.TempDir(), "profiles.json"))
	sessions = session.NewRegistry()
}

func sessionCommand() *cobra.Command {
	cmd := &cobra.Command{}
	cmd.Flags().String("session", "", "")
	return cmd
}

func TestMustSessionResolvesThroughRegistry(t *testing.T) {
	resetState(t)
	saved := &models.Session{
		Key:      session.ProfileKey("https://pbx.example.org", "cid"),
		BaseURL:  "https://pbx.example.org",
		ClientID: "cid",
	}
	require.NoError(t, store.Upsert(saved))

	got := mustSession(sessionCommand())
	assert.Equal(t, saved.Key, got.Key)

	// A bearer token acquired during the process must survive later
	// resolutions: the registry serves the live session instead of
	// re-reading the tokenless profile file.
	got.Token = "bearer-123"
	again := mustSession(sessionCommand())
	assert.Same(t, got, again)
	assert.Equal(t, "bearer-123", again.Token)
}

func TestMustSessionPicksFlaggedKey(t *testing.T) {
	resetState(t)
	require.NoError(t, store.Upsert(&models.Session{Key: "aaa111aaa111", BaseURL: "https://a"}))
	require.NoError(t, store.Upsert(&models.Session{Key: "bbb222bbb222", BaseURL: "https://b"}))

	cmd := sessionCommand()
	require.NoError(t, cmd.Flags().Set("session", "bbb222bbb222"))
	assert.Equal(t, "https://b", mustSession(cmd).BaseURL)
}

func TestNewProvisionerChannelBackends(t *testing.T) {
	direct := &models.Session{
		BaseURL: "https://pbx.example.org",
		DB:      &models.DBCredentials{Host: "127.0.0.1", Port: 3306, User: "freepbxuser", Password: "pw", Name: "asterisk"},
	}
	assert.NotNil(t, newProvisioner(direct).Channel, "database credentials back the secondary channel")

	ssh := &models.Session{
		BaseURL: "https://pbx.example.org",
		SSH:     &models.SSHCredentials{Host: "pbx.example.org", Port: 22, User: "root", Password: "pw"},
	}
	assert.NotNil(t, newProvisioner(ssh).Channel)

	bare := &models.Session{BaseURL: "https://pbx.example.org"}
	assert.Nil(t, newProvisioner(bare).Channel)
}
