package migration

import (
	"io/fs"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmbeddedMigrationsArePaired(t *testing.T) {
	entries, err := fs.ReadDir(embeddedMigrations, migrationsDir)
	require.NoError(t, err)

	ups := map[string]bool{}
	downs := map[string]bool{}
	for _, e := range entries {
		name := e.Name()
		switch {
		case strings.HasSuffix(name, ".up.sql"):
			ups[strings.TrimSuffix(name, ".up.sql")] = true
		case strings.HasSuffix(name, ".down.sql"):
			downs[strings.TrimSuffix(name, ".down.sql")] = true
		}
	}
	require.NotEmpty(t, ups)
	assert.Equal(t, ups, downs)
}

func TestLatestVersion(t *testing.T) {
	src, err := openSource()
	require.NoError(t, err)
	latest, err := latestVersion(src)
	require.NoError(t, err)
	assert.EqualValues(t, 2, latest)
}

func TestStatusPending(t *testing.T) {
	assert.True(t, Status{Current: 0, Latest: 2}.Pending())
	assert.True(t, Status{Current: 2, Latest: 2, Dirty: true}.Pending())
	assert.False(t, Status{Current: 2, Latest: 2}.Pending())
}

func TestRLSCoversTenantScopedTables(t *testing.T) {
	raw, err := fs.ReadFile(embeddedMigrations, migrationsDir+"/000002_rls.up.sql")
	require.NoError(t, err)
	for _, table := range []string{"leads", "chat_messages", "status_history", "outbox_events", "credentials"} {
		assert.Contains(t, string(raw), "CREATE POLICY "+table+"_tenant_isolation", table)
	}
}
