package scopes_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcpgate/mcpgate/pkg/scopes"
)

const testConfig = `
admin_groups:
  - mcp-admins
group_mappings:
  developers:
    - mcp-servers-restricted/read
  finance-team:
    - mcp-servers-finance/read
scopes:
  mcp-servers-restricted/read:
    - server: /currenttime
      tools: ["*"]
    - server: /stocks
      tools: [get_quote]
  mcp-servers-finance/read:
    - server: /stocks
      tools: ["*"]
`

func TestMappingResolve(t *testing.T) {
	t.Parallel()

	mapping, err := scopes.Parse([]byte(testConfig))
	require.NoError(t, err)

	tests := []struct {
		name       string
		groups     []string
		wantAdmin  bool
		wantServer map[string]bool
		wantTool   map[[2]string]bool
	}{
		{
			name:   "developer gets restricted scope",
			groups: []string{"developers"},
			wantServer: map[string]bool{
				"/currenttime": true,
				"/stocks":      true,
				"/other":       false,
			},
			wantTool: map[[2]string]bool{
				{"/currenttime", "get_time"}: true,
				{"/stocks", "get_quote"}:     true,
				{"/stocks", "trade"}:         false,
			},
		},
		{
			name:   "union of scopes upgrades tool set to wildcard",
			groups: []string{"developers", "finance-team"},
			wantTool: map[[2]string]bool{
				{"/stocks", "get_quote"}: true,
				{"/stocks", "trade"}:     true,
			},
		},
		{
			name:      "admin bypasses everything",
			groups:    []string{"mcp-admins"},
			wantAdmin: true,
			wantServer: map[string]bool{
				"/anything": true,
			},
			wantTool: map[[2]string]bool{
				{"/anything", "anytool"}: true,
			},
		},
		{
			name:   "unknown group contributes nothing",
			groups: []string{"strangers"},
			wantServer: map[string]bool{
				"/currenttime": false,
			},
		},
		{
			name:   "no groups no access",
			groups: nil,
			wantServer: map[string]bool{
				"/currenttime": false,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			access := mapping.Resolve(tt.groups)
			assert.Equal(t, tt.wantAdmin, access.Admin)
			for path, want := range tt.wantServer {
				assert.Equal(t, want, access.CanAccessServer(path), "server %s", path)
			}
			for key, want := range tt.wantTool {
				assert.Equal(t, want, access.CanAccessTool(key[0], key[1]), "tool %s on %s", key[1], key[0])
			}
		})
	}
}

func TestMappingUnknownGroups(t *testing.T) {
	t.Parallel()

	mapping, err := scopes.Parse([]byte(testConfig))
	require.NoError(t, err)

	unknown := mapping.UnknownGroups([]string{"developers", "strangers", "mcp-admins"})
	assert.Equal(t, []string{"strangers"}, unknown)
}

func TestParseRejectsNonPathServer(t *testing.T) {
	t.Parallel()

	_, err := scopes.Parse([]byte(`
scopes:
  bad/scope:
    - server: not-a-path
      tools: ["*"]
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a path")
}

func writeScopeFile(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "scopes.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestProviderReloadIsAtomic(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := writeScopeFile(t, dir, testConfig)

	provider, err := scopes.NewProvider(path)
	require.NoError(t, err)

	// A holder of the old mapping keeps resolving against it even after a
	// reload swaps in the new generation.
	old := provider.Current()
	require.True(t, old.Resolve([]string{"developers"}).CanAccessServer("/currenttime"))

	require.NoError(t, os.WriteFile(path, []byte(`
group_mappings:
  developers:
    - new/scope
scopes:
  new/scope:
    - server: /newservice
      tools: ["*"]
`), 0600))
	require.NoError(t, provider.Reload())

	assert.True(t, old.Resolve([]string{"developers"}).CanAccessServer("/currenttime"))
	assert.False(t, old.Resolve([]string{"developers"}).CanAccessServer("/newservice"))

	fresh := provider.Current()
	assert.False(t, fresh.Resolve([]string{"developers"}).CanAccessServer("/currenttime"))
	assert.True(t, fresh.Resolve([]string{"developers"}).CanAccessServer("/newservice"))
}

func TestProviderMissingFileYieldsEmptyMapping(t *testing.T) {
	t.Parallel()

	provider, err := scopes.NewProvider(filepath.Join(t.TempDir(), "absent.yml"))
	require.NoError(t, err)

	access := provider.Current().Resolve([]string{"developers"})
	assert.False(t, access.Admin)
	assert.Empty(t, access.ServerPaths())
}

func TestProviderAddRemoveServer(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := writeScopeFile(t, dir, testConfig)
	provider, err := scopes.NewProvider(path)
	require.NoError(t, err)

	require.NoError(t, provider.AddServerToScope(
		"mcp-servers-restricted/read", "/weather", nil, []string{"developers", "meteorologists"}))

	access := provider.Current().Resolve([]string{"meteorologists"})
	assert.True(t, access.CanAccessTool("/weather", "forecast"))

	// The mutation is persisted: a fresh provider sees it too.
	reloaded, err := scopes.NewProvider(path)
	require.NoError(t, err)
	assert.True(t, reloaded.Current().Resolve([]string{"developers"}).CanAccessServer("/weather"))

	require.NoError(t, provider.RemoveServerFromScope("mcp-servers-restricted/read", "/weather"))
	assert.False(t, provider.Current().Resolve([]string{"developers"}).CanAccessServer("/weather"))

	err = provider.RemoveServerFromScope("mcp-servers-restricted/read", "/weather")
	require.Error(t, err)
}
