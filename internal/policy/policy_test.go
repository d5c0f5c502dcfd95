package policy

import (
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"linkbridge-agent/internal/model"
	"linkbridge-agent/internal/settings"
)

func newStore(t *testing.T) (*settings.FileStore, *Store) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	fs, err := settings.OpenFile(filepath.Join(t.TempDir(), "settings.yaml"), logger)
	require.NoError(t, err)
	p := New(fs, logger)
	t.Cleanup(p.Close)
	return fs, p
}

func stored(t *testing.T, fs *settings.FileStore) map[string]model.AppPolicy {
	t.Helper()
	raw, err := fs.String(settings.KeyApplications)
	require.NoError(t, err)
	out := map[string]model.AppPolicy{}
	require.NoError(t, json.Unmarshal([]byte(raw), &out))
	return out
}

func TestEnsureRegistersOnce(t *testing.T) {
	fs, p := newStore(t)

	pol, created, err := p.Ensure("org.gnome.Evolution", "evolution")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, model.AppPolicy{IconName: "evolution", Enabled: true}, pol)

	_, created, err = p.Ensure("org.gnome.Evolution", "other")
	require.NoError(t, err)
	assert.False(t, created)

	apps := stored(t, fs)
	require.Len(t, apps, 1)
	assert.True(t, apps["org.gnome.Evolution"].Enabled)
	assert.Equal(t, "evolution", apps["org.gnome.Evolution"].IconName)
}

func TestEnsureDefaultsIconName(t *testing.T) {
	_, p := newStore(t)
	pol, _, err := p.Ensure("firefox", "")
	require.NoError(t, err)
	assert.Equal(t, DefaultIconName, pol.IconName)
}

func TestExternalChangeIsReread(t *testing.T) {
	fs, p := newStore(t)
	_, _, err := p.Ensure("firefox", "")
	require.NoError(t, err)

	require.NoError(t, fs.SetString(settings.KeyApplications, `{"firefox":{"iconName":"firefox","enabled":false}}`))

	pol, ok := p.Lookup("firefox")
	require.True(t, ok)
	assert.False(t, pol.Enabled)
	assert.Equal(t, "firefox", pol.IconName)
}

func TestCorruptPolicyResets(t *testing.T) {
	fs, p := newStore(t)
	_, _, err := p.Ensure("firefox", "")
	require.NoError(t, err)

	require.NoError(t, fs.SetString(settings.KeyApplications, `{not json`))

	assert.Empty(t, p.Snapshot())
	raw, err := fs.String(settings.KeyApplications)
	require.NoError(t, err)
	assert.Equal(t, "{}", raw)
}

func TestSetEnabled(t *testing.T) {
	fs, p := newStore(t)
	require.NoError(t, p.SetEnabled("slack", false))
	assert.False(t, stored(t, fs)["slack"].Enabled)

	pol, created, err := p.Ensure("slack", "slack")
	require.NoError(t, err)
	assert.False(t, created)
	assert.False(t, pol.Enabled)
}
