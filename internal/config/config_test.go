package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swarmcore/hydracore/pkg/eventbus"
)

const sampleYAML = `
version: 1
logging:
  level: info
  format: json
network:
  up_speed_limit: 50000
  down_speed_limit: 0
  connection_limit: 300
  new_conns_per_sec: 100
  connecting_limit: 100
  excluded_ranges:
    - 127.0.0.0/8
    - 10.0.0.0/8
modules:
  ed2k:
    up_limit: 10000
    down_limit: 20000
credits:
  store_path: ${HYDRACORE_TEST_DIR}/clients.met
  passphrase_env: HYDRACORE_CREDIT_PASSPHRASE
  rsa_key_path: ${HYDRACORE_TEST_DIR}/id_rsa
`

func writeSample(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("HYDRACORE_TEST_DIR", dir)
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0o644))
	return path
}

func TestLoadExpandsEnvAndParsesSchema(t *testing.T) {
	path := writeSample(t)
	c, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, uint32(50000), c.Network.UpSpeedLimit)
	assert.Equal(t, uint32(10000), c.Modules["ed2k"].UpLimit)
	assert.Contains(t, c.Credits.StorePath, "clients.met")
	assert.NotContains(t, c.Credits.StorePath, "${")
}

func TestLoadRejectsUnsupportedVersion(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("version: 2\n"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsBadExcludedRangeCIDR(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
version: 1
network:
  excluded_ranges:
    - not-a-cidr
`), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsModuleWithNoLimits(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
version: 1
modules:
  ed2k: {}
`), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestParsedExcludedRangesParsesValidCIDRs(t *testing.T) {
	n := NetworkConfig{ExcludedRanges: []string{"127.0.0.0/8", "192.168.0.0/16"}}
	nets, errs := n.ParsedExcludedRanges()
	require.Empty(t, errs)
	require.Len(t, nets, 2)
}

func TestStoreApplyCommitsWhenNoVeto(t *testing.T) {
	path := writeSample(t)
	c, err := Load(path)
	require.NoError(t, err)
	store := NewStore(c)

	next := *c
	next.Network.UpSpeedLimit = 99999
	require.NoError(t, store.Apply(&next))

	assert.Equal(t, uint32(99999), store.Current().Network.UpSpeedLimit)
}

func TestStoreApplyRollsBackOnVeto(t *testing.T) {
	path := writeSample(t)
	c, err := Load(path)
	require.NoError(t, err)
	store := NewStore(c)
	store.OnChanging("network", func(old, newVal eventbus.Event) error {
		return errors.New("scheduler refuses an up speed limit of 1")
	})

	next := *c
	next.Network.UpSpeedLimit = 1
	err = store.Apply(&next)

	var vetoErr *eventbus.VetoError
	require.ErrorAs(t, err, &vetoErr)
	assert.Equal(t, uint32(50000), store.Current().Network.UpSpeedLimit, "rejected reload must leave the prior value in place")
}

func TestStoreApplySkipsVoteWhenTopicUnchanged(t *testing.T) {
	path := writeSample(t)
	c, err := Load(path)
	require.NoError(t, err)
	store := NewStore(c)
	called := false
	store.OnChanging("credits", func(old, newVal eventbus.Event) error {
		called = true
		return nil
	})

	next := *c
	next.Network.UpSpeedLimit = 77777 // only network changes
	require.NoError(t, store.Apply(&next))
	assert.False(t, called, "unchanged topics must not be put to a vote")
}
