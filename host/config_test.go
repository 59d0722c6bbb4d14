package host

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/estuary/taskmesh/launch"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	var path = filepath.Join(t.TempDir(), "taskmesh.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadFileConfig(t *testing.T) {
	var path = writeConfig(t, `
profiles:
  default:
    count: 2
    baseURL: tcp://127.0.0.1:0
    dispatcher: true
  batch:
    count: 1
    launch:
      kind: sshTunnel
      sshEndpoint: bastion:22
      sshUser: worker
      sshPrivateKeyBase64: ZmFrZQ==
`)

	cfg, err := LoadFileConfig(path)
	require.NoError(t, err)
	require.Len(t, cfg.Profiles, 2)

	require.Equal(t, 2, cfg.Profiles["default"].Count)
	require.True(t, cfg.Profiles["default"].Dispatcher)
	require.Nil(t, cfg.Profiles["default"].Launch)

	var batch = cfg.Profiles["batch"]
	require.NotNil(t, batch.Launch)
	require.Equal(t, "sshTunnel", batch.Launch.Kind)

	var plan = batch.Launch.plan()
	require.Equal(t, launch.SshTunnel, plan.Kind)
	require.Equal(t, "bastion:22", plan.SSH.Endpoint)
}

func TestLoadFileConfigRejectsUnknownField(t *testing.T) {
	var path = writeConfig(t, `
profiles:
  default:
    cnt: 2
`)
	_, err := LoadFileConfig(path)
	require.Error(t, err)
}

func TestApplyFileConfigConfiguresEachProfile(t *testing.T) {
	var path = writeConfig(t, `
profiles:
  alpha:
    count: 1
    dispatcher: true
  beta:
    count: 1
    dispatcher: false
`)
	cfg, err := LoadFileConfig(path)
	require.NoError(t, err)

	var h = New()
	results, err := h.ApplyFileConfig(cfg)
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.Len(t, results["alpha"], 1)
	require.Len(t, results["beta"], 1)

	require.Len(t, h.Status("alpha"), 1)
	require.Len(t, h.Status("beta"), 1)

	h.ConfigureDaemons("alpha", ConfigureOptions{Count: 0})
	h.ConfigureDaemons("beta", ConfigureOptions{Count: 0})
}
