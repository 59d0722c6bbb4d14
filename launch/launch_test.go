package launch

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCommandEmbedsDialURLAndCredentials(t *testing.T) {
	var cmd = Command(Descriptor{
		URL:            "tcp://host:4242",
		TrustedCertPEM: []byte("-----BEGIN CERTIFICATE-----\nabc\n-----END CERTIFICATE-----\n"),
		ConnectToken:   "tok.en.value",
		RandSeed:       7,
		HasRandSeed:    true,
	})

	require.Contains(t, cmd, "taskdaemon")
	require.Contains(t, cmd, "--dial 'tcp://host:4242'")
	require.Contains(t, cmd, "--token 'tok.en.value'")
	require.Contains(t, cmd, "--rs 7")
	require.Contains(t, cmd, "--tls")
}

func TestCommandOmitsAbsentFlags(t *testing.T) {
	var cmd = Command(Descriptor{URL: "tcp://host:1"})
	require.Equal(t, "taskdaemon --dial 'tcp://host:1'", cmd)
}

func TestManualPlanOnlyRendersCommand(t *testing.T) {
	var plan = Plan{Kind: Manual}
	result, err := Execute(nil, nil, plan, Descriptor{URL: "tcp://host:1"})
	require.NoError(t, err)
	require.Equal(t, "taskdaemon --dial 'tcp://host:1'", result.Command)
	require.Nil(t, result.Tunnel)
}

func TestCustomPlanDelegatesToFn(t *testing.T) {
	var called Descriptor
	var plan = Plan{Kind: Custom, Fn: func(desc Descriptor) (string, error) {
		called = desc
		return "custom-launch " + desc.URL, nil
	}}

	result, err := Execute(nil, nil, plan, Descriptor{URL: "tcp://host:9"})
	require.NoError(t, err)
	require.Equal(t, "custom-launch tcp://host:9", result.Command)
	require.Equal(t, "tcp://host:9", called.URL)
}

func TestCustomPlanWithNilFnErrors(t *testing.T) {
	var plan = Plan{Kind: Custom}
	_, err := Execute(nil, nil, plan, Descriptor{URL: "tcp://host:9"})
	require.Error(t, err)
}
