package dashboard

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePort struct {
	replies map[string]string
	err     error
	verbs   []string
}

func (f *fakePort) Query(ctx context.Context, verb string) (string, error) {
	f.verbs = append(f.verbs, verb)
	if f.err != nil {
		return "", f.err
	}
	return f.replies[verb], nil
}

func newFakePort() *fakePort {
	return &fakePort{replies: map[string]string{
		"power on":              "Powering on",
		"power off":             "Powering off",
		"brake release":         "Brake releasing",
		"unlock protective stop": "Protective stop releasing",
		"close safety popup":    "closing safety popup",
		"robotmode":             "Robotmode: RUNNING",
		"safetymode":            "Safetymode: NORMAL",
		"programState":          "STOPPED",
		"version":               "3.15.8.106339",
		"is in remote control":  "true",
		"quit":                  "Disconnected",
	}}
}

func TestControlVerbs(t *testing.T) {
	port := newFakePort()
	c := NewClient(port)
	ctx := context.Background()

	require.NoError(t, c.PowerOn(ctx))
	require.NoError(t, c.PowerOff(ctx))
	require.NoError(t, c.BrakeRelease(ctx))
	require.NoError(t, c.UnlockProtectiveStop(ctx))
	require.NoError(t, c.CloseSafetyPopup(ctx))

	assert.Equal(t, []string{
		"power on", "power off", "brake release",
		"unlock protective stop", "close safety popup",
	}, port.verbs)
}

func TestUnexpectedReplyIsError(t *testing.T) {
	port := newFakePort()
	port.replies["power on"] = "could not understand"
	c := NewClient(port)

	err := c.PowerOn(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected reply")
}

func TestQueryVerbs(t *testing.T) {
	c := NewClient(newFakePort())
	ctx := context.Background()

	mode, err := c.RobotMode(ctx)
	require.NoError(t, err)
	assert.Equal(t, "RUNNING", mode)

	// SafetyMode stays raw for the monitor's parser.
	raw, err := c.SafetyMode(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Safetymode: NORMAL", raw)

	state, err := c.ProgramState(ctx)
	require.NoError(t, err)
	assert.Equal(t, "STOPPED", state)

	version, err := c.PolyscopeVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, "3.15.8.106339", version)

	remote, err := c.RemoteControlEnabled(ctx)
	require.NoError(t, err)
	assert.True(t, remote)
}

func TestPortErrorsPropagate(t *testing.T) {
	wantErr := errors.New("NOT_CONNECTED")
	c := NewClient(&fakePort{err: wantErr})

	assert.ErrorIs(t, c.PowerOn(context.Background()), wantErr)
	_, err := c.SafetyMode(context.Background())
	assert.ErrorIs(t, err, wantErr)
}
