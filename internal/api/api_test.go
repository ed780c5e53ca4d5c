package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arm-control/acc/internal/channel"
	"github.com/arm-control/acc/internal/jog"
	"github.com/arm-control/acc/internal/realtime"
	"github.com/arm-control/acc/internal/safety"
	"github.com/arm-control/acc/internal/urscript"
)

type fakeEngine struct {
	state     jog.EngineState
	reason    string
	targets   []urscript.Target
	beginErr  error
	resetErr  error
	lastBegin urscript.Intent
	ended     []urscript.Target
}

func (f *fakeEngine) BeginJog(in urscript.Intent) error {
	f.lastBegin = in
	return f.beginErr
}
func (f *fakeEngine) UpdateJog(in urscript.Intent) error { return f.beginErr }
func (f *fakeEngine) EndJog(t urscript.Target) error {
	f.ended = append(f.ended, t)
	return nil
}
func (f *fakeEngine) Reset() error                     { return f.resetErr }
func (f *fakeEngine) State() jog.EngineState           { return f.state }
func (f *fakeEngine) FaultReason() string              { return f.reason }
func (f *fakeEngine) ActiveTargets() []urscript.Target { return f.targets }

type fakeHub struct{ subscribed bool }

func (f *fakeHub) Subscribe(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	f.subscribed = true
	w.Write([]byte("event: ready\n\n"))
	return nil
}

type fakeRobot struct {
	powerOn, powerOff, brakes, unlock int
	err                               error
}

func (f *fakeRobot) PowerOn(ctx context.Context) error  { f.powerOn++; return f.err }
func (f *fakeRobot) PowerOff(ctx context.Context) error { f.powerOff++; return f.err }
func (f *fakeRobot) BrakeRelease(ctx context.Context) error {
	f.brakes++
	return f.err
}
func (f *fakeRobot) UnlockProtectiveStop(ctx context.Context) error {
	f.unlock++
	return f.err
}
func (f *fakeRobot) RobotMode(ctx context.Context) (string, error) { return "RUNNING", f.err }

type fakeChannels struct{}

func (fakeChannels) State(kind channel.Kind) channel.State { return channel.Connected }

type fakeSafety struct{ state safety.State }

func (f fakeSafety) Current() safety.State { return f.state }

type fakeSnapshots struct {
	snap realtime.Snapshot
	ok   bool
}

func (f fakeSnapshots) Last() (realtime.Snapshot, bool) { return f.snap, f.ok }
func (f fakeSnapshots) MalformedCount() uint64          { return 3 }

type recordedAction struct {
	action string
	target string
	err    error
}

type fakeAudit struct{ actions []recordedAction }

func (f *fakeAudit) LogAction(ctx context.Context, action, target string, params map[string]interface{}, err error, latency time.Duration) {
	f.actions = append(f.actions, recordedAction{action, target, err})
}

func testServer(engine *fakeEngine) (*Server, *fakeAudit, *http.ServeMux) {
	audit := &fakeAudit{}
	s := NewServer(Deps{
		Engine:    engine,
		Hub:       &fakeHub{},
		Robot:     &fakeRobot{},
		Channels:  fakeChannels{},
		Safety:    fakeSafety{state: safety.Normal},
		Snapshots: fakeSnapshots{snap: realtime.Snapshot{Time: 5, SpeedScaling: 1}, ok: true},
		Audit:     audit,
	}, 5*time.Second, 5*time.Second)
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return s, audit, mux
}

func do(mux *http.ServeMux, method, path string, body interface{}) *httptest.ResponseRecorder {
	var rd *bytes.Reader
	if body != nil {
		raw, _ := json.Marshal(body)
		rd = bytes.NewReader(raw)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) Response {
	t.Helper()
	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestHealth(t *testing.T) {
	_, _, mux := testServer(&fakeEngine{state: jog.Armed})
	rec := do(mux, http.MethodGet, "/api/v1/health", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode(t, rec)
	assert.Equal(t, "ok", resp.Result)
	assert.NotEmpty(t, resp.CorrelationID)
}

func TestStateAggregates(t *testing.T) {
	engine := &fakeEngine{state: jog.Jogging, targets: []urscript.Target{urscript.TargetZ}}
	_, _, mux := testServer(engine)

	rec := do(mux, http.MethodGet, "/api/v1/state", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decode(t, rec)
	data := resp.Data.(map[string]interface{})
	eng := data["engine"].(map[string]interface{})
	assert.Equal(t, "jogging", eng["state"])
	assert.Equal(t, []interface{}{"z"}, eng["activeTargets"])
	assert.Equal(t, "normal", data["safety"])
	assert.Equal(t, float64(3), data["malformedFrames"])
	robot := data["robot"].(map[string]interface{})
	assert.Equal(t, float64(5), robot["time"])
}

func TestJogBegin(t *testing.T) {
	engine := &fakeEngine{state: jog.Jogging}
	_, audit, mux := testServer(engine)

	rec := do(mux, http.MethodPost, "/api/v1/jog/begin", map[string]interface{}{
		"target":    "z",
		"direction": 1,
		"style":     "continuous",
		"speed":     0.5,
	})

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, urscript.TargetZ, engine.lastBegin.Target)
	assert.Equal(t, urscript.ModeCartesian, engine.lastBegin.Mode)
	assert.Equal(t, 0.5, engine.lastBegin.Speed)

	require.Len(t, audit.actions, 1)
	assert.Equal(t, "jog.begin", audit.actions[0].action)
	assert.Equal(t, "z", audit.actions[0].target)
}

func TestJogBeginJointTargetSetsJointMode(t *testing.T) {
	engine := &fakeEngine{state: jog.Jogging}
	_, _, mux := testServer(engine)

	rec := do(mux, http.MethodPost, "/api/v1/jog/begin", map[string]interface{}{
		"target":    "j3",
		"direction": -1,
	})

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, urscript.ModeJoint, engine.lastBegin.Mode)
	assert.Equal(t, urscript.TargetJ3, engine.lastBegin.Target)
}

func TestJogBeginValidation(t *testing.T) {
	_, _, mux := testServer(&fakeEngine{state: jog.Armed})

	cases := []struct {
		name string
		body map[string]interface{}
		code string
	}{
		{"unknown target", map[string]interface{}{"target": "j9", "direction": 1}, "INVALID_INTENT"},
		{"zero direction", map[string]interface{}{"target": "x", "direction": 0}, "INVALID_INTENT"},
		{"bad style", map[string]interface{}{"target": "x", "direction": 1, "style": "warp"}, "INVALID_INTENT"},
		{"speed above one", map[string]interface{}{"target": "x", "direction": 1, "speed": 2.0}, "INVALID_INTENT"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := do(mux, http.MethodPost, "/api/v1/jog/begin", tc.body)
			require.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, tc.code, decode(t, rec).Code)
		})
	}
}

func TestJogBeginFaultedMapsToConflict(t *testing.T) {
	engine := &fakeEngine{state: jog.Faulted, beginErr: jog.ErrFaulted}
	_, _, mux := testServer(engine)

	rec := do(mux, http.MethodPost, "/api/v1/jog/begin", map[string]interface{}{
		"target": "z", "direction": 1,
	})
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "FAULTED", decode(t, rec).Code)
}

func TestJogEnd(t *testing.T) {
	engine := &fakeEngine{state: jog.Armed}
	_, _, mux := testServer(engine)

	rec := do(mux, http.MethodPost, "/api/v1/jog/end", map[string]interface{}{"target": "rz"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []urscript.Target{urscript.TargetRz}, engine.ended)
}

func TestJogResetNotReady(t *testing.T) {
	engine := &fakeEngine{state: jog.Armed, resetErr: jog.ErrNotReady}
	_, audit, mux := testServer(engine)

	rec := do(mux, http.MethodPost, "/api/v1/jog/reset", nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "NOT_READY", decode(t, rec).Code)

	require.Len(t, audit.actions, 1)
	assert.ErrorIs(t, audit.actions[0].err, jog.ErrNotReady)
}

func TestRobotPower(t *testing.T) {
	engine := &fakeEngine{state: jog.Idle}
	audit := &fakeAudit{}
	robot := &fakeRobot{}
	s := NewServer(Deps{
		Engine: engine, Hub: &fakeHub{}, Robot: robot,
		Channels: fakeChannels{}, Safety: fakeSafety{state: safety.Normal},
		Snapshots: fakeSnapshots{}, Audit: audit,
	}, 5*time.Second, 5*time.Second)
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	rec := do(mux, http.MethodPost, "/api/v1/robot/power", map[string]interface{}{"on": true})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, robot.powerOn)
	assert.Equal(t, 0, robot.powerOff)

	rec = do(mux, http.MethodPost, "/api/v1/robot/power", map[string]interface{}{"on": false})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, robot.powerOff)

	rec = do(mux, http.MethodPost, "/api/v1/robot/brakes", map[string]interface{}{})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, robot.brakes)

	rec = do(mux, http.MethodPost, "/api/v1/robot/unlock", map[string]interface{}{})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, robot.unlock)

	assert.Len(t, audit.actions, 4)
}

func TestChannelErrorMapsToServiceUnavailable(t *testing.T) {
	engine := &fakeEngine{state: jog.Armed, beginErr: channel.ErrNotConnected}
	_, _, mux := testServer(engine)

	rec := do(mux, http.MethodPost, "/api/v1/jog/begin", map[string]interface{}{
		"target": "x", "direction": 1,
	})
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "NOT_CONNECTED", decode(t, rec).Code)
}

func TestMethodNotAllowed(t *testing.T) {
	_, _, mux := testServer(&fakeEngine{state: jog.Armed})

	rec := do(mux, http.MethodGet, "/api/v1/jog/begin", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = do(mux, http.MethodPost, "/api/v1/state", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestTelemetryDelegatesToHub(t *testing.T) {
	hub := &fakeHub{}
	s := NewServer(Deps{
		Engine: &fakeEngine{state: jog.Armed}, Hub: hub, Robot: &fakeRobot{},
		Channels: fakeChannels{}, Safety: fakeSafety{state: safety.Normal},
		Snapshots: fakeSnapshots{},
	}, 5*time.Second, 5*time.Second)
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	rec := do(mux, http.MethodGet, "/api/v1/telemetry", nil)
	assert.True(t, hub.subscribed)
	assert.Contains(t, rec.Body.String(), "event: ready")
}
