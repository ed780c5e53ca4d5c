package safety

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arm-control/acc/internal/realtime"
)

func runningSnap(mode realtime.SafetyMode) realtime.Snapshot {
	return realtime.Snapshot{
		RobotMode:    realtime.RobotModeRunning,
		SafetyMode:   mode,
		SpeedScaling: 1,
	}
}

func TestClassifySafetyModes(t *testing.T) {
	cases := []struct {
		mode realtime.SafetyMode
		want State
	}{
		{realtime.SafetyModeNormal, Normal},
		{realtime.SafetyModeReduced, Reduced},
		{realtime.SafetyModeProtectiveStop, ProtectiveStop},
		{realtime.SafetyModeRecovery, ProtectiveStop},
		{realtime.SafetyModeSafeguardStop, SafeguardStop},
		{realtime.SafetyModeAutomaticModeSafeguardStop, SafeguardStop},
		{realtime.SafetyModeSystemThreePositionEnabling, SafeguardStop},
		{realtime.SafetyModeRobotEmergencyStop, RobotEmergencyStop},
		{realtime.SafetyModeSystemEmergencyStop, SystemEmergencyStop},
		{realtime.SafetyModeViolation, Violation},
		{realtime.SafetyModeFault, Fault},
		{realtime.SafetyMode(0), Unknown},
	}
	for _, tc := range cases {
		t.Run(tc.mode.String(), func(t *testing.T) {
			assert.Equal(t, tc.want, Classify(runningSnap(tc.mode)))
		})
	}
}

func TestClassifyGatesOnRobotMode(t *testing.T) {
	snap := runningSnap(realtime.SafetyModeNormal)

	for _, mode := range []realtime.RobotMode{
		realtime.RobotModeRunning, realtime.RobotModeIdle, realtime.RobotModeBackdrive,
	} {
		snap.RobotMode = mode
		assert.Equal(t, Normal, Classify(snap), "robot mode %s", mode)
	}

	for _, mode := range []realtime.RobotMode{
		realtime.RobotModeDisconnected, realtime.RobotModeBooting,
		realtime.RobotModePowerOff, realtime.RobotModeUpdatingFirmware,
	} {
		snap.RobotMode = mode
		assert.Equal(t, Unknown, Classify(snap), "robot mode %s", mode)
	}

	// A stop classification stands regardless of robot mode.
	snap.SafetyMode = realtime.SafetyModeProtectiveStop
	snap.RobotMode = realtime.RobotModePowerOff
	assert.Equal(t, ProtectiveStop, Classify(snap))
}

func TestMergeHighestSeverityWins(t *testing.T) {
	assert.Equal(t, Normal, Merge(Normal, Normal))
	assert.Equal(t, Reduced, Merge(Normal, Reduced))
	assert.Equal(t, ProtectiveStop, Merge(Normal, ProtectiveStop))
	assert.Equal(t, ProtectiveStop, Merge(ProtectiveStop, Normal))
	assert.Equal(t, Fault, Merge(Violation, Fault))
	assert.Equal(t, Unknown, Merge(Unknown, Reduced))
	assert.Equal(t, SystemEmergencyStop, Merge(SystemEmergencyStop, SafeguardStop))
}

func TestOK(t *testing.T) {
	assert.True(t, Normal.OK())
	assert.True(t, Reduced.OK())
	for _, s := range []State{Unknown, ProtectiveStop, SafeguardStop, RobotEmergencyStop, SystemEmergencyStop, Violation, Fault} {
		assert.False(t, s.OK(), "state %s", s)
	}
}

func TestParseReply(t *testing.T) {
	cases := []struct {
		reply string
		want  State
	}{
		{"Safetymode: NORMAL", Normal},
		{"Safetymode: REDUCED", Reduced},
		{"Safetymode: PROTECTIVE_STOP", ProtectiveStop},
		{"Safetymode: ROBOT_EMERGENCY_STOP", RobotEmergencyStop},
		{"Safetymode: SYSTEM_EMERGENCY_STOP", SystemEmergencyStop},
		{"SAFEGUARD_STOP", SafeguardStop},
		{"fault", Fault},
		{"Safetymode: SOMETHING_NEW", Unknown},
		{"", Unknown},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, ParseReply(tc.reply), "reply %q", tc.reply)
	}
}

type fakeStatus struct {
	mu    sync.Mutex
	reply string
	err   error
	calls int
}

func (f *fakeStatus) SafetyMode(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.reply, f.err
}

func (f *fakeStatus) set(reply string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reply = reply
	f.err = err
}

func collectTransitions(m *Monitor) (func() []Transition, func(State) bool) {
	var mu sync.Mutex
	var got []Transition
	m.OnTransition(func(tr Transition) {
		mu.Lock()
		got = append(got, tr)
		mu.Unlock()
	})
	list := func() []Transition {
		mu.Lock()
		defer mu.Unlock()
		out := make([]Transition, len(got))
		copy(out, got)
		return out
	}
	reached := func(s State) bool {
		for _, tr := range list() {
			if tr.New == s {
				return true
			}
		}
		return false
	}
	return list, reached
}

func TestMonitorTelemetryTransitions(t *testing.T) {
	m := NewMonitor(nil, time.Second, nil)
	list, _ := collectTransitions(m)

	m.Observe(runningSnap(realtime.SafetyModeNormal))
	m.Observe(runningSnap(realtime.SafetyModeNormal)) // no change, no event
	m.Observe(runningSnap(realtime.SafetyModeProtectiveStop))

	got := list()
	require.Len(t, got, 2)
	assert.Equal(t, Unknown, got[0].Old)
	assert.Equal(t, Normal, got[0].New)
	assert.Equal(t, Normal, got[1].Old)
	assert.Equal(t, ProtectiveStop, got[1].New)
	assert.Equal(t, ProtectiveStop, m.Current())
}

func TestMonitorDashboardStopBeatsTelemetryNormal(t *testing.T) {
	status := &fakeStatus{reply: "Safetymode: NORMAL"}
	m := NewMonitor(status, 10*time.Millisecond, nil)
	_, reached := collectTransitions(m)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	m.Observe(runningSnap(realtime.SafetyModeNormal))
	require.Eventually(t, func() bool { return m.Current() == Normal }, time.Second, 5*time.Millisecond)

	status.set("Safetymode: SYSTEM_EMERGENCY_STOP", nil)
	require.Eventually(t, func() bool { return m.Current() == SystemEmergencyStop }, time.Second, 5*time.Millisecond)
	assert.True(t, reached(SystemEmergencyStop))

	// Telemetry still reads Normal; the dashboard stop must keep winning.
	m.Observe(runningSnap(realtime.SafetyModeNormal))
	assert.Equal(t, SystemEmergencyStop, m.Current())
}

func TestMonitorUnpolledDashboardDoesNotVetoTelemetry(t *testing.T) {
	status := &fakeStatus{err: errors.New("dashboard down")}
	m := NewMonitor(status, time.Hour, nil)

	m.Observe(runningSnap(realtime.SafetyModeNormal))
	assert.Equal(t, Normal, m.Current())
}
