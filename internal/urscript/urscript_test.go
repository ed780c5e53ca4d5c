package urscript

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContinuousCartesianShape(t *testing.T) {
	in := Intent{
		Mode:      ModeCartesian,
		Target:    TargetZ,
		Direction: 1,
		Style:     StyleContinuous,
		Speed:     0.1,
	}

	got, err := Continuous(in, 0.1, 0.5, 0.1)
	require.NoError(t, err)
	assert.Equal(t, "speedl([0,0,0.1,0,0,0], 0.5, 0.1)", got)
}

func TestContinuousZeroesNonTargetComponents(t *testing.T) {
	for _, target := range append(append([]Target{}, CartesianTargets...), JointTargets...) {
		for _, dir := range []int{1, -1} {
			in := Intent{
				Mode:      target.Mode(),
				Target:    target,
				Direction: dir,
				Style:     StyleContinuous,
				Speed:     0.5,
			}
			got, err := Continuous(in, 0.25, 1.2, 0.1)
			require.NoError(t, err, "target %s dir %d", target, dir)

			want := [6]float64{}
			want[target.Index()] = float64(dir) * 0.25
			verb := "speedl"
			if target.Mode() == ModeJoint {
				verb = "speedj"
			}
			assert.Equal(t, Speed(target.Mode(), want, 1.2, 0.1), got)
			assert.Contains(t, got, verb+"(")
		}
	}
}

func TestStepAddsSignedDistanceToCurrentReading(t *testing.T) {
	current := [6]float64{0.1, -0.2, 0.3, 0, 1.5708, 0}

	in := Intent{
		Mode:      ModeCartesian,
		Target:    TargetY,
		Direction: -1,
		Style:     StyleStep,
		Speed:     0.5,
	}
	got, err := Step(in, current, 0.01, 1.2, 0.25)
	require.NoError(t, err)
	assert.Equal(t, "movel(p[0.1,-0.21,0.3,0,1.5708,0], 1.2, 0.25)", got)

	jin := Intent{
		Mode:      ModeJoint,
		Target:    TargetJ3,
		Direction: 1,
		Style:     StyleStep,
		Speed:     0.5,
	}
	jgot, err := Step(jin, current, 0.175, 1.4, 1.05)
	require.NoError(t, err)
	assert.Equal(t, "movej([0.1,-0.2,0.475,0,1.5708,0], 1.4, 1.05)", jgot)
}

func TestStop(t *testing.T) {
	assert.Equal(t, "stopl(10)", Stop(ModeCartesian, 10))
	assert.Equal(t, "stopj(10)", Stop(ModeJoint, 10))
	assert.Equal(t, "stopl(2.5)", Stop(ModeCartesian, 2.5))
}

func TestValidateRejectsBadIntents(t *testing.T) {
	valid := Intent{Mode: ModeCartesian, Target: TargetX, Direction: 1, Style: StyleContinuous, Speed: 0.5}
	require.NoError(t, valid.Validate())

	cases := []struct {
		name   string
		mutate func(*Intent)
	}{
		{"bad mode", func(in *Intent) { in.Mode = Mode(7) }},
		{"bad target", func(in *Intent) { in.Target = Target(42) }},
		{"mode/target mismatch", func(in *Intent) { in.Target = TargetJ1 }},
		{"zero direction", func(in *Intent) { in.Direction = 0 }},
		{"direction magnitude", func(in *Intent) { in.Direction = 2 }},
		{"bad style", func(in *Intent) { in.Style = Style(9) }},
		{"speed above one", func(in *Intent) { in.Speed = 1.5 }},
		{"negative speed", func(in *Intent) { in.Speed = -0.1 }},
		{"negative step", func(in *Intent) { in.StepDistance = -0.01 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			in := valid
			tc.mutate(&in)
			err := in.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidIntent)
		})
	}
}

func TestStyleMismatchRejected(t *testing.T) {
	cont := Intent{Mode: ModeCartesian, Target: TargetX, Direction: 1, Style: StyleContinuous, Speed: 0.5}
	step := cont
	step.Style = StyleStep

	_, err := Step(cont, [6]float64{}, 0.01, 1.2, 0.25)
	assert.ErrorIs(t, err, ErrInvalidIntent)

	_, err = Continuous(step, 0.1, 0.5, 0.1)
	assert.ErrorIs(t, err, ErrInvalidIntent)
}

func TestParseTarget(t *testing.T) {
	for i, name := range []string{"x", "y", "z", "rx", "ry", "rz", "j1", "j2", "j3", "j4", "j5", "j6"} {
		got, err := ParseTarget(name)
		require.NoError(t, err)
		assert.Equal(t, Target(i), got)
	}

	_, err := ParseTarget("j7")
	assert.ErrorIs(t, err, ErrInvalidIntent)
}

func TestTargetModeAndIndex(t *testing.T) {
	assert.Equal(t, ModeCartesian, TargetRz.Mode())
	assert.Equal(t, ModeJoint, TargetJ1.Mode())
	assert.Equal(t, 5, TargetRz.Index())
	assert.Equal(t, 0, TargetJ1.Index())
	assert.Equal(t, 5, TargetJ6.Index())
	assert.False(t, TargetZ.Rotational())
	assert.True(t, TargetRx.Rotational())
	assert.True(t, TargetJ2.Rotational())
}
