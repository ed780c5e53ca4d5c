package realtime

import (
	"bytes"
	"encoding/binary"
	"io"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleSnapshot(t float64) Snapshot {
	return Snapshot{
		Time:            t,
		JointPositions:  [6]float64{0, -1.5708, 1.5708, -1.5708, -1.5708, 0},
		JointVelocities: [6]float64{0, 0, 0.1, 0, 0, 0},
		TCPPose:         [6]float64{0.4, -0.2, 0.5, 0, 3.14, 0},
		RobotMode:       RobotModeRunning,
		SafetyMode:      SafetyModeNormal,
		SpeedScaling:    1,
	}
}

func TestDecodeRoundTrip(t *testing.T) {
	want := sampleSnapshot(12.5)
	dec := NewDecoder(bytes.NewReader(MarshalFrame(want)))

	got, err := dec.Next()
	require.NoError(t, err)
	assert.Equal(t, want, *got)

	_, err = dec.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestDecodeSequence(t *testing.T) {
	var stream bytes.Buffer
	for i := 0; i < 5; i++ {
		stream.Write(MarshalFrame(sampleSnapshot(float64(i))))
	}
	dec := NewDecoder(&stream)
	for i := 0; i < 5; i++ {
		snap, err := dec.Next()
		require.NoError(t, err)
		assert.Equal(t, float64(i), snap.Time)
	}
}

// A single corrupt record must cost exactly that record: a stream of N frames
// with one bad payload yields N-1 snapshots.
func TestSingleCorruptFrameDropsOnlyItself(t *testing.T) {
	var stream bytes.Buffer
	stream.Write(MarshalFrame(sampleSnapshot(1)))

	bad := MarshalFrame(sampleSnapshot(2))
	// Overwrite the safety mode field with garbage well outside the mode range.
	binary.BigEndian.PutUint64(bad[4+offSafetyMode:], math.Float64bits(9999))
	stream.Write(bad)

	stream.Write(MarshalFrame(sampleSnapshot(3)))

	dec := NewDecoder(&stream)

	first, err := dec.Next()
	require.NoError(t, err)
	assert.Equal(t, float64(1), first.Time)

	_, err = dec.Next()
	require.Error(t, err)
	assert.True(t, IsMalformed(err))

	third, err := dec.Next()
	require.NoError(t, err)
	assert.Equal(t, float64(3), third.Time)
}

func TestNonFiniteFieldsRejected(t *testing.T) {
	cases := []struct {
		name string
		off  int
		val  float64
	}{
		{"nan time", offTime, math.NaN()},
		{"inf joint velocity", offJointVelocities, math.Inf(1)},
		{"nan pose", offTCPPose + 16, math.NaN()},
		{"fractional robot mode", offRobotMode, 3.5},
		{"negative speed scaling", offSpeedScaling, -0.5},
		{"huge joint velocity", offJointVelocities + 8, 1e6},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			frame := MarshalFrame(sampleSnapshot(1))
			binary.BigEndian.PutUint64(frame[4+tc.off:], math.Float64bits(tc.val))
			dec := NewDecoder(bytes.NewReader(frame))
			_, err := dec.Next()
			require.Error(t, err)
			assert.True(t, IsMalformed(err), "got %v", err)
		})
	}
}

// A corrupted length prefix loses the frame boundary; the decoder slides
// forward byte by byte until it locks onto the next plausible prefix and
// keeps decoding from there.
func TestResyncAfterCorruptLengthPrefix(t *testing.T) {
	var stream bytes.Buffer
	// Garbage that can never be a plausible prefix.
	stream.Write([]byte{0xFF, 0xFF, 0xFF, 0xFF})
	stream.Write(MarshalFrame(sampleSnapshot(7)))

	dec := NewDecoder(&stream)

	sawMalformed := 0
	var snap *Snapshot
	for snap == nil {
		s, err := dec.Next()
		if err != nil {
			require.True(t, IsMalformed(err), "got %v", err)
			sawMalformed++
			require.Less(t, sawMalformed, 16, "decoder failed to resync")
			continue
		}
		snap = s
	}
	assert.Equal(t, float64(7), snap.Time)
}

func TestTruncatedStreamIsStreamError(t *testing.T) {
	frame := MarshalFrame(sampleSnapshot(1))
	dec := NewDecoder(bytes.NewReader(frame[:len(frame)-10]))
	_, err := dec.Next()
	require.Error(t, err)
	assert.False(t, IsMalformed(err))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestOversizedDeclaredLengthRejected(t *testing.T) {
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], MaxFrameSize+1)
	dec := NewDecoder(bytes.NewReader(prefix[:]))
	_, err := dec.Next()
	require.Error(t, err)
	assert.True(t, IsMalformed(err))
}
