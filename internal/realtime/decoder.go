package realtime

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// MalformedFrameError describes one undecodable record. The decoder returns
// it for exactly the record it dropped; the stream itself stays usable and
// the next Next call resumes at the following plausible boundary.
type MalformedFrameError struct {
	// Reason is a short classification of the defect.
	Reason string
	// Length is the declared frame length that accompanied the defect,
	// zero when the prefix itself could not be read.
	Length uint32
}

func (e *MalformedFrameError) Error() string {
	if e.Length > 0 {
		return fmt.Sprintf("malformed frame (len=%d): %s", e.Length, e.Reason)
	}
	return "malformed frame: " + e.Reason
}

// IsMalformed reports whether err is a per-record decode failure rather than
// a stream-level failure.
func IsMalformed(err error) bool {
	var mfe *MalformedFrameError
	return errors.As(err, &mfe)
}

// Decoder reads length-prefixed state frames from a byte stream. One Decoder
// serves one connection session; after a reconnect the caller builds a fresh
// one so that no partial frame bridges two sessions.
type Decoder struct {
	r *bufio.Reader

	// scratch holds the payload of the frame being decoded.
	scratch []byte
}

// NewDecoder wraps r. The reader is consumed frame by frame; Decoder never
// reads past the bytes of the record it returns.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{
		r:       bufio.NewReaderSize(r, MaxFrameSize*2),
		scratch: make([]byte, 0, MaxFrameSize),
	}
}

// Next decodes and returns the next snapshot.
//
// A stream-level failure (EOF, socket error) is returned as-is and ends the
// session. A single corrupt record is returned as *MalformedFrameError: an
// implausible declared length discards one byte and rescans, so a flipped
// length field costs at most the bytes up to the next plausible prefix; a
// plausible length with a garbage payload drops that record whole. Either
// way the records before and after the bad one decode normally.
func (d *Decoder) Next() (*Snapshot, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(d.r, prefix[:]); err != nil {
		return nil, err
	}
	declared := binary.BigEndian.Uint32(prefix[:])

	// Declared length counts the prefix itself.
	if declared < 4+minPayload || declared > MaxFrameSize {
		// The prefix cannot be trusted, so the frame boundary is lost.
		// Consume one byte, push the other three back, and let the next
		// call rescan for a plausible prefix.
		d.unread(prefix[1:])
		return nil, &MalformedFrameError{Reason: "implausible declared length", Length: declared}
	}

	payloadLen := int(declared) - 4
	d.scratch = d.scratch[:payloadLen]
	if _, err := io.ReadFull(d.r, d.scratch); err != nil {
		return nil, err
	}

	snap, reason := decodePayload(d.scratch)
	if reason != "" {
		return nil, &MalformedFrameError{Reason: reason, Length: declared}
	}
	return snap, nil
}

// unread pushes bytes back onto the buffered reader so the next Next call
// sees them again. bufio only guarantees one byte of pushback, so the
// bytes are re-queued through a MultiReader instead.
func (d *Decoder) unread(b []byte) {
	if len(b) == 0 {
		return
	}
	rest := make([]byte, len(b))
	copy(rest, b)
	d.r = bufio.NewReaderSize(io.MultiReader(newByteReader(rest), d.r), MaxFrameSize*2)
}

type byteReader struct {
	buf []byte
}

func newByteReader(b []byte) *byteReader { return &byteReader{buf: b} }

func (br *byteReader) Read(p []byte) (int, error) {
	if len(br.buf) == 0 {
		return 0, io.EOF
	}
	n := copy(p, br.buf)
	br.buf = br.buf[n:]
	return n, nil
}

func decodePayload(p []byte) (*Snapshot, string) {
	snap := &Snapshot{
		Time:         f64(p, offTime),
		SpeedScaling: f64(p, offSpeedScaling),
	}
	for i := 0; i < 6; i++ {
		snap.JointPositions[i] = f64(p, offJointPositions+8*i)
		snap.JointVelocities[i] = f64(p, offJointVelocities+8*i)
		snap.TCPPose[i] = f64(p, offTCPPose+8*i)
	}
	robotMode := f64(p, offRobotMode)
	safetyMode := f64(p, offSafetyMode)

	if !finite(snap.Time) {
		return nil, "non-finite time"
	}
	if snap.Time < 0 {
		return nil, "negative time"
	}
	for i := 0; i < 6; i++ {
		if !finite(snap.JointPositions[i]) || !finite(snap.JointVelocities[i]) || !finite(snap.TCPPose[i]) {
			return nil, "non-finite kinematic field"
		}
		if math.Abs(snap.JointVelocities[i]) > 100 {
			return nil, "implausible joint velocity"
		}
	}
	if !finite(robotMode) || robotMode != math.Trunc(robotMode) || robotMode < -1 || robotMode > 7 {
		return nil, "robot mode out of range"
	}
	if !finite(safetyMode) || safetyMode != math.Trunc(safetyMode) || safetyMode < 0 || safetyMode > 11 {
		return nil, "safety mode out of range"
	}
	if !finite(snap.SpeedScaling) || snap.SpeedScaling < 0 || snap.SpeedScaling > 2 {
		return nil, "speed scaling out of range"
	}

	snap.RobotMode = RobotMode(robotMode)
	snap.SafetyMode = SafetyMode(safetyMode)
	return snap, ""
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

func f64(p []byte, off int) float64 {
	return math.Float64frombits(binary.BigEndian.Uint64(p[off : off+8]))
}

// MarshalFrame renders a snapshot as one wire frame. The fields this package
// does not model are zero-filled. Used by the mock controller and by decoder
// tests; the production path only ever decodes.
func MarshalFrame(snap Snapshot) []byte {
	payload := make([]byte, minPayload)
	putF64(payload, offTime, snap.Time)
	for i := 0; i < 6; i++ {
		putF64(payload, offJointPositions+8*i, snap.JointPositions[i])
		putF64(payload, offJointVelocities+8*i, snap.JointVelocities[i])
		putF64(payload, offTCPPose+8*i, snap.TCPPose[i])
	}
	putF64(payload, offRobotMode, float64(snap.RobotMode))
	putF64(payload, offSafetyMode, float64(snap.SafetyMode))
	putF64(payload, offSpeedScaling, snap.SpeedScaling)

	frame := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(frame[:4], uint32(4+len(payload)))
	copy(frame[4:], payload)
	return frame
}

func putF64(p []byte, off int, f float64) {
	binary.BigEndian.PutUint64(p[off:off+8], math.Float64bits(f))
}
