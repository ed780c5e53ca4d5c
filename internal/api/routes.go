package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/arm-control/acc/internal/auth"
	"github.com/arm-control/acc/internal/channel"
	"github.com/arm-control/acc/internal/urscript"
)

// RegisterRoutes registers the v1 endpoints on mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	const apiV1 = "/api/v1"

	read := func(h http.HandlerFunc) http.HandlerFunc {
		return s.auth.RequireAuth(s.auth.RequireScope(auth.ScopeRead)(h))
	}
	control := func(h http.HandlerFunc) http.HandlerFunc {
		return s.auth.RequireAuth(s.auth.RequireScope(auth.ScopeControl)(h))
	}
	stream := func(h http.HandlerFunc) http.HandlerFunc {
		return s.auth.RequireAuth(s.auth.RequireScope(auth.ScopeTelemetry)(h))
	}

	mux.HandleFunc(apiV1+"/health", s.handleHealth)
	mux.HandleFunc(apiV1+"/state", read(s.handleState))

	mux.HandleFunc(apiV1+"/jog/begin", control(s.handleJogBegin))
	mux.HandleFunc(apiV1+"/jog/update", control(s.handleJogUpdate))
	mux.HandleFunc(apiV1+"/jog/end", control(s.handleJogEnd))
	mux.HandleFunc(apiV1+"/jog/reset", control(s.handleJogReset))

	mux.HandleFunc(apiV1+"/robot/power", control(s.handleRobotPower))
	mux.HandleFunc(apiV1+"/robot/brakes", control(s.handleRobotBrakes))
	mux.HandleFunc(apiV1+"/robot/unlock", control(s.handleRobotUnlock))

	mux.HandleFunc(apiV1+"/telemetry", stream(s.handleTelemetry))
}

// handleHealth handles GET /health. Always open.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w, http.MethodGet)
		return
	}
	WriteSuccess(w, map[string]interface{}{
		"status":        "ok",
		"uptimeSeconds": int64(time.Since(s.startTime).Seconds()),
	})
}

// handleState handles GET /state: the full container picture in one call.
func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w, http.MethodGet)
		return
	}

	targets := make([]string, 0, 2)
	for _, t := range s.engine.ActiveTargets() {
		targets = append(targets, t.String())
	}

	state := map[string]interface{}{
		"engine": map[string]interface{}{
			"state":         s.engine.State().String(),
			"faultReason":   s.engine.FaultReason(),
			"activeTargets": targets,
		},
		"safety": s.safety.Current().String(),
		"channels": map[string]interface{}{
			"command":   s.channels.State(channel.Command).String(),
			"telemetry": s.channels.State(channel.Telemetry).String(),
			"dashboard": s.channels.State(channel.Dashboard).String(),
		},
		"malformedFrames": s.snapshots.MalformedCount(),
	}

	if snap, ok := s.snapshots.Last(); ok {
		state["robot"] = map[string]interface{}{
			"time":            snap.Time,
			"tcpPose":         snap.TCPPose,
			"jointPositions":  snap.JointPositions,
			"jointVelocities": snap.JointVelocities,
			"robotMode":       snap.RobotMode.String(),
			"safetyMode":      snap.SafetyMode.String(),
			"speedScaling":    snap.SpeedScaling,
			"session":         snap.Session,
		}
	}

	WriteSuccess(w, state)
}

// jogRequest is the JSON body for the jog endpoints.
type jogRequest struct {
	Target       string  `json:"target"`
	Direction    int     `json:"direction"`
	Style        string  `json:"style"`
	Speed        float64 `json:"speed"`
	StepDistance float64 `json:"stepDistance"`
}

// intent parses the request into an Intent. The mode follows the target.
func (req jogRequest) intent() (urscript.Intent, error) {
	target, err := urscript.ParseTarget(req.Target)
	if err != nil {
		return urscript.Intent{}, err
	}
	style := urscript.StyleContinuous
	switch strings.ToLower(req.Style) {
	case "", "continuous":
	case "step":
		style = urscript.StyleStep
	default:
		return urscript.Intent{}, fmt.Errorf("%w: unknown style %q", urscript.ErrInvalidIntent, req.Style)
	}
	in := urscript.Intent{
		Mode:         target.Mode(),
		Target:       target,
		Direction:    req.Direction,
		Style:        style,
		Speed:        req.Speed,
		StepDistance: req.StepDistance,
	}
	return in, in.Validate()
}

func (s *Server) handleJogBegin(w http.ResponseWriter, r *http.Request) {
	s.handleJogIntent(w, r, "jog.begin", s.engine.BeginJog)
}

func (s *Server) handleJogUpdate(w http.ResponseWriter, r *http.Request) {
	s.handleJogIntent(w, r, "jog.update", s.engine.UpdateJog)
}

func (s *Server) handleJogIntent(w http.ResponseWriter, r *http.Request, action string, apply func(urscript.Intent) error) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w, http.MethodPost)
		return
	}
	var req jogRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "BAD_REQUEST", "Invalid JSON body", nil)
		return
	}
	in, err := req.intent()
	if err != nil {
		writeDomainError(w, err)
		return
	}

	started := time.Now()
	err = apply(in)
	s.logAction(r.Context(), action, req.Target, map[string]interface{}{
		"direction": req.Direction,
		"style":     in.Style.String(),
		"speed":     req.Speed,
	}, err, started)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	WriteSuccess(w, map[string]interface{}{
		"state":  s.engine.State().String(),
		"target": in.Target.String(),
	})
}

func (s *Server) handleJogEnd(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w, http.MethodPost)
		return
	}
	var req struct {
		Target string `json:"target"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "BAD_REQUEST", "Invalid JSON body", nil)
		return
	}
	target, err := urscript.ParseTarget(req.Target)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	started := time.Now()
	err = s.engine.EndJog(target)
	s.logAction(r.Context(), "jog.end", req.Target, nil, err, started)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	WriteSuccess(w, map[string]interface{}{"state": s.engine.State().String()})
}

func (s *Server) handleJogReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w, http.MethodPost)
		return
	}
	started := time.Now()
	err := s.engine.Reset()
	s.logAction(r.Context(), "jog.reset", "", nil, err, started)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	WriteSuccess(w, map[string]interface{}{"state": s.engine.State().String()})
}

// handleRobotPower handles POST /robot/power with body {"on": bool}.
func (s *Server) handleRobotPower(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w, http.MethodPost)
		return
	}
	var req struct {
		On bool `json:"on"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "BAD_REQUEST", "Invalid JSON body", nil)
		return
	}

	action := "robot.powerOff"
	call := s.robot.PowerOff
	if req.On {
		action = "robot.powerOn"
		call = s.robot.PowerOn
	}
	s.robotVerb(w, r, action, call)
}

func (s *Server) handleRobotBrakes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w, http.MethodPost)
		return
	}
	s.robotVerb(w, r, "robot.brakeRelease", s.robot.BrakeRelease)
}

func (s *Server) handleRobotUnlock(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w, http.MethodPost)
		return
	}
	s.robotVerb(w, r, "robot.unlockProtectiveStop", s.robot.UnlockProtectiveStop)
}

func (s *Server) robotVerb(w http.ResponseWriter, r *http.Request, action string, call func(context.Context) error) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	started := time.Now()
	err := call(ctx)
	s.logAction(r.Context(), action, "", nil, err, started)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	mode, modeErr := s.robot.RobotMode(ctx)
	data := map[string]interface{}{}
	if modeErr == nil {
		data["robotMode"] = mode
	}
	WriteSuccess(w, data)
}

// handleTelemetry handles GET /telemetry as an SSE stream.
func (s *Server) handleTelemetry(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w, http.MethodGet)
		return
	}
	if err := s.hub.Subscribe(r.Context(), w, r); err != nil {
		// Headers are long gone; nothing useful to write.
		return
	}
}

func (s *Server) logAction(ctx context.Context, action, target string, params map[string]interface{}, err error, started time.Time) {
	if s.audit == nil {
		return
	}
	s.audit.LogAction(ctx, action, target, params, err, time.Since(started))
}

func writeMethodNotAllowed(w http.ResponseWriter, allowed string) {
	WriteError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED",
		fmt.Sprintf("Only %s method is allowed", allowed), nil)
}
