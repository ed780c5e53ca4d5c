// Package dashboard wraps the controller's dashboard line protocol in typed
// operations. Each verb is one request line answered by one reply line; the
// channel manager serializes the exchange.
package dashboard

import (
	"context"
	"fmt"
	"strings"
)

// QueryPort performs one dashboard exchange. Implemented by the channel
// manager.
type QueryPort interface {
	Query(ctx context.Context, verb string) (string, error)
}

// Client issues dashboard verbs and checks their documented replies.
type Client struct {
	port QueryPort
}

// NewClient wraps port.
func NewClient(port QueryPort) *Client {
	return &Client{port: port}
}

// command issues a verb whose reply must start with wantPrefix.
func (c *Client) command(ctx context.Context, verb, wantPrefix string) error {
	reply, err := c.port.Query(ctx, verb)
	if err != nil {
		return err
	}
	if !strings.HasPrefix(strings.ToLower(reply), strings.ToLower(wantPrefix)) {
		return fmt.Errorf("dashboard %q: unexpected reply %q", verb, reply)
	}
	return nil
}

// PowerOn requests arm power-up. Asynchronous on the controller side; poll
// RobotMode to observe completion.
func (c *Client) PowerOn(ctx context.Context) error {
	return c.command(ctx, "power on", "Powering on")
}

// PowerOff requests arm power-down.
func (c *Client) PowerOff(ctx context.Context) error {
	return c.command(ctx, "power off", "Powering off")
}

// BrakeRelease releases the joint brakes. Requires powered-on arm.
func (c *Client) BrakeRelease(ctx context.Context) error {
	return c.command(ctx, "brake release", "Brake releasing")
}

// UnlockProtectiveStop clears a protective stop. The controller refuses the
// unlock within five seconds of the stop.
func (c *Client) UnlockProtectiveStop(ctx context.Context) error {
	return c.command(ctx, "unlock protective stop", "Protective stop releasing")
}

// CloseSafetyPopup dismisses a pending safety popup on the pendant.
func (c *Client) CloseSafetyPopup(ctx context.Context) error {
	return c.command(ctx, "close safety popup", "closing safety popup")
}

// RobotMode returns the controller's mode token, e.g. "RUNNING".
func (c *Client) RobotMode(ctx context.Context) (string, error) {
	return c.queryValue(ctx, "robotmode", "Robotmode:")
}

// SafetyMode returns the raw safetymode reply, e.g. "Safetymode: NORMAL".
// Raw because the safety monitor owns the parse.
func (c *Client) SafetyMode(ctx context.Context) (string, error) {
	return c.port.Query(ctx, "safetymode")
}

// ProgramState returns the loaded program's execution state.
func (c *Client) ProgramState(ctx context.Context) (string, error) {
	return c.port.Query(ctx, "programState")
}

// PolyscopeVersion returns the controller software version string.
func (c *Client) PolyscopeVersion(ctx context.Context) (string, error) {
	return c.port.Query(ctx, "version")
}

// RemoteControlEnabled reports whether the controller accepts remote
// commands. Local (pendant) control makes every motion command a no-op.
func (c *Client) RemoteControlEnabled(ctx context.Context) (bool, error) {
	reply, err := c.port.Query(ctx, "is in remote control")
	if err != nil {
		return false, err
	}
	return strings.EqualFold(strings.TrimSpace(reply), "true"), nil
}

// Quit closes the dashboard connection from the server side.
func (c *Client) Quit(ctx context.Context) error {
	_, err := c.port.Query(ctx, "quit")
	return err
}

// queryValue strips a "Label:" prefix off a reply line.
func (c *Client) queryValue(ctx context.Context, verb, prefix string) (string, error) {
	reply, err := c.port.Query(ctx, verb)
	if err != nil {
		return "", err
	}
	value := strings.TrimSpace(strings.TrimPrefix(reply, prefix))
	if value == "" {
		return "", fmt.Errorf("dashboard %q: empty reply %q", verb, reply)
	}
	return value, nil
}
