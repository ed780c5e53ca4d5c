// Package urmock is an in-process stand-in for a robot controller, used by
// tests. It listens on three ephemeral loopback ports matching the real
// controller's surfaces: a script port that records received statements, a
// telemetry port that streams binary state frames, and a dashboard port that
// answers line-protocol verbs.
package urmock

import (
	"bufio"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/arm-control/acc/internal/realtime"
)

// Banner mirrors the dashboard server's connect greeting.
const Banner = "Connected: Universal Robots Dashboard Server"

// Controller is a mock robot controller. Zero value is not usable; call
// Start.
type Controller struct {
	commandLn   net.Listener
	telemetryLn net.Listener
	dashboardLn net.Listener

	mu       sync.Mutex
	commands []string
	replies  map[string]string

	// frames queued for the next telemetry connection.
	frameMu sync.Mutex
	frames  [][]byte
	// streamInterval spaces queued frames out; zero writes them back to back.
	streamInterval time.Duration
	// holdTelemetryOpen keeps the telemetry connection open after the queue
	// drains instead of closing it.
	holdTelemetryOpen bool

	closed  chan struct{}
	wg      sync.WaitGroup
	dialsMu sync.Mutex
	dials   map[string]int
}

// Start launches a controller on three ephemeral loopback ports.
func Start() (*Controller, error) {
	c := &Controller{
		replies: map[string]string{
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
		},
		closed: make(chan struct{}),
		dials:  map[string]int{},
	}

	var err error
	if c.commandLn, err = net.Listen("tcp", "127.0.0.1:0"); err != nil {
		return nil, err
	}
	if c.telemetryLn, err = net.Listen("tcp", "127.0.0.1:0"); err != nil {
		c.commandLn.Close()
		return nil, err
	}
	if c.dashboardLn, err = net.Listen("tcp", "127.0.0.1:0"); err != nil {
		c.commandLn.Close()
		c.telemetryLn.Close()
		return nil, err
	}

	c.wg.Add(3)
	go c.serveCommand()
	go c.serveTelemetry()
	go c.serveDashboard()
	return c, nil
}

// Close shuts all listeners down and waits for the serve goroutines.
func (c *Controller) Close() {
	close(c.closed)
	c.commandLn.Close()
	c.telemetryLn.Close()
	c.dashboardLn.Close()
	c.wg.Wait()
}

func port(ln net.Listener) int {
	return ln.Addr().(*net.TCPAddr).Port
}

// Host is the loopback address the controller listens on.
func (c *Controller) Host() string { return "127.0.0.1" }

// CommandPort returns the ephemeral script port.
func (c *Controller) CommandPort() int { return port(c.commandLn) }

// TelemetryPort returns the ephemeral state-stream port.
func (c *Controller) TelemetryPort() int { return port(c.telemetryLn) }

// DashboardPort returns the ephemeral dashboard port.
func (c *Controller) DashboardPort() int { return port(c.dashboardLn) }

// Commands returns a copy of every script statement received so far, in
// arrival order, newline terminators stripped.
func (c *Controller) Commands() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.commands))
	copy(out, c.commands)
	return out
}

// SetReply overrides the dashboard reply for a verb.
func (c *Controller) SetReply(verb, reply string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.replies[verb] = reply
}

// QueueFrames sets the byte frames the next telemetry connection streams.
func (c *Controller) QueueFrames(frames ...[]byte) {
	c.frameMu.Lock()
	defer c.frameMu.Unlock()
	c.frames = append(c.frames, frames...)
}

// QueueSnapshots marshals and queues well-formed state frames.
func (c *Controller) QueueSnapshots(snaps ...realtime.Snapshot) {
	for _, s := range snaps {
		c.QueueFrames(realtime.MarshalFrame(s))
	}
}

// SetStreamInterval spaces queued telemetry frames by d.
func (c *Controller) SetStreamInterval(d time.Duration) {
	c.frameMu.Lock()
	defer c.frameMu.Unlock()
	c.streamInterval = d
}

// HoldTelemetryOpen keeps telemetry connections open after the frame queue
// drains, instead of closing them to simulate a dropped link.
func (c *Controller) HoldTelemetryOpen() {
	c.frameMu.Lock()
	defer c.frameMu.Unlock()
	c.holdTelemetryOpen = true
}

// Dials reports how many connections a surface has accepted.
func (c *Controller) Dials(surface string) int {
	c.dialsMu.Lock()
	defer c.dialsMu.Unlock()
	return c.dials[surface]
}

func (c *Controller) countDial(surface string) {
	c.dialsMu.Lock()
	c.dials[surface]++
	c.dialsMu.Unlock()
}

func (c *Controller) serveCommand() {
	defer c.wg.Done()
	for {
		conn, err := c.commandLn.Accept()
		if err != nil {
			return
		}
		c.countDial("command")
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			defer conn.Close()
			sc := bufio.NewScanner(conn)
			for sc.Scan() {
				c.mu.Lock()
				c.commands = append(c.commands, sc.Text())
				c.mu.Unlock()
			}
		}()
	}
}

func (c *Controller) serveTelemetry() {
	defer c.wg.Done()
	for {
		conn, err := c.telemetryLn.Accept()
		if err != nil {
			return
		}
		c.countDial("telemetry")
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			defer conn.Close()

			c.frameMu.Lock()
			frames := c.frames
			c.frames = nil
			interval := c.streamInterval
			hold := c.holdTelemetryOpen
			c.frameMu.Unlock()

			for _, f := range frames {
				if _, err := conn.Write(f); err != nil {
					return
				}
				if interval > 0 {
					select {
					case <-c.closed:
						return
					case <-time.After(interval):
					}
				}
			}
			if hold {
				<-c.closed
			}
		}()
	}
}

func (c *Controller) serveDashboard() {
	defer c.wg.Done()
	for {
		conn, err := c.dashboardLn.Accept()
		if err != nil {
			return
		}
		c.countDial("dashboard")
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			defer conn.Close()
			fmt.Fprintf(conn, "%s\n", Banner)
			sc := bufio.NewScanner(conn)
			for sc.Scan() {
				verb := strings.TrimSpace(sc.Text())
				c.mu.Lock()
				reply, ok := c.replies[verb]
				c.mu.Unlock()
				if !ok {
					reply = "could not understand"
				}
				if _, err := fmt.Fprintf(conn, "%s\n", reply); err != nil {
					return
				}
			}
		}()
	}
}
