// Package device runs the dispenser's control loop: it polls the config
// button, drives the session state machine from connectivity checks and
// pumps inbound commands to the actuator.
//
// Everything here runs on the loop goroutine. The only blocking operations
// are the actuator hold and portal/network bring-up.
package device

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/r0bb10/gumball-dispenser/internal/actuator"
	"github.com/r0bb10/gumball-dispenser/internal/codec"
	"github.com/r0bb10/gumball-dispenser/internal/identity"
	"github.com/r0bb10/gumball-dispenser/internal/portal"
	"github.com/r0bb10/gumball-dispenser/internal/scheduler"
	"github.com/r0bb10/gumball-dispenser/internal/session"
	"github.com/r0bb10/gumball-dispenser/internal/socket"
	"github.com/r0bb10/gumball-dispenser/internal/telemetry"
	"github.com/r0bb10/gumball-dispenser/internal/wifi"
)

const (
	blinkDelay  = 100 * time.Millisecond
	blinkCycles = 5
)

// Button is the config-request input
type Button interface {
	Active() (bool, error)
}

// Dispenser holds the actuator for a duration
type Dispenser interface {
	Dispense(d time.Duration) error
}

// Indicator is the status LED
type Indicator interface {
	Set(on bool) error
}

// Portal collects credentials while the access point is up
type Portal interface {
	Run(ctx context.Context, timeout time.Duration, accept portal.AcceptFunc) (wifi.Credentials, error)
}

// Options are the process-wide constants of the loop
type Options struct {
	Identity        identity.Identity
	SocketURL       string
	DefaultDuration time.Duration
	ButtonInterval  time.Duration
	WiFiInterval    time.Duration
	PortalTimeout   time.Duration
	JoinAttempts    int
	Idle            time.Duration
}

// Deps are the collaborators of the controller. LED, Publisher and
// OnNetwork are optional.
type Deps struct {
	Clock     scheduler.Clock
	Button    Button
	LED       Indicator
	Actuator  Dispenser
	Link      wifi.Link
	Creds     *wifi.Store
	Portal    Portal
	Dialer    socket.Dialer
	Publisher telemetry.Publisher
	OnNetwork func()
}

// Controller owns the session state machine
type Controller struct {
	opts    Options
	deps    Deps
	machine *session.Machine

	conn         socket.Conn
	joinFailures int
	ip           atomic.Value
}

// New creates a controller in the Disconnected state
func New(opts Options, deps Deps) *Controller {
	if deps.Clock == nil {
		deps.Clock = scheduler.SystemClock
	}
	if deps.Creds == nil {
		deps.Creds = &wifi.Store{}
	}
	if deps.Publisher == nil {
		deps.Publisher = telemetry.Nop{}
	}
	if opts.JoinAttempts < 1 {
		opts.JoinAttempts = 1
	}
	c := &Controller{opts: opts, deps: deps}
	c.ip.Store("")
	c.machine = session.NewMachine(func(from, to session.State, _ session.Event) {
		c.deps.Publisher.SessionChanged(from, to)
	})
	return c
}

// SetOnNetwork sets the hook called on every network join. It must be set
// before the loop runs.
func (c *Controller) SetOnNetwork(fn func()) {
	c.deps.OnNetwork = fn
}

// State returns the current session state
func (c *Controller) State() session.State {
	return c.machine.Current()
}

// Hostname returns the device identity
func (c *Controller) Hostname() string {
	return c.opts.Identity.Hostname()
}

// LocalIP returns the last address observed while connected
func (c *Controller) LocalIP() string {
	return c.ip.Load().(string)
}

// SocketConnected reports whether the command socket is up
func (c *Controller) SocketConnected() bool {
	return c.machine.Current() == session.SocketConnected
}

// Loop builds the scheduler loop; checks run in the order button,
// connectivity, message pump
func (c *Controller) Loop(ctx context.Context) *scheduler.Loop {
	l := scheduler.NewLoop(c.deps.Clock, c.opts.Idle,
		scheduler.Every("button", c.opts.ButtonInterval, func(time.Time) { c.checkButton(ctx) }),
		scheduler.Every("connectivity", c.opts.WiFiInterval, func(time.Time) { c.checkConnectivity(ctx) }),
		scheduler.Every("message", 0, func(time.Time) { c.pumpMessage() }),
	)
	l.OnPanic = func(check string, r any) {
		c.fault(fmt.Errorf("%s check panicked: %v", check, r))
	}
	return l
}

// Run drives the loop until ctx is cancelled
func (c *Controller) Run(ctx context.Context) error {
	log.Info().Str("hostname", c.Hostname()).Msg("control loop started")
	err := c.Loop(ctx).Run(ctx)
	c.dropSocket()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// fire feeds e to the state machine and applies the side effects of the
// resulting transition
func (c *Controller) fire(ctx context.Context, e session.Event) session.State {
	from := c.machine.Current()
	to, changed := c.machine.Apply(e)
	if !changed {
		return to
	}
	if from == session.SocketConnected {
		c.dropSocket()
	}
	switch to {
	case session.Disconnected:
		c.ip.Store("")
	case session.NetworkConnected:
		c.joinFailures = 0
		if c.deps.OnNetwork != nil {
			c.deps.OnNetwork()
		}
	case session.ConfigPortalActive:
		c.joinFailures = 0
		return c.runPortal(ctx)
	}
	return to
}

func (c *Controller) fault(err error) {
	c.dropSocket()
	c.joinFailures = 0
	c.machine.Fault(err)
}

// ============================================================================
// Button check
// ============================================================================

func (c *Controller) checkButton(ctx context.Context) {
	pressed, err := c.deps.Button.Active()
	if err != nil {
		log.Warn().Err(err).Msg("config button unreadable")
		return
	}
	if !pressed {
		return
	}
	log.Info().Msg("configuration portal requested")
	if c.deps.LED != nil {
		actuator.Blink(c.deps.LED, c.deps.Clock, blinkDelay, blinkCycles)
	}
	c.fire(ctx, session.ButtonPressed)
}

// ============================================================================
// Connectivity check
// ============================================================================

func (c *Controller) checkConnectivity(ctx context.Context) {
	if c.machine.Current() == session.Disconnected {
		c.fire(ctx, session.Tick)
	}
	if c.machine.Current() == session.ConnectingToNetwork {
		c.join(ctx)
	}
	switch c.machine.Current() {
	case session.NetworkConnected, session.SocketConnected:
		if !c.deps.Link.Connected(ctx) {
			log.Warn().Msg("WIFI not connected")
			c.fire(ctx, session.NetworkLost)
			return
		}
		c.ip.Store(c.deps.Link.LocalIP(ctx))
		c.ConnectSocket(ctx)
	}
}

func (c *Controller) join(ctx context.Context) {
	err := c.deps.Link.Join(ctx, c.deps.Creds.Get())
	if err == nil {
		c.ip.Store(c.deps.Link.LocalIP(ctx))
		log.Info().Str("ip", c.LocalIP()).Msg("WIFI connected")
		c.fire(ctx, session.JoinSucceeded)
		return
	}
	c.joinFailures++
	log.Warn().Err(err).Int("attempt", c.joinFailures).Int("budget", c.opts.JoinAttempts).Msg("WIFI join failed")
	if c.joinFailures >= c.opts.JoinAttempts {
		c.fire(ctx, session.JoinExhausted)
	}
}

// ConnectSocket dials the command socket while NetworkConnected. It is a
// no-op in every other state, in particular when already SocketConnected.
func (c *Controller) ConnectSocket(ctx context.Context) {
	if c.machine.Current() != session.NetworkConnected {
		return
	}
	conn, err := c.deps.Dialer.Dial(ctx, c.opts.SocketURL)
	if err != nil {
		cerr := &wifi.ConnectivityError{Op: "connect socket", Err: err}
		log.Warn().Err(cerr).Str("url", c.opts.SocketURL).Msg("socket connection failed")
		return
	}
	c.conn = conn
	c.fire(ctx, session.SocketOpened)
	log.Info().Str("url", c.opts.SocketURL).Msg("socket connection opened")
}

func (c *Controller) dropSocket() {
	if c.conn == nil {
		return
	}
	if err := c.conn.Close(); err != nil && !errors.Is(err, socket.ErrClosed) {
		log.Debug().Err(err).Msg("socket close")
	}
	c.conn = nil
}

// ============================================================================
// Config portal
// ============================================================================

func (c *Controller) runPortal(ctx context.Context) session.State {
	c.setLED(true)
	defer c.setLED(false)

	creds, err := c.deps.Portal.Run(ctx, c.opts.PortalTimeout, func(ctx context.Context, creds wifi.Credentials) error {
		if err := c.deps.Link.Join(ctx, creds); err != nil {
			return err
		}
		c.deps.Creds.Set(creds)
		return nil
	})
	switch {
	case err == nil:
		log.Info().Str("ssid", creds.SSID).Msg("WIFI credentials stored")
		return c.fire(ctx, session.PortalConfigured)
	case !c.deps.Creds.Get().Empty():
		log.Info().Err(err).Msg("config portal closed, using known credentials")
		return c.fire(ctx, session.PortalConfigured)
	default:
		log.Info().Err(err).Msg("config portal closed without credentials")
		return c.fire(ctx, session.PortalTimedOut)
	}
}

func (c *Controller) setLED(on bool) {
	if c.deps.LED == nil {
		return
	}
	if err := c.deps.LED.Set(on); err != nil {
		log.Debug().Err(err).Msg("status LED")
	}
}

// ============================================================================
// Message pump
// ============================================================================

// pumpMessage handles at most one pending frame
func (c *Controller) pumpMessage() {
	if c.machine.Current() != session.SocketConnected || c.conn == nil {
		return
	}
	select {
	case f, ok := <-c.conn.Frames():
		if !ok || f.Err != nil {
			log.Warn().Err(f.Err).Msg("socket connection closed")
			c.fire(context.Background(), session.SocketClosed)
			return
		}
		c.handle(f.Data)
	default:
	}
}

func (c *Controller) handle(raw []byte) {
	env, err := codec.Decode(raw, c.opts.DefaultDuration)
	if err != nil {
		log.Warn().Err(err).Int("bytes", len(raw)).Msg("dropping message")
		return
	}
	switch env.Action {
	case codec.ActionPing:
		if err := c.conn.Send(codec.EncodePong()); err != nil {
			log.Warn().Err(err).Msg("pong not sent")
		}
	case codec.ActionDispense:
		if err := c.deps.Actuator.Dispense(env.Duration); err != nil {
			log.Error().Err(err).Msg("dispense failed")
			return
		}
		c.deps.Publisher.Dispensed(env.Duration, env.Explicit)
	case codec.ActionNone:
		log.Debug().Msg("none action")
	default:
		log.Warn().Str("action", env.Name).Msg("ignoring unknown action")
	}
}
