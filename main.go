package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/r0bb10/gumball-dispenser/internal/actuator"
	"github.com/r0bb10/gumball-dispenser/internal/config"
	"github.com/r0bb10/gumball-dispenser/internal/device"
	"github.com/r0bb10/gumball-dispenser/internal/gpio"
	"github.com/r0bb10/gumball-dispenser/internal/identity"
	"github.com/r0bb10/gumball-dispenser/internal/portal"
	"github.com/r0bb10/gumball-dispenser/internal/scheduler"
	"github.com/r0bb10/gumball-dispenser/internal/session"
	"github.com/r0bb10/gumball-dispenser/internal/socket"
	"github.com/r0bb10/gumball-dispenser/internal/telemetry"
	"github.com/r0bb10/gumball-dispenser/internal/web"
	"github.com/r0bb10/gumball-dispenser/internal/wifi"
)

// FirmwareVersion is injected at build time via -ldflags
var FirmwareVersion = "dev"

const shutdownTimeout = 5 * time.Second

// ============================================================================
// Application
// ============================================================================

// Application holds the wired dispenser
type Application struct {
	config     *config.Config
	gpio       *gpio.Manager
	controller *device.Controller
	web        *web.Server
	publisher  telemetry.Publisher
	mqttClient mqtt.Client

	// restart is closed when a firmware image has been stored
	restart chan struct{}
}

// NewApplication loads the configuration and wires every component
func NewApplication(configFile string) (*Application, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}
	setupLogging(cfg.Log)

	app := &Application{
		config:    cfg,
		gpio:      gpio.NewManager(nil),
		publisher: telemetry.Nop{},
		restart:   make(chan struct{}),
	}

	id, err := identity.FromInterface(cfg.Device.HostnamePrefix, cfg.WiFi.Interface)
	if err != nil {
		log.Warn().Err(err).Msg("no hardware address, using fallback identity")
		id = identity.New(cfg.Device.HostnamePrefix, net.HardwareAddr{0, 0, 0, 0, 0, 0})
	}
	log.Info().Str("hostname", id.Hostname()).Msg("device identity")

	if err := app.gpio.OpenChip(cfg.Device.Chip); err != nil {
		return nil, err
	}
	motor, err := app.gpio.SetupOutput("actuator", cfg.Device.ActuatorPin, cfg.Device.ActuatorInverted)
	if err != nil {
		app.gpio.Close()
		return nil, err
	}
	button, err := app.gpio.SetupInput("button", cfg.Device.ButtonPin, true, true)
	if err != nil {
		app.gpio.Close()
		return nil, err
	}

	link, err := wifi.NewNMLink(cfg.WiFi.Interface)
	if err != nil {
		app.gpio.Close()
		return nil, err
	}
	creds := &wifi.Store{}
	if cfg.WiFi.SSID != "" {
		creds.Set(wifi.Credentials{SSID: cfg.WiFi.SSID, Password: cfg.WiFi.Password})
	}

	deps := device.Deps{
		Clock:    scheduler.SystemClock,
		Button:   button,
		Actuator: actuator.New(motor, scheduler.SystemClock),
		Link:     link,
		Creds:    creds,
		Portal:   portal.New(id.Hostname(), cfg.Portal.Password, cfg.Portal.Listen, link),
		Dialer:   &socket.WSDialer{HandshakeTimeout: cfg.Socket.HandshakeTimeout},
	}
	if cfg.Device.LEDPin >= 0 {
		led, err := app.gpio.SetupOutput("led", cfg.Device.LEDPin, false)
		if err != nil {
			log.Warn().Err(err).Msg("status LED unavailable")
		} else {
			deps.LED = led
		}
	}

	var pub *telemetry.MQTTPublisher
	if cfg.MQTT.Broker != "" {
		prefix := fmt.Sprintf("%s/%s", cfg.MQTT.TopicPrefix, id.Hostname())
		client, mgr := telemetry.NewClient(cfg.MQTT, id.Hostname(), prefix, func() {
			if pub != nil {
				pub.Announce()
			}
		})
		app.mqttClient = client
		pub = telemetry.NewPublisher(mgr, id.Hostname(), FirmwareVersion, func() session.State {
			return app.controller.State()
		})
		app.publisher = pub
		deps.Publisher = pub
	}

	app.controller = device.New(device.Options{
		Identity:        id,
		SocketURL:       cfg.Socket.URL,
		DefaultDuration: cfg.Dispense.DefaultDuration,
		ButtonInterval:  cfg.Timing.ButtonInterval,
		WiFiInterval:    cfg.Timing.WiFiInterval,
		PortalTimeout:   cfg.Timing.PortalTimeout,
		JoinAttempts:    cfg.Timing.JoinAttempts,
		Idle:            cfg.Timing.Idle,
	}, deps)

	app.web = web.NewServer(cfg.HTTP, cfg.OTA, FirmwareVersion, app.controller, app.firmwareReceived)
	// OnNetwork is read by the loop only, which has not started yet
	app.controller.SetOnNetwork(app.web.Start)

	if app.mqttClient != nil {
		if err := telemetry.Dial(app.mqttClient); err != nil {
			log.Error().Err(err).Msg("telemetry disabled")
		}
	}
	return app, nil
}

func (app *Application) firmwareReceived(path string, size int64) {
	app.publisher.FirmwareReceived(path, size)
	select {
	case <-app.restart:
	default:
		log.Info().Str("path", path).Msg("firmware stored, restarting")
		close(app.restart)
	}
}

// Run drives the control loop until ctx is cancelled or a firmware image
// arrives
func (app *Application) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-app.restart:
			cancel()
		case <-ctx.Done():
		}
	}()
	return app.controller.Run(ctx)
}

// Shutdown stops the servers, releases the GPIO lines and says goodbye to the broker
func (app *Application) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	if err := app.web.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http server: %w", err))
	}
	app.publisher.Close()
	if err := app.gpio.Close(); err != nil {
		errs = append(errs, fmt.Errorf("gpio: %w", err))
	}
	if app.mqttClient != nil {
		app.mqttClient.Disconnect(250)
	}
	return errors.Join(errs...)
}

func setupLogging(cfg config.LogConfig) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		log.Warn().Str("level", cfg.Level).Msg("unknown log level, using info")
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}

// main is the entry point of the application
func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	log.Info().Str("version", FirmwareVersion).Msg("Gumball dispenser")

	configFile := "config.yml"
	if len(os.Args) > 1 {
		configFile = os.Args[1]
	}

	app, err := NewApplication(configFile)
	if err != nil {
		log.Fatal().Err(err).Msg("critical")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info().Msg("running, press Ctrl+C to exit")
	if err := app.Run(ctx); err != nil {
		log.Error().Err(err).Msg("control loop stopped")
	}

	log.Info().Msg("shutting down")
	if err := app.Shutdown(); err != nil {
		log.Error().Err(err).Msg("shutdown")
	}
}
