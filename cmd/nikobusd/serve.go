package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/nerrad567/gray-logic-nikobus/internal/api"
	"github.com/nerrad567/gray-logic-nikobus/internal/bridges/nikobus"
	"github.com/nerrad567/gray-logic-nikobus/internal/gateway"
	"github.com/nerrad567/gray-logic-nikobus/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-nikobus/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-nikobus/internal/infrastructure/discovery"
	"github.com/nerrad567/gray-logic-nikobus/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-logic-nikobus/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-nikobus/internal/infrastructure/metrics"
	"github.com/nerrad567/gray-logic-nikobus/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-nikobus/migrations"
)

// pruneInterval is how often the frame log is trimmed to its retention.
const pruneInterval = time.Hour

func newServeCmd(configPath func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the bridge",
		Long: `Run the Nikobus bridge until interrupted.

Connects to the MQTT broker, opens the frame log, starts the frame
listener and (when pclink_host is set) the PC-link connection, then
serves the HTTP API.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), configPath())
		},
	}
}

// run is the actual application logic, separated from the command for
// testability.
//
// Parameters:
//   - ctx: Context for cancellation and shutdown signals
//   - configPath: Path to config.yaml
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context, configPath string) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting Nikobus bridge",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	log.Info("database ready", "path", cfg.Database.Path)

	// The bridge config is needed before MQTT so the Last Will carries the bridge ID
	nk := cfg.Protocols.Nikobus
	var bridgeCfg *nikobus.Config
	if nk.Enabled {
		bridgeCfg, err = nikobus.LoadConfig(nk.ConfigFile)
		if err != nil {
			return fmt.Errorf("loading Nikobus bridge config: %w", err)
		}
		log.Info("Nikobus bridge config loaded",
			"path", nk.ConfigFile,
			"bridge_id", bridgeCfg.Bridge.ID,
			"modules", len(bridgeCfg.Modules),
		)
	}

	mqttOpts, err := mqttOptions(bridgeCfg, log)
	if err != nil {
		return err
	}
	mqttClient, err := mqtt.Connect(cfg.MQTT, mqttOpts...)
	if err != nil {
		return fmt.Errorf("connecting to MQTT: %w", err)
	}
	defer func() {
		log.Info("disconnecting from MQTT")
		if closeErr := mqttClient.Close(); closeErr != nil {
			log.Error("error closing MQTT", "error", closeErr)
		}
	}()
	log.Info("MQTT connected",
		"broker", net.JoinHostPort(cfg.MQTT.Broker.Host, fmt.Sprint(cfg.MQTT.Broker.Port)),
		"client_id", cfg.MQTT.Broker.ClientID,
	)

	mqttClient.SetOnConnect(func() {
		log.Info("MQTT reconnected")
	})
	mqttClient.SetOnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
	})

	// Connect to InfluxDB (optional)
	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(ctx, cfg.InfluxDB, influxdb.WithTags(influxTags(cfg, bridgeCfg)))
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)

		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
	} else {
		log.Info("InfluxDB disabled")
	}

	collector := metrics.New()
	registerGauge(collector, log, "mqtt_connected", "1 when the MQTT broker connection is up.",
		metrics.BoolGauge(mqttClient.IsConnected))
	registerGauge(collector, log, "database_bytes", "Size of the frame log database and its WAL.",
		func() float64 {
			size, err := db.Size()
			if err != nil {
				return 0
			}
			return float64(size)
		})
	if influxClient != nil {
		registerGauge(collector, log, "influxdb_write_errors", "Failed InfluxDB batch writes since start.",
			func() float64 { return float64(influxClient.Stats().WriteErrors) })
	}

	var apiServer *api.Server
	if nk.Enabled {
		stack, stopStack, startErr := startNikobus(ctx, cfg, bridgeCfg, db, mqttClient, influxClient, collector, log)
		if startErr != nil {
			return startErr
		}
		defer stopStack()
		apiServer = stack.api
	} else {
		log.Info("Nikobus bridge disabled")
	}

	if err := healthCheck(ctx, db, mqttClient, influxClient, apiServer); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	log.Info("initialisation complete, waiting for shutdown signal")

	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")

	// Deferred cleanup runs in reverse order:
	// API, listener, bridge, PC-link, recorder, InfluxDB, MQTT, database

	log.Info("Nikobus bridge stopped")
	return nil
}

// openDatabase opens SQLite and applies the embedded migrations.
func openDatabase(ctx context.Context, cfg *config.Config) (*database.DB, error) {
	db, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	if err := db.Migrate(ctx, migrations.FS); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return db, nil
}

// openStore opens SQLite without touching the schema.
func openStore(ctx context.Context, cfg *config.Config) (*database.DB, error) {
	db, err := database.Open(ctx, database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	return db, nil
}

// mqttOptions returns the connect options for the broker. The Last Will marks
// the bridge offline on the health topic if the process dies.
func mqttOptions(bridgeCfg *nikobus.Config, log *logging.Logger) ([]mqtt.Option, error) {
	opts := []mqtt.Option{mqtt.WithLogger(log)}
	if bridgeCfg == nil {
		return opts, nil
	}

	payload, err := json.Marshal(nikobus.NewLWTMessage(bridgeCfg.Bridge.ID))
	if err != nil {
		return nil, fmt.Errorf("encoding last will: %w", err)
	}
	return append(opts, mqtt.WithWill(mqtt.Will{
		Topic:    nikobus.HealthTopic(),
		Payload:  payload,
		QoS:      1,
		Retained: true,
	})), nil
}

// nikobusStack holds the running Nikobus components.
type nikobusStack struct {
	gateway   *gateway.Manager
	recorder  *nikobus.Recorder
	commander *nikobus.Commander
	bridge    *nikobus.Bridge
	listener  *nikobus.Listener
	api       *api.Server
	advert    *discovery.Advertiser
}

// startNikobus starts the frame path in dependency order: recorder,
// dispatcher, serial gateway, PC-link, bridge, listener, API and mDNS
// advertisement.
//
// Parameters:
//   - ctx: Context for connection/cancellation
//   - cfg: Application configuration
//   - bridgeCfg: Loaded bridge configuration (identity, modules)
//   - db: Database for the frame log
//   - mqttClient: MQTT client for publishing/subscribing
//   - influxClient: InfluxDB client (may be nil if disabled)
//   - collector: Prometheus collector
//   - log: Logger instance
//
// Returns:
//   - *nikobusStack: Running components
//   - func(): Stops everything that was started, in reverse order
//   - error: If any component fails to start; anything already started is stopped
func startNikobus(
	ctx context.Context,
	cfg *config.Config,
	bridgeCfg *nikobus.Config,
	db *database.DB,
	mqttClient *mqtt.Client,
	influxClient *influxdb.Client,
	collector *metrics.Collector,
	log *logging.Logger,
) (stack *nikobusStack, stop func(), err error) {
	nk := cfg.Protocols.Nikobus
	stack = &nikobusStack{}

	var cleanups []func()
	stopAll := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}
	defer func() {
		if err != nil {
			stopAll()
		}
	}()

	if nk.RecordFrames {
		stack.recorder = nikobus.NewRecorder(db.DB)
		stack.recorder.SetLogger(log)
		if err = stack.recorder.Start(); err != nil {
			return nil, nil, fmt.Errorf("starting frame recorder: %w", err)
		}
		cleanups = append(cleanups, stack.recorder.Stop)

		if retention := nk.GetRetention(); retention > 0 {
			cleanups = append(cleanups, startPruning(ctx, stack.recorder, retention, log))
		}
	} else {
		log.Info("frame recording disabled")
	}

	dispatcher := nikobus.NewDispatcher()
	dispatcher.SetLogger(log)

	if nk.Gateway.Managed {
		if stack.gateway, err = startGateway(ctx, nk, log); err != nil {
			return nil, nil, err
		}
		cleanups = append(cleanups, func() {
			if stopErr := stack.gateway.Stop(); stopErr != nil {
				log.Error("error stopping gateway", "error", stopErr)
			}
		})
	}

	if nk.PCLinkHost != "" {
		stack.commander, err = nikobus.DialCommander(ctx, nikobus.CommanderConfig{
			Host:       nk.PCLinkHost,
			Port:       nk.PCLinkPort,
			Timeout:    nk.GetTimeout(),
			BufferSize: nk.BufferSize,
			SkipInit:   nk.SkipInit,
		}, dispatcher)
		if err != nil {
			return nil, nil, fmt.Errorf("connecting to PC-link: %w", err)
		}
		stack.commander.SetLogger(log)
		cleanups = append(cleanups, func() {
			log.Info("closing PC-link connection")
			if closeErr := stack.commander.Close(); closeErr != nil {
				log.Error("error closing PC-link", "error", closeErr)
			}
		})
		log.Info("PC-link connected",
			"address", net.JoinHostPort(nk.PCLinkHost, fmt.Sprint(nk.PCLinkPort)),
			"init", !nk.SkipInit,
		)
	} else {
		log.Info("PC-link not configured, commands will be rejected")
	}

	// Optional dependencies are only set when present to avoid typed-nil interfaces
	var frameMetrics nikobus.MetricsWriter = collector
	if influxClient != nil {
		frameMetrics = metrics.Fanout{collector, influxClient}
	}
	opts := nikobus.BridgeOptions{
		Config:     bridgeCfg,
		MQTTClient: &mqttBridgeAdapter{client: mqttClient},
		Dispatcher: dispatcher,
		Metrics:    frameMetrics,
		Version:    version,
		Logger:     log,
	}
	if stack.commander != nil {
		opts.Sender = stack.commander
	}
	if stack.recorder != nil {
		opts.Recorder = stack.recorder
	}

	stack.bridge, err = nikobus.NewBridge(opts)
	if err != nil {
		return nil, nil, fmt.Errorf("creating Nikobus bridge: %w", err)
	}
	if err = stack.bridge.Start(ctx); err != nil {
		return nil, nil, fmt.Errorf("starting Nikobus bridge: %w", err)
	}
	cleanups = append(cleanups, func() {
		log.Info("stopping Nikobus bridge")
		stack.bridge.Stop()
	})

	delimiter, err := nk.DelimiterByte()
	if err != nil {
		return nil, nil, err
	}
	stack.listener, err = nikobus.NewListener(nikobus.ListenerConfig{
		Host:         nk.ListenHost,
		Port:         nk.ListenPort,
		Delimiter:    delimiter,
		BufferSize:   nk.BufferSize,
		MaxFrameSize: nk.MaxFrameSize,
	}, dispatcher)
	if err != nil {
		return nil, nil, fmt.Errorf("creating frame listener: %w", err)
	}
	stack.listener.SetLogger(log)
	if err = stack.listener.Start(ctx); err != nil {
		return nil, nil, fmt.Errorf("starting frame listener: %w", err)
	}
	cleanups = append(cleanups, func() {
		log.Info("stopping frame listener")
		stack.listener.Stop()
	})
	log.Info("frame listener started", "address", stack.listener.Addr())

	registerBridgeGauges(collector, stack, len(bridgeCfg.Modules), log)

	if cfg.API.Enabled {
		deps := api.Deps{
			Config:     cfg.API,
			WS:         cfg.WebSocket,
			Logger:     log,
			Bridge:     stack.bridge,
			MQTT:       mqttClient,
			Dispatcher: dispatcher,
			Metrics:    collector.Handler(),
			Version:    version,
		}
		if stack.recorder != nil {
			deps.Frames = stack.recorder
		}
		if stack.commander != nil {
			deps.Sender = stack.commander
		}

		stack.api, err = api.New(deps)
		if err != nil {
			return nil, nil, fmt.Errorf("creating API server: %w", err)
		}
		if err = stack.api.Start(ctx); err != nil {
			return nil, nil, fmt.Errorf("starting API server: %w", err)
		}
		cleanups = append(cleanups, func() {
			log.Info("stopping API server")
			if closeErr := stack.api.Close(); closeErr != nil {
				log.Error("error stopping API server", "error", closeErr)
			}
		})
		log.Info("API server started", "address", stack.api.Addr())

		hub := stack.api.Hub()
		registerGauge(collector, log, "websocket_clients", "Connected WebSocket clients.",
			func() float64 { return float64(hub.ClientCount()) })
	} else {
		log.Info("API server disabled")
	}

	if nk.Advertise {
		stack.advert = advertise(stack.api, bridgeCfg.Bridge.ID, nk.PCLinkHost != "", log)
		cleanups = append(cleanups, stack.advert.Shutdown)
	}

	return stack, stopAll, nil
}

// advertise announces the API over mDNS. Failure is logged, not fatal; the
// bridge works without discovery.
func advertise(server *api.Server, bridgeID string, pclink bool, log *logging.Logger) *discovery.Advertiser {
	if server == nil {
		log.Warn("mDNS advertisement needs the API server, skipping")
		return nil
	}
	tcpAddr, ok := server.Addr().(*net.TCPAddr)
	if !ok {
		log.Warn("mDNS advertisement skipped, API address unknown")
		return nil
	}

	instance := discovery.InstanceName(bridgeID)
	advert, err := discovery.Advertise(instance, tcpAddr.Port, discovery.TXTRecords(bridgeID, version, pclink))
	if err != nil {
		log.Warn("mDNS advertisement failed", "error", err)
		return nil
	}
	log.Info("advertising over mDNS",
		"instance", instance,
		"service", discovery.ServiceType,
		"port", tcpAddr.Port,
	)
	return advert
}

// startGateway runs socat between the serial PC-link and pclink_port on
// the loopback interface, and waits until it accepts connections.
func startGateway(ctx context.Context, nk config.NikobusConfig, log *logging.Logger) (*gateway.Manager, error) {
	g := nk.Gateway
	mgr, err := gateway.NewManager(gateway.Config{
		Managed:            true,
		Binary:             g.Binary,
		Device:             g.Device,
		BaudRate:           g.BaudRate,
		ListenHost:         gateway.DefaultListenHost,
		Port:               nk.PCLinkPort,
		RestartOnFailure:   g.RestartOnFailure,
		RestartDelay:       time.Duration(g.RestartDelay) * time.Second,
		MaxRestartAttempts: g.MaxRestartAttempts,
	})
	if err != nil {
		return nil, err
	}
	mgr.SetLogger(log.Component("gateway"))

	if err := mgr.Start(ctx); err != nil {
		return nil, err
	}
	return mgr, nil
}

// influxTags returns the default tags stamped on every InfluxDB point.
func influxTags(cfg *config.Config, bridgeCfg *nikobus.Config) map[string]string {
	tags := map[string]string{"site": cfg.Site.ID}
	if bridgeCfg != nil {
		tags["bridge"] = bridgeCfg.Bridge.ID
	}
	return tags
}

// registerBridgeGauges exposes connection and module gauges.
func registerBridgeGauges(collector *metrics.Collector, stack *nikobusStack, modules int, log *logging.Logger) {
	if gw := stack.gateway; gw != nil {
		registerGauge(collector, log, "gateway_running", "1 when the managed serial gateway is running.",
			metrics.BoolGauge(gw.IsRunning))
	}

	pclink := func() float64 { return 0 }
	if stack.commander != nil {
		pclink = metrics.BoolGauge(stack.commander.IsConnected)
	}
	registerGauge(collector, log, "pclink_connected", "1 when the PC-link connection is up.", pclink)

	listener := stack.listener
	registerGauge(collector, log, "listener_connections", "Open frame feeder connections.",
		func() float64 { return float64(listener.Stats().ConnectionsActive) })

	registerGauge(collector, log, "modules_configured", "Output modules in the bridge config.",
		func() float64 { return float64(modules) })
}

func registerGauge(collector *metrics.Collector, log *logging.Logger, name, help string, fn func() float64) {
	if err := collector.RegisterGauge(name, help, fn); err != nil {
		log.Warn("metric not registered", "name", name, "error", err)
	}
}

// startPruning trims the frame log to retention now and every pruneInterval.
// The returned function stops the loop and waits for it.
func startPruning(ctx context.Context, recorder *nikobus.Recorder, retention time.Duration, log *logging.Logger) func() {
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()

		ticker := time.NewTicker(pruneInterval)
		defer ticker.Stop()

		for {
			cutoff := time.Now().Add(-retention)
			deleted, err := recorder.PruneBefore(ctx, cutoff)
			switch {
			case err != nil && ctx.Err() == nil:
				log.Warn("frame log pruning failed", "error", err)
			case deleted > 0:
				log.Info("frame log pruned", "deleted", deleted, "before", cutoff)
			}

			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	return func() {
		cancel()
		wg.Wait()
	}
}

// healthCheck verifies all infrastructure connections are healthy.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - db: Database connection to check
//   - mqttClient: MQTT client to check
//   - influxClient: InfluxDB client to check (may be nil if disabled)
//   - apiServer: API server to check (may be nil if disabled)
//
// Returns:
//   - error: First health check failure, or nil if all healthy
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client, apiServer *api.Server) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	if err := mqttClient.HealthCheck(ctx); err != nil {
		return fmt.Errorf("mqtt: %w", err)
	}

	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}

	if apiServer != nil {
		if err := apiServer.HealthCheck(ctx); err != nil {
			return fmt.Errorf("api: %w", err)
		}
	}

	// The PC-link reconnects on its own; a down link degrades commands
	// but is not a startup failure.

	return nil
}

// mqttBridgeAdapter adapts the infrastructure MQTT client to the Nikobus
// bridge's MQTTClient interface. The difference is the handler signature:
//   - Infrastructure mqtt: func(topic, payload []byte) error
//   - Nikobus bridge expects: func(topic, payload []byte)
type mqttBridgeAdapter struct {
	client *mqtt.Client
}

var _ nikobus.MQTTClient = (*mqttBridgeAdapter)(nil)

// Publish implements nikobus.MQTTClient.
func (a *mqttBridgeAdapter) Publish(topic string, payload []byte, qos byte, retained bool) error {
	return a.client.Publish(topic, payload, qos, retained)
}

// Subscribe implements nikobus.MQTTClient.
func (a *mqttBridgeAdapter) Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error {
	return a.client.Subscribe(topic, qos, func(t string, p []byte) error {
		handler(t, p)
		return nil
	})
}

// Unsubscribe implements nikobus.MQTTClient.
func (a *mqttBridgeAdapter) Unsubscribe(topic string) error {
	return a.client.Unsubscribe(topic)
}

// IsConnected implements nikobus.MQTTClient.
func (a *mqttBridgeAdapter) IsConnected() bool {
	return a.client.IsConnected()
}
