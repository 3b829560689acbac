package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type appConfig struct {
	sensorAddr       string
	handshakeTO      time.Duration
	readTO           time.Duration
	tickPeriod       time.Duration
	maxConsecErrors  int
	reconnectDelay   time.Duration
	minVelocityDelta float64

	storeEnable  bool
	redisAddr    string
	redisDB      int
	redisPass    string
	namespace    string
	historyCap   int64
	changeCap    int64

	listenAddr string
	wsQueue    int

	logFormat       string
	logLevel        string
	metricsAddr     string
	logMetricsEvery time.Duration

	mdnsEnable bool
	mdnsName   string

	plcEnable bool
	plcDevice string
	plcBaud   int
}

func parseFlags() (*appConfig, bool) {
	cfg := &appConfig{}
	sensorAddr := flag.String("sensor-addr", "127.0.0.1:2111", "Radar sensor TCP address (host:port)")
	handshakeTO := flag.Duration("sensor-handshake-timeout", 5*time.Second, "Sensor connect timeout")
	readTO := flag.Duration("sensor-read-timeout", 5*time.Second, "Sensor command round-trip timeout")
	tickPeriod := flag.Duration("tick-period", 100*time.Millisecond, "Acquisition loop poll cadence")
	maxConsecErrors := flag.Int("max-consecutive-errors", 5, "Consecutive sensor errors before comm_failure")
	reconnectDelay := flag.Duration("reconnect-delay", 2*time.Second, "Sleep applied after a comm_failure trip")
	minVelocityDelta := flag.Float64("min-velocity-delta", 0.01, "Minimum |delta| to emit a velocity-change event")

	storeEnable := flag.Bool("store-enable", true, "Enable the time-series store adapter (persistence)")
	redisAddr := flag.String("redis-addr", "127.0.0.1:6379", "Redis-compatible store address")
	redisDB := flag.Int("redis-db", 0, "Redis logical database index")
	redisPass := flag.String("redis-password", "", "Redis-compatible store password (empty for no auth)")
	namespace := flag.String("namespace", "radar_sick", "Key namespace prefix for persisted data")
	historyCap := flag.Int64("history-cap", 1000, "Per-channel time-series ring capacity")
	changeCap := flag.Int64("change-cap", 100, "Per-channel and global change-log ring capacity")

	listen := flag.String("listen", ":8080", "HTTP/WebSocket listen address")
	wsQueue := flag.Int("ws-queue-depth", 256, "Per-subscriber outbound queue depth")

	logFormat := flag.String("log-format", "text", "Log format: text|json")
	logLevel := flag.String("log-level", "info", "Log level: debug|info|warn|error")
	metricsAddr := flag.String("metrics-addr", "", "Prometheus metrics HTTP listen address (e.g., :9100); empty disables")
	logMetricsEvery := flag.Duration("log-metrics-interval", 0, "If >0, periodically log metrics counters (for non-Prometheus setups)")

	mdnsEnable := flag.Bool("mdns-enable", true, "Enable mDNS/Bonjour advertisement")
	mdnsName := flag.String("mdns-name", "", "mDNS instance name (default <hostname>-radar)")

	plcEnable := flag.Bool("plc-enable", false, "Enable the optional serial PLC mirror")
	plcDevice := flag.String("plc-device", "/dev/ttyUSB0", "PLC mirror serial device path")
	plcBaud := flag.Int("plc-baud", 9600, "PLC mirror serial baud rate")

	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	setFlags := map[string]struct{}{}
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = struct{}{} })

	cfg.sensorAddr = *sensorAddr
	cfg.handshakeTO = *handshakeTO
	cfg.readTO = *readTO
	cfg.tickPeriod = *tickPeriod
	cfg.maxConsecErrors = *maxConsecErrors
	cfg.reconnectDelay = *reconnectDelay
	cfg.minVelocityDelta = *minVelocityDelta
	cfg.storeEnable = *storeEnable
	cfg.redisAddr = *redisAddr
	cfg.redisDB = *redisDB
	cfg.redisPass = *redisPass
	cfg.namespace = *namespace
	cfg.historyCap = *historyCap
	cfg.changeCap = *changeCap
	cfg.listenAddr = *listen
	cfg.wsQueue = *wsQueue
	cfg.logFormat = *logFormat
	cfg.logLevel = *logLevel
	cfg.metricsAddr = *metricsAddr
	cfg.logMetricsEvery = *logMetricsEvery
	cfg.mdnsEnable = *mdnsEnable
	cfg.mdnsName = *mdnsName
	cfg.plcEnable = *plcEnable
	cfg.plcDevice = *plcDevice
	cfg.plcBaud = *plcBaud

	if err := applyEnvOverrides(cfg, setFlags); err != nil {
		fmt.Printf("environment override error: %v\n", err)
		return nil, *showVersion
	}
	if err := cfg.validate(); err != nil {
		fmt.Printf("configuration error: %v\n", err)
		return nil, *showVersion
	}
	return cfg, *showVersion
}

// validate performs basic semantic validation of the parsed configuration.
// It does not attempt to open devices or connections, only checks values.
func (c *appConfig) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch c.logFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format: %s", c.logFormat)
	}
	switch c.logLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log-level: %s", c.logLevel)
	}
	if c.sensorAddr == "" {
		return errors.New("sensor-addr must not be empty")
	}
	if c.handshakeTO <= 0 {
		return errors.New("sensor-handshake-timeout must be > 0")
	}
	if c.readTO <= 0 {
		return errors.New("sensor-read-timeout must be > 0")
	}
	if c.tickPeriod <= 0 {
		return errors.New("tick-period must be > 0")
	}
	if c.maxConsecErrors <= 0 {
		return errors.New("max-consecutive-errors must be > 0")
	}
	if c.reconnectDelay <= 0 {
		return errors.New("reconnect-delay must be > 0")
	}
	if c.minVelocityDelta < 0 {
		return errors.New("min-velocity-delta must be >= 0")
	}
	if c.historyCap <= 0 {
		return errors.New("history-cap must be > 0")
	}
	if c.changeCap <= 0 {
		return errors.New("change-cap must be > 0")
	}
	if c.wsQueue <= 0 {
		return errors.New("ws-queue-depth must be > 0")
	}
	if c.plcEnable && c.plcBaud <= 0 {
		return errors.New("plc-baud must be > 0 when plc-enable is set")
	}
	return nil
}

// applyEnvOverrides maps RADAR_SERVER_* environment variables to config
// fields unless a corresponding flag was explicitly set (flags win).
func applyEnvOverrides(c *appConfig, set map[string]struct{}) error {
	var firstErr error
	get := func(k string) (string, bool) { v, ok := os.LookupEnv(k); return strings.TrimSpace(v), ok }

	if _, ok := set["sensor-addr"]; !ok {
		if v, ok := get("RADAR_SERVER_SENSOR_ADDR"); ok && v != "" {
			c.sensorAddr = v
		}
	}
	if _, ok := set["redis-addr"]; !ok {
		if v, ok := get("RADAR_SERVER_REDIS_ADDR"); ok && v != "" {
			c.redisAddr = v
		}
	}
	if _, ok := set["redis-db"]; !ok {
		if v, ok := get("RADAR_SERVER_REDIS_DB"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				c.redisDB = n
			} else if firstErr == nil {
				firstErr = fmt.Errorf("invalid RADAR_SERVER_REDIS_DB: %w", err)
			}
		}
	}
	if _, ok := set["redis-password"]; !ok {
		if v, ok := get("RADAR_SERVER_REDIS_PASSWORD"); ok {
			c.redisPass = v
		}
	}
	if _, ok := set["store-enable"]; !ok {
		if v, ok := get("RADAR_SERVER_STORE_ENABLE"); ok && v != "" {
			switch strings.ToLower(v) {
			case "1", "true", "yes", "on":
				c.storeEnable = true
			case "0", "false", "no", "off":
				c.storeEnable = false
			}
		}
	}
	if _, ok := set["namespace"]; !ok {
		if v, ok := get("RADAR_SERVER_NAMESPACE"); ok && v != "" {
			c.namespace = v
		}
	}
	if _, ok := set["listen"]; !ok {
		if v, ok := get("RADAR_SERVER_LISTEN"); ok && v != "" {
			c.listenAddr = v
		}
	}
	if _, ok := set["log-format"]; !ok {
		if v, ok := get("RADAR_SERVER_LOG_FORMAT"); ok && v != "" {
			c.logFormat = v
		}
	}
	if _, ok := set["log-level"]; !ok {
		if v, ok := get("RADAR_SERVER_LOG_LEVEL"); ok && v != "" {
			c.logLevel = v
		}
	}
	if _, ok := set["metrics-addr"]; !ok {
		if v, ok := get("RADAR_SERVER_METRICS"); ok {
			c.metricsAddr = v
		}
	}
	if _, ok := set["mdns-enable"]; !ok {
		if v, ok := get("RADAR_SERVER_MDNS_ENABLE"); ok && v != "" {
			switch strings.ToLower(v) {
			case "1", "true", "yes", "on":
				c.mdnsEnable = true
			case "0", "false", "no", "off":
				c.mdnsEnable = false
			}
		}
	}
	if _, ok := set["mdns-name"]; !ok {
		if v, ok := get("RADAR_SERVER_MDNS_NAME"); ok && v != "" {
			c.mdnsName = v
		}
	}
	if _, ok := set["plc-enable"]; !ok {
		if v, ok := get("RADAR_SERVER_PLC_ENABLE"); ok && v != "" {
			switch strings.ToLower(v) {
			case "1", "true", "yes", "on":
				c.plcEnable = true
			case "0", "false", "no", "off":
				c.plcEnable = false
			}
		}
	}
	if _, ok := set["plc-device"]; !ok {
		if v, ok := get("RADAR_SERVER_PLC_DEVICE"); ok && v != "" {
			c.plcDevice = v
		}
	}
	if _, ok := set["log-metrics-interval"]; !ok {
		if v, ok := get("RADAR_SERVER_LOG_METRICS_INTERVAL"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d >= 0 {
				c.logMetricsEvery = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid RADAR_SERVER_LOG_METRICS_INTERVAL: %w", err)
			}
		}
	}
	return firstErr
}
