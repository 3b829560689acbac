package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/sickradar/radar-server/internal/logging"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus collectors.
var (
	TicksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "acquisition_ticks_total",
		Help: "Total acquisition loop ticks executed.",
	})
	SensorErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sensor_errors_total",
		Help: "Total sensor I/O errors observed by the acquisition loop.",
	})
	ChangeEvents = promauto.NewCounter(prometheus.CounterOpts{
		Name: "velocity_change_events_total",
		Help: "Total velocity-change events emitted by the change detector.",
	})
	StoreWriteErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "store_write_errors_total",
		Help: "Total failed persistence pipeline executions.",
	})
	StoreWritesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "store_writes_dropped_total",
		Help: "Total persistence batches dropped because the async queue was full.",
	})
	HubBroadcast = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_broadcast_total",
		Help: "Total broadcast attempts issued by the subscriber hub.",
	})
	HubCoalesced = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_broadcast_coalesced_total",
		Help: "Total per-frame metric broadcasts suppressed by coalescing.",
	})
	HubEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_subscriber_evictions_total",
		Help: "Total subscribers evicted for backpressure or liveness failure.",
	})
	HubActiveSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hub_active_subscribers",
		Help: "Current number of admitted subscribers.",
	})
	HubQueueDepthMax = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hub_queue_depth_max",
		Help: "Observed max queued messages among subscribers in the last broadcast.",
	})
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "errors_total",
		Help: "Error counters by subsystem.",
	}, []string{"where"})

	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Error label constants (stable label values to bound cardinality).
const (
	ErrConnect   = "connect"
	ErrIO        = "io"
	ErrDecode    = "decode"
	ErrStore     = "store"
	ErrHub       = "hub"
	ErrHTTP      = "http"
	ErrDiscovery = "discovery"
	ErrPLC       = "plc"
)

// StartHTTP serves Prometheus metrics and readiness at the given address.
func StartHTTP(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if IsReady() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready\n"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready\n"))
	})

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		logging.L().Info("metrics_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Error("metrics_http_error", "error", err)
		}
	}()
	return srv
}

// Local mirrored counters so we can log a periodic snapshot without
// scraping Prometheus in-process.
var (
	localTicks     uint64
	localSensorErr uint64
	localChanges   uint64
	localStoreErr  uint64
	localStoreDrop uint64
	localBroadcast uint64
	localCoalesced uint64
	localEvictions uint64
	localErrors    uint64
	localSubs      uint64
	localQDMax     uint64
)

// Snapshot is a cheap copy of local counters.
type Snapshot struct {
	Ticks         uint64
	SensorErrors  uint64
	ChangeEvents  uint64
	StoreErrors   uint64
	StoreDrops    uint64
	Broadcasts    uint64
	Coalesced     uint64
	Evictions     uint64
	Errors        uint64
	Subscribers   uint64
	QueueDepthMax uint64
}

func Snap() Snapshot {
	return Snapshot{
		Ticks:         atomic.LoadUint64(&localTicks),
		SensorErrors:  atomic.LoadUint64(&localSensorErr),
		ChangeEvents:  atomic.LoadUint64(&localChanges),
		StoreErrors:   atomic.LoadUint64(&localStoreErr),
		StoreDrops:    atomic.LoadUint64(&localStoreDrop),
		Broadcasts:    atomic.LoadUint64(&localBroadcast),
		Coalesced:     atomic.LoadUint64(&localCoalesced),
		Evictions:     atomic.LoadUint64(&localEvictions),
		Errors:        atomic.LoadUint64(&localErrors),
		Subscribers:   atomic.LoadUint64(&localSubs),
		QueueDepthMax: atomic.LoadUint64(&localQDMax),
	}
}

func IncTick() {
	TicksTotal.Inc()
	atomic.AddUint64(&localTicks, 1)
}

func IncSensorError() {
	SensorErrors.Inc()
	atomic.AddUint64(&localSensorErr, 1)
}

func AddChangeEvents(n int) {
	if n <= 0 {
		return
	}
	ChangeEvents.Add(float64(n))
	atomic.AddUint64(&localChanges, uint64(n))
}

func IncStoreWriteError() {
	StoreWriteErrors.Inc()
	atomic.AddUint64(&localStoreErr, 1)
}

func IncStoreWriteDropped() {
	StoreWritesDropped.Inc()
	atomic.AddUint64(&localStoreDrop, 1)
}

func IncBroadcast() {
	HubBroadcast.Inc()
	atomic.AddUint64(&localBroadcast, 1)
}

func IncCoalesced() {
	HubCoalesced.Inc()
	atomic.AddUint64(&localCoalesced, 1)
}

func IncEviction() {
	HubEvictions.Inc()
	atomic.AddUint64(&localEvictions, 1)
}

func SetSubscribers(n int) {
	HubActiveSubscribers.Set(float64(n))
	atomic.StoreUint64(&localSubs, uint64(n))
}

func SetQueueDepthMax(n int) {
	HubQueueDepthMax.Set(float64(n))
	atomic.StoreUint64(&localQDMax, uint64(n))
}

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	atomic.AddUint64(&localErrors, 1)
}

// InitBuildInfo sets the build info gauge and pre-registers error label
// series so the first real error does not pay registration latency.
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	for _, lbl := range []string{ErrConnect, ErrIO, ErrDecode, ErrStore, ErrHub, ErrHTTP, ErrDiscovery, ErrPLC} {
		Errors.WithLabelValues(lbl).Add(0)
	}
}

// SetReadinessFunc registers a function used by /ready and IsReady.
func SetReadinessFunc(fn func() bool) { readinessMu.Lock(); readinessFn = fn; readinessMu.Unlock() }

// IsReady invokes the registered readiness function if present.
func IsReady() bool {
	readinessMu.RLock()
	fn := readinessFn
	readinessMu.RUnlock()
	if fn == nil {
		return true
	}
	return fn()
}
