package metrics

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cactus/go-statsd-client/statsd"
	log "github.com/sirupsen/logrus"
	"github.com/uber-go/tally"
	tallyprom "github.com/uber-go/tally/prometheus"
	tallystatsd "github.com/uber-go/tally/statsd"
)

// TallyFlushInterval is the flush interval for the tally root scope.
const TallyFlushInterval = 1 * time.Second

// Config selects the metrics backend. With neither backend enabled, metrics
// are dropped through a noop statsd client.
type Config struct {
	Prometheus     *prometheusConfig `yaml:"prometheus"`
	Statsd         *statsdConfig     `yaml:"statsd"`
	RuntimeMetrics *runtimeConfig    `yaml:"runtime_metrics"`
}

type prometheusConfig struct {
	Enable bool `yaml:"enable"`
}

type statsdConfig struct {
	Enable   bool   `yaml:"enable"`
	Endpoint string `yaml:"endpoint"`
}

type runtimeConfig struct {
	Enable          bool          `yaml:"enable"`
	CollectInterval time.Duration `yaml:"collect_interval"`
}

// InitMetricScope builds the root scope for the configured backend, its
// closer, and a mux carrying the exposition and health endpoints.
func InitMetricScope(
	cfg *Config,
	rootScopeName string,
	flushInterval time.Duration) (tally.Scope, io.Closer, *http.ServeMux) {

	mux := http.NewServeMux()

	var reporter tally.StatsReporter
	var cachedReporter tally.CachedStatsReporter
	separator := "."
	switch {
	case cfg.Prometheus != nil && cfg.Prometheus.Enable:
		// tally rejects "-" in prometheus scope names.
		rootScopeName = strings.Replace(rootScopeName, "-", "_", -1)
		separator = "_"
		promReporter := tallyprom.NewReporter(tallyprom.Options{})
		cachedReporter = promReporter
		mux.Handle("/metrics", promReporter.HTTPHandler())
	case cfg.Statsd != nil && cfg.Statsd.Enable:
		log.WithField("endpoint", cfg.Statsd.Endpoint).
			Info("Reporting metrics to statsd")
		c, err := statsd.NewClient(cfg.Statsd.Endpoint, "")
		if err != nil {
			log.WithError(err).Fatal("Cannot create statsd client")
		}
		reporter = tallystatsd.NewReporter(c, tallystatsd.Options{})
	default:
		log.Warn("No metrics backend configured, dropping metrics")
		c, _ := statsd.NewNoopClient()
		reporter = tallystatsd.NewReporter(c, tallystatsd.Options{})
	}

	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "OK")
	})

	scope, closer := tally.NewRootScope(
		tally.ScopeOptions{
			Prefix:         rootScopeName,
			Reporter:       reporter,
			CachedReporter: cachedReporter,
			Separator:      separator,
		},
		flushInterval)
	return scope, closer, mux
}
