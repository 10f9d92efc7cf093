package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	_ "go.uber.org/automaxprocs"
	"gopkg.in/alecthomas/kingpin.v2"
	"k8s.io/utils/clock"

	"github.com/capstan-io/capstan/pkg/api"
	"github.com/capstan-io/capstan/pkg/common/config"
	"github.com/capstan-io/capstan/pkg/common/logging"
	"github.com/capstan-io/capstan/pkg/common/metrics"
	"github.com/capstan-io/capstan/pkg/master"
)

var (
	version string
	app     = kingpin.New("capstan-master", "Capstan cluster master")

	debug = app.Flag(
		"debug", "enable debug mode (print full json responses)").
		Short('d').
		Default("false").
		Envar("ENABLE_DEBUG_LOGGING").
		Bool()

	configFiles = app.Flag(
		"config",
		"YAML config files (can be provided multiple times to merge configs)").
		Short('c').
		Required().
		ExistingFiles()

	httpPort = app.Flag(
		"http-port", "Master HTTP port for metrics and health "+
			"(set $HTTP_PORT to override)").
		Default("5290").
		Envar("HTTP_PORT").
		Int()

	offerHoldTime = app.Flag(
		"offer-hold-time", "How long offers stay outstanding "+
			"(master.offer_hold_time override) "+
			"(set $OFFER_HOLD_TIME to override)").
		Envar("OFFER_HOLD_TIME").
		Duration()

	heartbeatInterval = app.Flag(
		"heartbeat-interval", "Scheduler heartbeat interval "+
			"(master.heartbeat_interval override) "+
			"(set $HEARTBEAT_INTERVAL to override)").
		Envar("HEARTBEAT_INTERVAL").
		Duration()
)

// logTransport stands in until a wire transport is plugged in: delivery
// attempts are logged and dropped. The master treats every framework as
// disconnected-but-subscribed, which exercises the retry machinery.
type logTransport struct{}

func (logTransport) Send(connectionID string, event *api.SchedulerEvent) {
	log.WithFields(log.Fields{
		"connection_id": connectionID,
		"type":          event.Type,
		"framework_id":  event.FrameworkID,
	}).Debug("Scheduler event")
}

func (logTransport) Launch(
	agentID api.AgentID,
	frameworkID api.FrameworkID,
	task *api.TaskInfo) {

	log.WithFields(log.Fields{
		"agent_id":     agentID,
		"framework_id": frameworkID,
		"task_id":      task.TaskID,
	}).Debug("Launch command")
}

func (logTransport) Kill(
	agentID api.AgentID,
	frameworkID api.FrameworkID,
	taskID api.TaskID) {

	log.WithFields(log.Fields{
		"agent_id":     agentID,
		"framework_id": frameworkID,
		"task_id":      taskID,
	}).Debug("Kill command")
}

func main() {
	app.Version(version)
	app.HelpFlag.Short('h')
	kingpin.MustParse(app.Parse(os.Args[1:]))

	log.SetFormatter(&log.JSONFormatter{})

	initialLevel := log.InfoLevel
	if *debug {
		initialLevel = log.DebugLevel
	}
	log.SetLevel(initialLevel)

	log.WithField("files", *configFiles).Info("Loading master config")
	var cfg Config
	if err := config.Parse(&cfg, *configFiles...); err != nil {
		log.WithField("error", err).Fatal("Cannot parse yaml config")
	}

	// now, override any CLI flags in the loaded config
	if *offerHoldTime != 0 {
		cfg.Master.OfferHoldTime = *offerHoldTime
	}
	if *heartbeatInterval != 0 {
		cfg.Master.HeartbeatInterval = *heartbeatInterval
	}

	log.WithField("config", cfg).Debug("Loaded master config")

	rootScope, scopeCloser, mux := metrics.InitMetricScope(
		&cfg.Metrics,
		"capstan-master",
		metrics.TallyFlushInterval,
	)
	defer scopeCloser.Close()

	mux.HandleFunc(
		logging.LevelOverwrite,
		logging.LevelOverwriteHandler(initialLevel))

	if cfg.Metrics.RuntimeMetrics != nil {
		interval := cfg.Metrics.RuntimeMetrics.CollectInterval
		if interval <= 0 {
			interval = 10 * time.Second
		}
		closer := metrics.StartCollectingRuntimeMetrics(
			rootScope.SubScope("runtime"),
			cfg.Metrics.RuntimeMetrics.Enable,
			interval,
		)
		defer closer()
	}

	rootScope.Counter("boot").Inc(1)

	m := master.New(
		&cfg.Master,
		rootScope,
		clock.RealClock{},
		master.NewInMemoryRegistry(),
		master.NewPermissiveAuthorizer(),
		logTransport{},
		logTransport{},
	)
	m.Start()
	defer m.Stop()

	go func() {
		addr := fmt.Sprintf(":%d", *httpPort)
		log.WithField("addr", addr).Info("Serving metrics and health")
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.WithError(err).Fatal("HTTP server failed")
		}
	}()

	log.WithField("http_port", *httpPort).Info("Started master")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.WithField("signal", sig.String()).Info("Shutting down")
}
