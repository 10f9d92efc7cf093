package logging

import (
	"fmt"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/uber-go/atomic"
)

// LevelOverwrite is the endpoint for the runtime log-level handler.
const LevelOverwrite = "/logging-level"

const _usage = "usage: GET `/logging-level?level=[info|debug]&duration=<duration>`"

// _baseLevel is the level restored once an overwrite expires.
var _baseLevel atomic.Int32

// LevelOverwriteHandler returns a handler that changes the global log level
// for a bounded duration. Overlapping requests each arm their own reset
// timer; the first timer to fire restores the base level.
func LevelOverwriteHandler(initialLevel log.Level) func(http.ResponseWriter, *http.Request) {
	_baseLevel.Store(int32(initialLevel))
	log.SetLevel(initialLevel)
	return func(w http.ResponseWriter, r *http.Request) {
		level, duration, err := parseLevelQuery(r)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprintln(w, err.Error())
			fmt.Fprintln(w, _usage)
			return
		}

		log.WithFields(log.Fields{
			"new_level": level,
			"duration":  duration,
		}).Info("Overwriting log level")
		log.SetLevel(level)

		timer := time.NewTimer(duration)
		go func() {
			<-timer.C
			base := log.Level(_baseLevel.Load())
			log.WithField("level", base).Info("Restoring log level")
			log.SetLevel(base)
		}()

		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "Level changed to %s for the next %v.\n", level, duration)
	}
}

func parseLevelQuery(r *http.Request) (log.Level, time.Duration, error) {
	values := r.URL.Query()
	rawLevel := values.Get("level")
	rawDuration := values.Get("duration")
	if rawLevel == "" || rawDuration == "" {
		return 0, 0, fmt.Errorf("params level and duration are both required")
	}

	level, err := log.ParseLevel(rawLevel)
	if err != nil {
		return 0, 0, err
	}
	if level != log.InfoLevel && level != log.DebugLevel {
		return 0, 0, fmt.Errorf("level %s is not info or debug", rawLevel)
	}

	duration, err := time.ParseDuration(rawDuration)
	if err != nil {
		return 0, 0, err
	}
	return level, duration, nil
}
