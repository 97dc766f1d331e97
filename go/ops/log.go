package ops

import log "github.com/sirupsen/logrus"

// Logger returns a field-scoped logrus entry for a component, the way the
// teacher's go/consumer and go/runtime packages tag every log line with
// the shard/derivation/task it concerns.
func Logger(component string) *log.Entry {
	return log.WithField("component", component)
}
