// Package telemetry wires structured logging into the router's event
// hooks, grounded on the teacher's sirupsen/logrus idiom throughout
// core/core.go and the enum+String()+log.WithFields pattern used for
// reporting bundle status in bundle/status_report.go.
package telemetry

import (
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/trumanellis/indras-dtn/custody"
	"github.com/trumanellis/indras-dtn/dtnbundle"
	"github.com/trumanellis/indras-dtn/identity"
	"github.com/trumanellis/indras-dtn/router"
)

// LogEvents is a router.Events implementation that logs every lifecycle
// event at an appropriate level: drops as warnings, deliveries and forwards
// as info, matching the teacher's convention of warning on loss and
// info-logging normal bundle progress.
type LogEvents struct {
	Node identity.PeerIdentity
}

func (e LogEvents) Dropped(id dtnbundle.BundleId, reason router.DropReason) {
	log.WithFields(log.Fields{
		"node":   e.Node.Short(),
		"bundle": id,
		"reason": reason.String(),
	}).Warn("telemetry: bundle dropped")
}

func (e LogEvents) Delivered(id dtnbundle.BundleId) {
	log.WithFields(log.Fields{
		"node":   e.Node.Short(),
		"bundle": id,
	}).Info("telemetry: bundle delivered locally")
}

func (e LogEvents) Forwarded(id dtnbundle.BundleId, to identity.PeerIdentity) {
	log.WithFields(log.Fields{
		"node":   e.Node.Short(),
		"bundle": id,
		"to":     to.Short(),
	}).Info("telemetry: bundle forwarded")
}

// LogCustodyRelease logs a custody release with its reason.
func LogCustodyRelease(node identity.PeerIdentity, id dtnbundle.BundleId, reason custody.ReleaseReason) {
	log.WithFields(log.Fields{
		"node":   node.Short(),
		"bundle": id,
		"reason": reason.String(),
	}).Info("telemetry: custody released")
}

// LogCustodyRefusal logs a custody offer refusal with its reason.
func LogCustodyRefusal(node, from identity.PeerIdentity, summary dtnbundle.Summary, reason custody.RefuseReason) {
	log.WithFields(log.Fields{
		"node":   node.Short(),
		"from":   from.Short(),
		"bundle": summary.BundleId,
		"reason": reason.String(),
	}).Warn("telemetry: custody offer refused")
}

// ConfigureLogging applies the logging level and formatter the way the
// teacher's cmd/dtnd/configuration.go does from its [Logging] TOML block.
func ConfigureLogging(level string, reportCaller bool, format string) {
	if level != "" {
		if lvl, err := log.ParseLevel(level); err != nil {
			log.WithFields(log.Fields{
				"level":    level,
				"error":    err,
				"provided": "panic,fatal,error,warn,info,debug,trace",
			}).Warn("telemetry: failed to set log level")
		} else {
			log.SetLevel(lvl)
		}
	}

	log.SetReportCaller(reportCaller)

	switch format {
	case "", "text":
		log.SetFormatter(&log.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "15:04:05.000",
		})
	case "json":
		log.SetFormatter(&log.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
		})
	default:
		log.Warn("telemetry: unknown logging format")
	}
}
