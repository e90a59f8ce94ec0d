// Package main runs a single node of the messaging fabric: load its TOML
// configuration, wire a core.Core from it, and block until interrupted.
// Grounded on cmd/dtnd/main.go's flag/load/construct/wait-for-sigint shape.
package main

import (
	"os"
	"os/signal"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/trumanellis/indras-dtn/config"
	"github.com/trumanellis/indras-dtn/core"
	"github.com/trumanellis/indras-dtn/identity"
)

// waitSigint blocks the current thread until a SIGINT appears.
func waitSigint() {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)

	<-sig
}

func setupLogging(cfg config.LoggingConf) {
	if cfg.Level != "" {
		if lvl, err := log.ParseLevel(cfg.Level); err != nil {
			log.WithFields(log.Fields{
				"level":    cfg.Level,
				"error":    err,
				"provided": "panic,fatal,error,warn,info,debug,trace",
			}).Warn("Failed to set log level. Please select one of the provided ones")
		} else {
			log.SetLevel(lvl)
		}
	}

	log.SetReportCaller(cfg.ReportCaller)

	switch cfg.Format {
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
		log.Warn("Unknown logging format")
	}
}

func main() {
	if len(os.Args) != 2 {
		log.Fatalf("Usage: %s configuration.toml", os.Args[0])
	}

	cfg, err := config.Load(os.Args[1])
	if err != nil {
		log.WithError(err).Fatal("Failed to parse config")
	}

	setupLogging(cfg.Logging)

	self, err := identity.FromHex(cfg.Core.NodeId)
	if err != nil {
		log.WithError(err).Fatal("core.node-id is not a valid peer identity")
	}

	c, err := core.New(cfg, self)
	if err != nil {
		log.WithError(err).Fatal("Failed to start core")
	}

	watcher, err := config.WatchFile(os.Args[1], func(reloaded *config.Config, reloadErr error) {
		if reloadErr != nil {
			log.WithError(reloadErr).Warn("Failed to reload configuration, keeping previous settings")
			return
		}
		setupLogging(reloaded.Logging)
		log.Info("Reloaded configuration (logging only -- topology and transports require a restart)")
	})
	if err != nil {
		log.WithError(err).Warn("Failed to start configuration file watcher")
	}

	log.WithField("self", self.Short()).Info("Node started")

	waitSigint()
	log.Info("Shutting down..")

	if watcher != nil {
		_ = watcher.Close()
	}
	c.Close()
}
