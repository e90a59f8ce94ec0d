package telemetry

import (
	"bytes"
	"testing"

	log "github.com/sirupsen/logrus"

	"github.com/trumanellis/indras-dtn/custody"
	"github.com/trumanellis/indras-dtn/dtnbundle"
	"github.com/trumanellis/indras-dtn/identity"
	"github.com/trumanellis/indras-dtn/router"
)

func captureLogs(t *testing.T, fn func()) string {
	var buf bytes.Buffer
	orig := log.StandardLogger().Out
	log.SetOutput(&buf)
	defer log.SetOutput(orig)

	fn()
	return buf.String()
}

func TestLogEventsDropped(t *testing.T) {
	events := LogEvents{Node: identity.PeerIdentity{0x01}}

	out := captureLogs(t, func() {
		events.Dropped(dtnbundle.BundleId{SourceHash: 1}, router.NoRoute)
	})

	if !bytes.Contains([]byte(out), []byte("no-route")) {
		t.Fatalf("expected reason in log output, got: %s", out)
	}
}

func TestLogEventsDeliveredAndForwarded(t *testing.T) {
	events := LogEvents{Node: identity.PeerIdentity{0x01}}
	peer := identity.PeerIdentity{0x02}

	out := captureLogs(t, func() {
		events.Delivered(dtnbundle.BundleId{SourceHash: 2})
		events.Forwarded(dtnbundle.BundleId{SourceHash: 3}, peer)
	})

	if !bytes.Contains([]byte(out), []byte("bundle delivered locally")) {
		t.Fatalf("expected delivery log line, got: %s", out)
	}
	if !bytes.Contains([]byte(out), []byte("bundle forwarded")) {
		t.Fatalf("expected forward log line, got: %s", out)
	}
}

func TestLogCustodyRelease(t *testing.T) {
	node := identity.PeerIdentity{0x01}

	out := captureLogs(t, func() {
		LogCustodyRelease(node, dtnbundle.BundleId{SourceHash: 4}, custody.ReleaseExpired)
	})

	if !bytes.Contains([]byte(out), []byte("expired")) {
		t.Fatalf("expected release reason in log output, got: %s", out)
	}
}

func TestLogCustodyRefusal(t *testing.T) {
	node := identity.PeerIdentity{0x01}
	from := identity.PeerIdentity{0x02}

	out := captureLogs(t, func() {
		LogCustodyRefusal(node, from, dtnbundle.Summary{BundleId: dtnbundle.BundleId{SourceHash: 5}}, custody.RefuseCapacity)
	})

	if !bytes.Contains([]byte(out), []byte("capacity")) {
		t.Fatalf("expected refuse reason in log output, got: %s", out)
	}
}

func TestConfigureLoggingAcceptsKnownLevel(t *testing.T) {
	ConfigureLogging("debug", false, "text")
	if log.GetLevel() != log.DebugLevel {
		t.Fatalf("expected debug level, got %v", log.GetLevel())
	}
	ConfigureLogging("info", false, "json")
	if log.GetLevel() != log.InfoLevel {
		t.Fatalf("expected info level, got %v", log.GetLevel())
	}
}
