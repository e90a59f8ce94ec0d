package config

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleToml = `
[core]
store = "/var/lib/indras-dtn"
node-id = "aabbccddeeff00112233445566778899aabbccddeeff00112233445566778899"

[logging]
level = "info"
format = "text"

[discovery]
ipv4 = true
interval = "10s"

[strategy]
kind = "epidemic"

[[listen]]
kind = "stream"
endpoint = "0.0.0.0:4556"

[[peer]]
peer = "aabbccddeeff00112233445566778899aabbccddeeff00112233445566778899"
kind = "stream"
endpoint = "10.0.0.2:4556"
`

func writeTemp(t *testing.T, contents string) string {
	dir, err := ioutil.TempDir("", "config")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	path := filepath.Join(dir, "config.toml")
	if err := ioutil.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadValidConfig(t *testing.T) {
	path := writeTemp(t, sampleToml)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Core.Store != "/var/lib/indras-dtn" {
		t.Fatalf("unexpected store: %q", cfg.Core.Store)
	}
	if cfg.Discovery.Interval != 10*time.Second {
		t.Fatalf("expected 10s interval, got %v", cfg.Discovery.Interval)
	}
	if len(cfg.Listen) != 1 || cfg.Listen[0].Kind != "stream" {
		t.Fatalf("unexpected listen entries: %v", cfg.Listen)
	}
}

func TestValidateRejectsEmptyStore(t *testing.T) {
	cfg := Config{Core: CoreConf{NodeId: "x"}}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for missing store")
	}
}

func TestValidateAccumulatesMultipleErrors(t *testing.T) {
	cfg := Config{Strategy: StrategyConf{Kind: "not-a-strategy"}}
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation errors")
	}

	msg := err.Error()
	for _, want := range []string{"core.store", "core.node-id", "not-a-strategy"} {
		if !strings.Contains(msg, want) {
			t.Fatalf("expected error message to contain %q, got: %s", want, msg)
		}
	}
}

func TestCustodyPolicyAppliesOverrides(t *testing.T) {
	cfg := Config{Custody: CustodyConf{AcceptFromUnknown: false, MaxCustodyBundles: 5}}
	policy := cfg.CustodyPolicy()
	if policy.AcceptFromUnknown {
		t.Fatal("expected AcceptFromUnknown override to false")
	}
	if policy.MaxCustodyBundles != 5 {
		t.Fatalf("expected max custody bundles 5, got %d", policy.MaxCustodyBundles)
	}
}

func TestSelectorDefaultsAndPinnedKind(t *testing.T) {
	def := Config{}
	if _, err := def.Selector(); err != nil {
		t.Fatalf("expected default selector, got error: %v", err)
	}

	pinned := Config{Strategy: StrategyConf{Kind: "epidemic"}}
	sel, err := pinned.Selector()
	if err != nil {
		t.Fatal(err)
	}
	if len(sel.Rules) != 0 {
		t.Fatalf("expected a pinned selector to carry no rules, got %d", len(sel.Rules))
	}

	bad := Config{Strategy: StrategyConf{Kind: "not-a-strategy"}}
	if _, err := bad.Selector(); err == nil {
		t.Fatal("expected error for unknown strategy kind")
	}
}

func TestLoadRejectsInvalidToml(t *testing.T) {
	path := writeTemp(t, "not = [valid toml")
	if _, err := Load(path); err == nil {
		t.Fatal("expected decode error")
	}
}
