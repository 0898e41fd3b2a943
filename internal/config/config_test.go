package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/cardmbx/internal/testutil/testlog"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "link.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLinkTemplateLoadsAndConverts(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "link.toml")
	if err := WriteTemplate(path, "link", false); err != nil {
		t.Fatalf("write template: %v", err)
	}
	if err := WriteTemplate(path, "link", false); err == nil {
		t.Fatalf("expected refusal to overwrite")
	}

	cfg, err := LoadLinkConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Name != "card0" || cfg.FIFODepthWords != 1024 {
		t.Fatalf("unexpected link: %+v", cfg)
	}
	if cfg.Board.Serial != "21330621T04E" {
		t.Fatalf("unexpected board: %+v", cfg.Board)
	}
	mc, err := cfg.Mgmt.MailboxConfig()
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if mc.Name != "mgmt" || mc.TickPeriod != 100*time.Millisecond || mc.PollInterval != 50*time.Microsecond {
		t.Fatalf("unexpected mailbox config: %+v", mc)
	}
	if mc.Retry.MaxDelay != 5*time.Second || !mc.Retry.Jitter {
		t.Fatalf("unexpected retry: %+v", mc.Retry)
	}
}

func TestLoadLinkConfigDefaults(t *testing.T) {
	testlog.Start(t)
	cfg, err := LoadLinkConfig(writeFile(t, "[board]\nname = \"u55c\"\n"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Name != "card0" || cfg.Mgmt.Name != "mgmt" || cfg.User.Name != "user" {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
	mc, err := cfg.User.MailboxConfig()
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if mc.PeerDeadThreshold != 3 || mc.FragmentTTLTicks != 2 {
		t.Fatalf("mailbox defaults not applied: %+v", mc)
	}
}

func TestValidateLinkConfigRejections(t *testing.T) {
	testlog.Start(t)
	cases := map[string]string{
		"depth":    "fifo_depth_words = 20\n",
		"hardware": "[mgmt]\nhardware = true\n",
		"names":    "[mgmt]\nname = \"x\"\n[user]\nname = \"x\"\n",
		"duration": "[user]\ntick_period = \"soon\"\n",
		"poll":     "[user]\ntick_period = \"10ms\"\npoll_interval = \"20ms\"\n",
	}
	for name, content := range cases {
		if _, err := LoadLinkConfig(writeFile(t, content)); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestTemplateUnknownKind(t *testing.T) {
	testlog.Start(t)
	if _, err := Template("ghost"); err == nil || !strings.Contains(err.Error(), "unknown config kind") {
		t.Fatalf("expected unknown kind error, got %v", err)
	}
	if _, err := Template(" MailboxD "); err != nil {
		t.Fatalf("mailboxd template: %v", err)
	}
}
