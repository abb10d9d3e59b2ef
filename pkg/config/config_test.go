package config

import (
	"os"
	"testing"

	"github.com/spf13/viper"

	"avrionode/internal/testutil"
)

func TestLoadConfigSandbox(t *testing.T) {
	sb, err := testutil.NewSandbox()
	if err != nil {
		t.Fatalf("NewSandbox failed: %v", err)
	}
	defer sb.Cleanup()

	if err := os.Mkdir(sb.Path("config"), 0700); err != nil {
		t.Fatalf("Mkdir failed: %v", err)
	}

	data := []byte("network_id: sandbox-net\np2p_port: 9100\ncommitee_size: 5\n")
	if err := sb.WriteFile("config/default.yaml", data, 0600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd failed: %v", err)
	}
	defer os.Chdir(wd)
	viper.Reset()

	if err := os.Chdir(sb.Root); err != nil {
		t.Fatalf("chdir failed: %v", err)
	}

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.NetworkID != "sandbox-net" {
		t.Fatalf("expected network_id sandbox-net, got %s", cfg.NetworkID)
	}
	if cfg.P2PPort != 9100 {
		t.Fatalf("expected p2p_port 9100, got %d", cfg.P2PPort)
	}
	if cfg.CommitteeSize != 5 {
		t.Fatalf("expected commitee_size 5, got %d", cfg.CommitteeSize)
	}
}

func TestLoadConfigSandboxOverride(t *testing.T) {
	sb, err := testutil.NewSandbox()
	if err != nil {
		t.Fatalf("NewSandbox failed: %v", err)
	}
	defer sb.Cleanup()

	if err := os.Mkdir(sb.Path("config"), 0700); err != nil {
		t.Fatalf("Mkdir failed: %v", err)
	}
	if err := sb.WriteFile("config/default.yaml", []byte("network_id: base\np2p_port: 9000\n"), 0600); err != nil {
		t.Fatalf("WriteFile default failed: %v", err)
	}
	if err := sb.WriteFile("config/bootstrap.yaml", []byte("p2p_port: 9200\n"), 0600); err != nil {
		t.Fatalf("WriteFile bootstrap failed: %v", err)
	}

	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd failed: %v", err)
	}
	defer os.Chdir(wd)
	viper.Reset()

	if err := os.Chdir(sb.Root); err != nil {
		t.Fatalf("chdir failed: %v", err)
	}

	cfg, err := Load("bootstrap")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.NetworkID != "base" {
		t.Fatalf("expected network_id carried over from default, got %s", cfg.NetworkID)
	}
	if cfg.P2PPort != 9200 {
		t.Fatalf("expected p2p_port overridden to 9200, got %d", cfg.P2PPort)
	}
}
