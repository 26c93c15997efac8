package commands

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vernemqd.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
node: n1
listen: ":44880"
data_dir: /var/lib/vernemq
publish_workers: 256
peers:
  - name: n2
    url: ws://n2:44880/cluster
  - name: n3
    url: ws://n3:44880/cluster
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Node != "n1" || cfg.Listen != ":44880" || cfg.PublishWorkers != 256 {
		t.Errorf("cfg = %+v", cfg)
	}
	if len(cfg.Peers) != 2 || cfg.Peers[0].Name != "n2" || cfg.Peers[1].URL != "ws://n3:44880/cluster" {
		t.Errorf("peers = %+v", cfg.Peers)
	}
}

func TestLoadConfigStandalone(t *testing.T) {
	path := writeConfig(t, "node: solo\ndata_dir: /tmp/x\n")
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if len(cfg.Peers) != 0 {
		t.Errorf("peers = %+v", cfg.Peers)
	}
}

func TestLoadConfigValidation(t *testing.T) {
	bad := []string{
		"data_dir: /tmp/x\n",             // missing node
		"node: n1\n",                     // missing data_dir
		"node: n1\ndata_dir: /tmp/x\npeers:\n  - name: n2\n    url: ws://x/cluster\n", // peers without listen
		"node: n1\nlisten: \":1\"\ndata_dir: /tmp/x\npeers:\n  - name: n1\n    url: ws://x/cluster\n", // peer shadows self
		"node: n1\nlisten: \":1\"\ndata_dir: /tmp/x\npeers:\n  - name: n2\n", // peer without url
	}
	for i, content := range bad {
		path := writeConfig(t, content)
		if _, err := LoadConfig(path); err == nil {
			t.Errorf("config %d accepted: %q", i, content)
		}
	}
}
