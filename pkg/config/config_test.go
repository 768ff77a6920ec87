package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func write(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "agent.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	c, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.Interval() != DefaultIntervalSeconds*time.Second {
		t.Fatalf("default interval = %s", c.Interval())
	}
}

func TestLoadFromFile(t *testing.T) {
	path := write(t, t.TempDir(), "cpg:\n  interval: 3\n")
	c, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.Interval() != 3*time.Second {
		t.Fatalf("interval = %s, want 3s", c.Interval())
	}
}

func TestLoadRejectsOutOfRangeInterval(t *testing.T) {
	for _, content := range []string{
		"cpg:\n  interval: 0\n",
		"cpg:\n  interval: -5\n",
		"cpg:\n  interval: 99999999999\n",
	} {
		path := write(t, t.TempDir(), content)
		if _, err := Load(path); err == nil {
			t.Fatalf("accepted %q", content)
		}
	}
}

func TestLoadRejectsUnknownReservedKeys(t *testing.T) {
	path := write(t, t.TempDir(), "cpg:\n  interval: 5\n  intervall: 6\n")
	_, err := Load(path)
	if err == nil {
		t.Fatalf("unknown reserved key accepted")
	}
	if !strings.Contains(err.Error(), "cpg.intervall") {
		t.Fatalf("error does not name the offending key: %v", err)
	}
}

func TestLoadIgnoresForeignNamespaces(t *testing.T) {
	path := write(t, t.TempDir(), "cpg:\n  interval: 5\nlogging:\n  level: debug\n")
	c, err := Load(path)
	if err != nil {
		t.Fatalf("foreign namespace rejected: %v", err)
	}
	if c.Interval() != 5*time.Second {
		t.Fatalf("interval = %s", c.Interval())
	}
}

func TestReloadKeepsOldValuesOnError(t *testing.T) {
	dir := t.TempDir()
	path := write(t, dir, "cpg:\n  interval: 4\n")
	c, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	write(t, dir, "cpg:\n  interval: 0\n")
	if err := c.Reload(); err == nil {
		t.Fatalf("invalid reload accepted")
	}
	if c.Interval() != 4*time.Second {
		t.Fatalf("rejected reload changed interval to %s", c.Interval())
	}

	write(t, dir, "cpg:\n  interval: 6\n")
	if err := c.Reload(); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if c.Interval() != 6*time.Second {
		t.Fatalf("interval = %s, want 6s", c.Interval())
	}
}
