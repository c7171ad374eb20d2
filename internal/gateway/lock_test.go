package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"
)

func writeLock(t *testing.T, path string, payload LockPayload) {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write lock: %v", err)
	}
}

func TestAcquireInstanceLock(t *testing.T) {
	t.Setenv(AllowMultiEnv, "")
	dir := t.TempDir()
	configPath := filepath.Join(dir, "atlas.yaml")

	lock, err := AcquireInstanceLock(context.Background(), LockOptions{StateDir: dir, ConfigPath: configPath})
	if err != nil {
		t.Fatalf("AcquireInstanceLock() error = %v", err)
	}
	if lock == nil {
		t.Fatal("expected a lock handle")
	}

	payload, err := readLockPayload(lock.LockPath)
	if err != nil {
		t.Fatalf("readLockPayload() error = %v", err)
	}
	if payload.PID != os.Getpid() || payload.ConfigPath != configPath {
		t.Fatalf("payload = %+v", payload)
	}
	if runtime.GOOS == "linux" && payload.StartTime == 0 {
		t.Error("expected start time on linux")
	}

	if err := lock.Release(); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if _, err := os.Stat(lock.LockPath); !os.IsNotExist(err) {
		t.Fatalf("lock file still present: %v", err)
	}
}

func TestAcquireInstanceLockBlocksLiveOwner(t *testing.T) {
	t.Setenv(AllowMultiEnv, "")
	dir := t.TempDir()
	configPath := filepath.Join(dir, "atlas.yaml")
	lockPath := ResolveLockPath(dir, configPath)

	payload := LockPayload{
		PID:        os.Getpid(),
		CreatedAt:  time.Now().UTC().Format(time.RFC3339),
		ConfigPath: configPath,
	}
	if start, ok := readLinuxStartTime(os.Getpid()); ok {
		payload.StartTime = start
	}
	writeLock(t, lockPath, payload)

	_, err := AcquireInstanceLock(context.Background(), LockOptions{
		StateDir:     dir,
		ConfigPath:   configPath,
		Timeout:      200 * time.Millisecond,
		PollInterval: 20 * time.Millisecond,
	})
	if !errors.Is(err, ErrGatewayRunning) {
		t.Fatalf("error = %v, want ErrGatewayRunning", err)
	}
}

func TestAcquireInstanceLockRemovesDeadOwner(t *testing.T) {
	t.Setenv(AllowMultiEnv, "")
	dir := t.TempDir()
	configPath := filepath.Join(dir, "atlas.yaml")
	writeLock(t, ResolveLockPath(dir, configPath), LockPayload{
		PID:        999999999,
		CreatedAt:  "2020-01-01T00:00:00Z",
		ConfigPath: configPath,
	})

	lock, err := AcquireInstanceLock(context.Background(), LockOptions{StateDir: dir, ConfigPath: configPath})
	if err != nil {
		t.Fatalf("AcquireInstanceLock() error = %v", err)
	}
	defer lock.Release() //nolint:errcheck

	payload, err := readLockPayload(lock.LockPath)
	if err != nil {
		t.Fatalf("readLockPayload() error = %v", err)
	}
	if payload.PID != os.Getpid() {
		t.Fatalf("pid = %d", payload.PID)
	}
}

func TestAcquireInstanceLockAllowMulti(t *testing.T) {
	t.Setenv(AllowMultiEnv, "1")
	lock, err := AcquireInstanceLock(context.Background(), LockOptions{StateDir: t.TempDir(), ConfigPath: "x"})
	if err != nil || lock != nil {
		t.Fatalf("lock = %v, err = %v", lock, err)
	}
	if err := lock.Release(); err != nil {
		t.Fatalf("Release() on nil handle error = %v", err)
	}
}

func TestResolveLockPathPerConfig(t *testing.T) {
	a := ResolveLockPath("/state", "/etc/atlas/a.yaml")
	b := ResolveLockPath("/state", "/etc/atlas/b.yaml")
	if a == b {
		t.Fatalf("expected distinct lock paths, got %s", a)
	}
	if filepath.Dir(a) != "/state" {
		t.Fatalf("lock dir = %s", filepath.Dir(a))
	}
}

func TestIsGatewayProcess(t *testing.T) {
	tests := []struct {
		args []string
		want bool
	}{
		{[]string{"/usr/bin/atlas", "serve", "-c", "atlas.yaml"}, true},
		{[]string{"atlas", "chat"}, true},
		{[]string{"atlas", "version"}, false},
		{nil, false},
	}
	for _, tt := range tests {
		if got := isGatewayProcess(tt.args); got != tt.want {
			t.Errorf("isGatewayProcess(%q) = %v, want %v", tt.args, got, tt.want)
		}
	}
}
