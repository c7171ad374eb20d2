package gateway

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/haasonsaas/atlas/internal/backoff"
)

// AllowMultiEnv disables the instance lock when set to "1".
const AllowMultiEnv = "ATLAS_ALLOW_MULTI_GATEWAY"

const (
	DefaultLockTimeout      = 5 * time.Second
	DefaultLockPollInterval = 100 * time.Millisecond
	DefaultLockStale        = 30 * time.Second
)

// LockPayload is the content of a lock file.
type LockPayload struct {
	PID        int    `json:"pid"`
	CreatedAt  string `json:"createdAt"`
	ConfigPath string `json:"configPath"`
	StartTime  int64  `json:"startTime,omitempty"` // Linux process start time
}

// LockHandle is an acquired instance lock.
type LockHandle struct {
	LockPath   string
	ConfigPath string
	file       *os.File
}

// Release removes the lock file. A nil handle is a no-op.
func (h *LockHandle) Release() error {
	if h == nil {
		return nil
	}
	if h.file != nil {
		_ = h.file.Close() //nolint:errcheck
		h.file = nil
	}
	if err := os.Remove(h.LockPath); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// LockOptions configures AcquireInstanceLock.
type LockOptions struct {
	Timeout      time.Duration
	PollInterval time.Duration
	// Stale is the age after which a lock whose owner cannot be verified is
	// taken over.
	Stale time.Duration
	// StateDir holds lock files. Empty means the system temp dir.
	StateDir   string
	ConfigPath string
}

// ErrGatewayRunning is returned when another live gateway holds the lock.
var ErrGatewayRunning = errors.New("gateway already running")

type ownerStatus int

const (
	ownerAlive ownerStatus = iota
	ownerDead
	ownerUnknown
)

// ResolveLockPath derives the lock file of a config path.
func ResolveLockPath(stateDir, configPath string) string {
	if stateDir == "" {
		stateDir = os.TempDir()
	}
	sum := sha1.Sum([]byte(configPath))
	return filepath.Join(stateDir, fmt.Sprintf("atlas-gateway.%s.lock", hex.EncodeToString(sum[:])[:8]))
}

// AcquireInstanceLock prevents two gateways from serving the same config:
// two processes would answer every platform message twice. Stale locks of
// dead owners are removed. It returns a nil handle when AllowMultiEnv is set.
func AcquireInstanceLock(ctx context.Context, opts LockOptions) (*LockHandle, error) {
	if os.Getenv(AllowMultiEnv) == "1" {
		return nil, nil
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultLockTimeout
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultLockPollInterval
	}
	if opts.Stale <= 0 {
		opts.Stale = DefaultLockStale
	}

	lockPath := ResolveLockPath(opts.StateDir, opts.ConfigPath)
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	var last *LockPayload
	for {
		handle, err := tryCreateLock(lockPath, opts.ConfigPath)
		if err == nil {
			return handle, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("acquire lock: %w", err)
		}

		last, _ = readLockPayload(lockPath) //nolint:errcheck
		if lockIsStale(lockPath, last, opts.Stale) {
			_ = os.Remove(lockPath) //nolint:errcheck
			continue
		}

		if err := backoff.Sleep(ctx, opts.PollInterval); err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				if last != nil && last.PID > 0 {
					return nil, fmt.Errorf("%w (pid %d)", ErrGatewayRunning, last.PID)
				}
				return nil, ErrGatewayRunning
			}
			return nil, err
		}
	}
}

func tryCreateLock(lockPath, configPath string) (*LockHandle, error) {
	file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	payload := LockPayload{
		PID:        os.Getpid(),
		CreatedAt:  time.Now().UTC().Format(time.RFC3339),
		ConfigPath: configPath,
	}
	if start, ok := readLinuxStartTime(payload.PID); ok {
		payload.StartTime = start
	}
	data, err := json.Marshal(payload)
	if err == nil {
		_, err = file.Write(data)
	}
	if err != nil {
		_ = file.Close()        //nolint:errcheck
		_ = os.Remove(lockPath) //nolint:errcheck
		return nil, fmt.Errorf("write lock payload: %w", err)
	}
	return &LockHandle{LockPath: lockPath, ConfigPath: configPath, file: file}, nil
}

// lockIsStale reports whether the lock can be taken over: its owner is gone,
// or the owner cannot be verified and the lock is older than stale.
func lockIsStale(lockPath string, payload *LockPayload, stale time.Duration) bool {
	pid := 0
	if payload != nil {
		pid = payload.PID
	}
	switch resolveOwnerStatus(pid, payload) {
	case ownerDead:
		return true
	case ownerAlive:
		return false
	}
	if payload != nil {
		if created, err := time.Parse(time.RFC3339, payload.CreatedAt); err == nil && time.Since(created) > stale {
			return true
		}
	}
	info, err := os.Stat(lockPath)
	if err != nil {
		return true
	}
	return time.Since(info.ModTime()) > stale
}

func resolveOwnerStatus(pid int, payload *LockPayload) ownerStatus {
	if !processAlive(pid) {
		return ownerDead
	}
	if runtime.GOOS != "linux" {
		return ownerAlive
	}
	if payload != nil && payload.StartTime > 0 {
		current, ok := readLinuxStartTime(pid)
		if !ok {
			return ownerUnknown
		}
		if current != payload.StartTime {
			// pid reused
			return ownerDead
		}
		return ownerAlive
	}
	args := readLinuxCmdline(pid)
	if args == nil {
		return ownerUnknown
	}
	if isGatewayProcess(args) {
		return ownerAlive
	}
	return ownerDead
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}

// readLinuxStartTime reads field 22 of /proc/<pid>/stat.
func readLinuxStartTime(pid int) (int64, bool) {
	if runtime.GOOS != "linux" {
		return 0, false
	}
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return 0, false
	}
	content := string(data)
	// comm may contain spaces and parens
	closeParen := strings.LastIndex(content, ")")
	if closeParen < 0 {
		return 0, false
	}
	fields := strings.Fields(content[closeParen+1:])
	if len(fields) < 20 {
		return 0, false
	}
	start, err := strconv.ParseInt(fields[19], 10, 64)
	if err != nil {
		return 0, false
	}
	return start, true
}

func readLinuxCmdline(pid int) []string {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/cmdline", pid))
	if err != nil {
		return nil
	}
	var args []string
	for _, part := range strings.Split(string(data), "\x00") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			args = append(args, trimmed)
		}
	}
	return args
}

func isGatewayProcess(args []string) bool {
	for _, arg := range args {
		switch strings.ToLower(arg) {
		case "serve", "chat":
			return true
		}
	}
	return false
}

func readLockPayload(lockPath string) (*LockPayload, error) {
	data, err := os.ReadFile(lockPath)
	if err != nil {
		return nil, err
	}
	var payload LockPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, err
	}
	if payload.PID == 0 || payload.CreatedAt == "" {
		return nil, errors.New("invalid lock payload")
	}
	return &payload, nil
}
