package config_test

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/openmesh/kit/config"
)

func TestDefaults(t *testing.T) {
	c := config.Defaults()
	if err := c.Validate(); err != nil {
		t.Fatal(err)
	}
	for _, testcase := range []struct {
		name       string
		want, have any
	}{
		{"requestVolumeThreshold", 20, c.RequestVolumeThreshold},
		{"errorThresholdPercentage", 50, c.ErrorThresholdPercentage},
		{"sleepWindow", 5 * time.Second, c.SleepWindow},
		{"isolationStrategy", config.Thread, c.IsolationStrategy},
		{"timeout", time.Second, c.Timeout},
		{"maxConcurrentRequests", 10, c.MaxConcurrentRequests},
		{"fallbackMaxConcurrentRequests", 10, c.FallbackMaxConcurrentRequests},
		{"coreSize", 10, config.DefaultThreadPool().CoreSize},
		{"maxQueueSize", -1, config.DefaultThreadPool().MaxQueueSize},
	} {
		if testcase.want != testcase.have {
			t.Errorf("%s: want %v, have %v", testcase.name, testcase.want, testcase.have)
		}
	}
}

func TestValidate(t *testing.T) {
	for name, mutate := range map[string]func(*config.Command){
		"strategy": func(c *config.Command) { c.IsolationStrategy = "fiber" },
		"volume":   func(c *config.Command) { c.RequestVolumeThreshold = -1 },
		"percent":  func(c *config.Command) { c.ErrorThresholdPercentage = 101 },
		"sleep":    func(c *config.Command) { c.SleepWindow = -time.Second },
		"timeout":  func(c *config.Command) { c.Timeout = 0 },
	} {
		c := config.Defaults()
		mutate(&c)
		if err := c.Validate(); err == nil {
			t.Errorf("%s: want error, have none", name)
		}
	}
}

func TestStatic(t *testing.T) {
	s := config.NewStatic()
	forced := config.Defaults()
	forced.ForceOpen = true
	s.SetCommand("a", forced)
	s.SetThreadPool("p", config.ThreadPool{CoreSize: 2})

	if !s.Command("a").ForceOpen {
		t.Error("want key settings for a")
	}
	if s.Command("b").ForceOpen {
		t.Error("want defaults for b")
	}
	if want, have := 2, s.ThreadPool("p").CoreSize; want != have {
		t.Errorf("want %d, have %d", want, have)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() { defer wg.Done(); s.SetCommand("c", config.Defaults()) }()
		go func() { defer wg.Done(); _ = s.Command("c") }()
	}
	wg.Wait()
}

const layered = `
commands:
  default:
    execution:
      timeoutMs: 250
    circuitBreaker:
      requestVolumeThreshold: 5
  users.get:
    circuitBreaker:
      forceOpen: true
      sleepWindowMs: 100
    execution:
      isolationStrategy: SEMAPHORE
      semaphore:
        maxConcurrentRequests: 3
threadPools:
  default:
    coreSize: 4
  Payments:
    maxQueueSize: 8
`

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "commands.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestFileLayering(t *testing.T) {
	f, err := config.NewFile(writeConfig(t, t.TempDir(), layered))
	if err != nil {
		t.Fatal(err)
	}

	other := f.Command("orders.list")
	if want, have := 250*time.Millisecond, other.Timeout; want != have {
		t.Errorf("default section timeout: want %v, have %v", want, have)
	}
	if want, have := 5, other.RequestVolumeThreshold; want != have {
		t.Errorf("default section volume: want %d, have %d", want, have)
	}
	if want, have := 50, other.ErrorThresholdPercentage; want != have {
		t.Errorf("built-in error threshold: want %d, have %d", want, have)
	}

	users := f.Command("Users.Get")
	if !users.ForceOpen {
		t.Error("users.get: want forceOpen")
	}
	if want, have := 100*time.Millisecond, users.SleepWindow; want != have {
		t.Errorf("users.get sleep window: want %v, have %v", want, have)
	}
	if want, have := config.Semaphore, users.IsolationStrategy; want != have {
		t.Errorf("users.get strategy: want %q, have %q", want, have)
	}
	if want, have := 3, users.MaxConcurrentRequests; want != have {
		t.Errorf("users.get semaphore: want %d, have %d", want, have)
	}
	if want, have := 250*time.Millisecond, users.Timeout; want != have {
		t.Errorf("users.get inherits default section: want %v, have %v", want, have)
	}

	pool := f.ThreadPool("payments")
	if want, have := 4, pool.CoreSize; want != have {
		t.Errorf("pool core: want %d, have %d", want, have)
	}
	if want, have := 8, pool.MaxQueueSize; want != have {
		t.Errorf("pool queue: want %d, have %d", want, have)
	}
	if want, have := 5, pool.QueueSizeRejectionThreshold; want != have {
		t.Errorf("pool threshold: want %d, have %d", want, have)
	}
}

func TestFileRejectsInvalid(t *testing.T) {
	body := "commands:\n  bad:\n    execution:\n      isolationStrategy: fiber\n"
	if _, err := config.NewFile(writeConfig(t, t.TempDir(), body)); err == nil {
		t.Fatal("want error for unknown isolation strategy")
	}
	if _, err := config.NewFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("want error for missing file")
	}
}

func TestFileReload(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, layered)
	f, err := config.NewFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !f.Command("users.get").ForceOpen {
		t.Fatal("want forceOpen before reload")
	}

	writeConfig(t, dir, "commands:\n  users.get:\n    circuitBreaker:\n      forceOpen: false\n")
	if err := f.Reload(); err != nil {
		t.Fatal(err)
	}
	if f.Command("users.get").ForceOpen {
		t.Error("want forceOpen cleared after reload")
	}

	writeConfig(t, dir, "commands:\n  users.get:\n    execution:\n      isolationStrategy: fiber\n")
	if err := f.Reload(); err == nil {
		t.Error("want error for invalid revision")
	}
	if want, have := config.Thread, f.Command("users.get").IsolationStrategy; want != have {
		t.Errorf("invalid revision must keep previous settings: want %q, have %q", want, have)
	}
}

func TestFileWatch(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, layered)
	f, err := config.NewFile(path)
	if err != nil {
		t.Fatal(err)
	}
	f.Watch()

	writeConfig(t, dir, "commands:\n  users.get:\n    circuitBreaker:\n      forceClosed: true\n")
	deadline := time.Now().Add(5 * time.Second)
	for !f.Command("users.get").ForceClosed {
		if time.Now().After(deadline) {
			t.Fatal("change on disk was not picked up")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestFileReloadWhileWatching(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, layered)
	f, err := config.NewFile(path)
	if err != nil {
		t.Fatal(err)
	}
	f.Watch()
	f.Watch()

	// Under Watch only the watcher reads the file, so Reload must not
	// report on the new revision.
	writeConfig(t, dir, "commands:\n  users.get:\n    execution:\n      isolationStrategy: fiber\n")
	if err := f.Reload(); err != nil {
		t.Errorf("want Reload to do nothing while watching, have %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	if want, have := config.Semaphore, f.Command("users.get").IsolationStrategy; want != have {
		t.Errorf("invalid revision must keep previous settings: want %q, have %q", want, have)
	}
}
