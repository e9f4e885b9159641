package xconf

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type lockConfig struct {
	Wait     time.Duration `koanf:"wait"`
	Attempts int           `koanf:"attempts"`
	Backend  string        `koanf:"backend"`
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func TestNew_YAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "xguard.yaml")
	writeFile(t, path, "lock:\n  wait: 3s\n  attempts: 5\n")

	cfg, err := New(path)
	require.NoError(t, err)
	assert.Equal(t, FormatYAML, cfg.Format())
	assert.Equal(t, path, cfg.Path())
	assert.Equal(t, 5, cfg.Client().Int("lock.attempts"))

	// 缺省字段保留默认值
	lc := lockConfig{Backend: "redis"}
	require.NoError(t, cfg.Unmarshal("lock", &lc))
	assert.Equal(t, 3*time.Second, lc.Wait)
	assert.Equal(t, 5, lc.Attempts)
	assert.Equal(t, "redis", lc.Backend)
}

func TestNew_Errors(t *testing.T) {
	_, err := New("")
	assert.ErrorIs(t, err, ErrEmptyPath)
	_, err = New("config.toml")
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
	_, err = New(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, ErrLoadFailed)

	path := filepath.Join(t.TempDir(), "bad.json")
	writeFile(t, path, "{not json")
	_, err = New(path)
	assert.ErrorIs(t, err, ErrParseFailed)
}

func TestNewFromBytes(t *testing.T) {
	cfg, err := NewFromBytes([]byte(`{"lock":{"backend":"etcd"}}`), FormatJSON)
	require.NoError(t, err)
	var lc lockConfig
	require.NoError(t, cfg.Unmarshal("lock", &lc))
	assert.Equal(t, "etcd", lc.Backend)
	assert.ErrorIs(t, cfg.Reload(), ErrNotReloadable)

	empty, err := NewFromBytes(nil, FormatYAML)
	require.NoError(t, err)
	assert.Empty(t, empty.Client().Keys())

	_, err = NewFromBytes(nil, "toml")
	assert.ErrorIs(t, err, ErrUnsupportedFormat)

	_, err = Watch(cfg, nil)
	assert.ErrorIs(t, err, ErrNotReloadable)
}

func TestUnmarshal_TypeError(t *testing.T) {
	cfg, err := NewFromBytes([]byte("lock:\n  attempts: many\n"), FormatYAML)
	require.NoError(t, err)
	var lc lockConfig
	assert.ErrorIs(t, cfg.Unmarshal("lock", &lc), ErrUnmarshalFailed)
	assert.Panics(t, func() { MustUnmarshal(cfg, "lock", &lc) })
}

func TestReload_KeepsOldOnFailure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "xguard.yaml")
	writeFile(t, path, "lock:\n  attempts: 1\n")
	cfg, err := New(path)
	require.NoError(t, err)

	writeFile(t, path, "lock: [unclosed\n")
	assert.ErrorIs(t, cfg.Reload(), ErrParseFailed)
	assert.Equal(t, 1, cfg.Client().Int("lock.attempts"))

	writeFile(t, path, "lock:\n  attempts: 2\n")
	require.NoError(t, cfg.Reload())
	assert.Equal(t, 2, cfg.Client().Int("lock.attempts"))
}

func TestWatch_Reloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "xguard.yaml")
	writeFile(t, path, "log:\n  level: info\n")
	cfg, err := New(path)
	require.NoError(t, err)

	var mu sync.Mutex
	var levels []string
	w, err := Watch(cfg, func(c Config, err error) {
		if err != nil {
			return
		}
		mu.Lock()
		levels = append(levels, c.Client().String("log.level"))
		mu.Unlock()
	}, WithDebounce(20*time.Millisecond))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// 无关文件不触发
	writeFile(t, filepath.Join(dir, "other.yaml"), "x: 1\n")

	require.Eventually(t, func() bool {
		writeFile(t, path, "log:\n  level: debug\n")
		mu.Lock()
		defer mu.Unlock()
		return len(levels) > 0 && levels[len(levels)-1] == "debug"
	}, 3*time.Second, 50*time.Millisecond)
	assert.Equal(t, "debug", cfg.Client().String("log.level"))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop")
	}
}
