package rvconfig

import (
	"bytes"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func env(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func load(t *testing.T, opts Options, vars map[string]string) (*RVConfig, error) {
	t.Helper()
	if opts.Home == "" {
		opts.Home = t.TempDir()
	}
	if opts.WorkDir == "" {
		opts.WorkDir = t.TempDir()
	}
	if opts.TmpDir == "" {
		opts.TmpDir = t.TempDir()
	}
	opts.Logger = discard()
	opts.LookupEnv = env(vars)
	return Load(opts)
}

func TestLoad_DefaultProfileWithoutFiles(t *testing.T) {
	c, err := load(t, Options{}, nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultProfile, c.Profile())
	assert.Empty(t, c.Files())
}

func TestLoad_NamedProfileNotFound(t *testing.T) {
	_, err := load(t, Options{Profile: "prod"}, nil)
	require.Error(t, err)
	assert.True(t, IsProfileNotFound(err))
	assert.Contains(t, err.Error(), "prod")
}

func TestLoad_ProfileFromEnv(t *testing.T) {
	home := t.TempDir()
	writeFile(t, filepath.Join(home, "staging"), "BUCKET=staging-bucket\n")
	c, err := load(t, Options{Home: home}, map[string]string{"RV_PROFILE": "staging"})
	require.NoError(t, err)
	assert.Equal(t, "staging", c.Profile())
	assert.Equal(t, []string{filepath.Join(home, "staging")}, c.Files())
	v, ok := c.Get("bucket")
	require.True(t, ok)
	assert.Equal(t, "staging-bucket", v)
}

func TestLoad_ConfigFileLocations(t *testing.T) {
	dir := t.TempDir()
	work := t.TempDir()
	explicit := filepath.Join(t.TempDir(), "explicit")
	writeFile(t, explicit, "A=explicit\n")
	writeFile(t, filepath.Join(dir, "default"), "A=dir\nB=dir\n")
	writeFile(t, filepath.Join(work, ".rastervision"), "A=work\nB=work\nC=work\n")

	c, err := load(t, Options{WorkDir: work}, map[string]string{"RV_CONFIG": explicit, "RV_CONFIG_DIR": dir})
	require.NoError(t, err)
	assert.Equal(t, []string{explicit, filepath.Join(dir, "default"), filepath.Join(work, ".rastervision")}, c.Files())
	assert.Equal(t, "explicit", c.GetDefault("A", ""))
	assert.Equal(t, "dir", c.GetDefault("B", ""))
	assert.Equal(t, "work", c.GetDefault("C", ""))
	assert.Equal(t, "none", c.GetDefault("D", "none"))
}

func TestGet_LookupOrder(t *testing.T) {
	home := t.TempDir()
	work := t.TempDir()
	writeFile(t, filepath.Join(home, "default"), "K1=file\nK2=file\nK3=file\nK4=file\n")
	writeFile(t, filepath.Join(work, ".env"), "K1=dotenv\nK2=dotenv\nK3=dotenv\n")
	vars := map[string]string{"K1": "os", "K2": "os"}

	c, err := load(t, Options{Home: home, WorkDir: work, Overrides: map[string]string{"k1": "override"}}, vars)
	require.NoError(t, err)
	assert.Equal(t, "override", c.GetDefault("K1", ""))
	assert.Equal(t, "os", c.GetDefault("K2", ""))
	assert.Equal(t, "dotenv", c.GetDefault("K3", ""))
	assert.Equal(t, "file", c.GetDefault("K4", ""))
	_, ok := c.Get("K5")
	assert.False(t, ok)
}

func TestSubconfig(t *testing.T) {
	home := t.TempDir()
	writeFile(t, filepath.Join(home, "default"), "AWS_BATCH_JOB_QUEUE=gpu-queue\n")
	c, err := load(t, Options{Home: home}, nil)
	require.NoError(t, err)
	aws := c.Subconfig("aws")
	v, ok := aws.Get("batch_job_queue")
	require.True(t, ok)
	assert.Equal(t, "gpu-queue", v)
	assert.Equal(t, "cpu", aws.GetDefault("cpu_job_queue", "cpu"))
}

func TestLoad_IniSections(t *testing.T) {
	home := t.TempDir()
	writeFile(t, filepath.Join(home, "default"), `bucket = top

[AWS_BATCH]
job_queue = gpu-queue
job_def=gpu-def

[plugins]
modules = rv_plugin
`)
	c, err := load(t, Options{Home: home}, nil)
	require.NoError(t, err)
	assert.Equal(t, "top", c.GetDefault("bucket", ""))

	batch := c.Subconfig("aws_batch")
	v, ok := batch.Get("job_queue")
	require.True(t, ok)
	assert.Equal(t, "gpu-queue", v)
	assert.Equal(t, "gpu-def", batch.GetDefault("job_def", ""))
	assert.Equal(t, "rv_plugin", c.Subconfig("plugins").GetDefault("modules", ""))
}

func TestLoad_MalformedProfile(t *testing.T) {
	home := t.TempDir()
	writeFile(t, filepath.Join(home, "default"), "[unterminated\n")
	_, err := load(t, Options{Home: home}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), filepath.Join(home, "default"))
}

func TestVerbosity_Level(t *testing.T) {
	assert.Equal(t, slog.LevelWarn, Quiet.Level())
	assert.Equal(t, slog.LevelInfo, Normal.Level())
	assert.Equal(t, slog.LevelDebug, Verbose.Level())
	assert.Equal(t, slog.LevelDebug, Debug.Level())
}

func TestNewLogger_FiltersByVerbosity(t *testing.T) {
	var buf bytes.Buffer
	log := NewLogger(&buf, Quiet)
	log.Info("hidden")
	log.Warn("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}

// --- Scratch ---

func warnCounter() (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})), &buf
}

func TestScratch_ExplicitDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "tmp")
	s := OpenScratch(ScratchOptions{Dir: dir, Logger: discard(), LookupEnv: env(nil)})
	assert.Equal(t, dir, s.Root())
	assert.False(t, s.FellBack())
	assert.FileExists(t, filepath.Join(dir, ".can_touch"))
}

func TestScratch_EnvOrder(t *testing.T) {
	tmp, temp := t.TempDir(), t.TempDir()
	s := OpenScratch(ScratchOptions{Logger: discard(), LookupEnv: env(map[string]string{"TEMP": temp, "TMPDIR": tmp})})
	assert.Equal(t, tmp, s.Root())

	s = OpenScratch(ScratchOptions{Logger: discard(), LookupEnv: env(map[string]string{"TEMP": temp})})
	assert.Equal(t, temp, s.Root())
}

func TestScratch_FreshTempDir(t *testing.T) {
	s := OpenScratch(ScratchOptions{Logger: discard(), LookupEnv: env(nil)})
	t.Cleanup(func() { os.RemoveAll(s.Root()) })
	assert.DirExists(t, s.Root())
	assert.False(t, s.FellBack())
}

func TestScratch_ResetKeepsCachedRoot(t *testing.T) {
	first := t.TempDir()
	s := OpenScratch(ScratchOptions{Dir: first, Logger: discard(), LookupEnv: env(nil)})
	s.Reset("")
	assert.Equal(t, first, s.Root())
}

func TestScratch_FallbackWarnsOnce(t *testing.T) {
	// A path below a regular file can never be created.
	blocker := filepath.Join(t.TempDir(), "file")
	writeFile(t, blocker, "x")
	fallback := filepath.Join(t.TempDir(), "fallback")
	log, buf := warnCounter()

	s := OpenScratch(ScratchOptions{
		Dir:         filepath.Join(blocker, "tmp"),
		FallbackDir: fallback,
		Logger:      log,
		LookupEnv:   env(nil),
	})
	assert.Equal(t, fallback, s.Root())
	assert.True(t, s.FellBack())
	assert.DirExists(t, fallback)
	assert.Equal(t, 1, strings.Count(buf.String(), "level=WARN"))
}

func TestScratch_FallbackFromEnv(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "file")
	writeFile(t, blocker, "x")
	fallback := t.TempDir()
	log, buf := warnCounter()
	s := OpenScratch(ScratchOptions{FallbackDir: fallback, Logger: log, LookupEnv: env(map[string]string{"TMPDIR": blocker})})
	assert.Equal(t, fallback, s.Root())
	assert.Equal(t, 1, strings.Count(buf.String(), "level=WARN"))
}

func TestScratch_AcquireRelease(t *testing.T) {
	root := t.TempDir()
	s := OpenScratch(ScratchOptions{Dir: root, Logger: discard(), LookupEnv: env(nil)})
	dir, release, err := s.Acquire("chip")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(filepath.Base(dir), "chip-"))
	assert.Equal(t, root, filepath.Dir(dir))
	writeFile(t, filepath.Join(dir, "a", "b.txt"), "data")

	release()
	release()
	assert.NoDirExists(t, dir)
	assert.DirExists(t, root)
}

func TestScratch_WithReleasesOnError(t *testing.T) {
	s := OpenScratch(ScratchOptions{Dir: t.TempDir(), Logger: discard(), LookupEnv: env(nil)})
	var seen string
	err := s.With("train", func(dir string) error {
		seen = dir
		return assert.AnError
	})
	assert.ErrorIs(t, err, assert.AnError)
	assert.NoDirExists(t, seen)
}

func TestScratch_WithReleasesOnPanic(t *testing.T) {
	s := OpenScratch(ScratchOptions{Dir: t.TempDir(), Logger: discard(), LookupEnv: env(nil)})
	var seen string
	assert.Panics(t, func() {
		_ = s.With("predict", func(dir string) error {
			seen = dir
			panic("boom")
		})
	})
	require.NotEmpty(t, seen)
	assert.NoDirExists(t, seen)
	assert.DirExists(t, s.Root())
}

func TestSharedScratch_OnePerDir(t *testing.T) {
	dir := t.TempDir()
	a := SharedScratch(dir, discard())
	assert.Same(t, a, SharedScratch(dir, discard()))
	assert.Equal(t, dir, a.Root())

	other := SharedScratch(t.TempDir(), discard())
	assert.NotSame(t, a, other)
	assert.Same(t, SharedScratch("", discard()), SharedScratch("", discard()))
}
