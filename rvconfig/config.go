package rvconfig

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-ini/ini"
	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
)

// DefaultProfile is used when neither Options.Profile nor RV_PROFILE is set.
const DefaultProfile = "default"

// ErrProfileNotFound is returned when a named profile has no config file.
var ErrProfileNotFound = errors.New("configuration profile not found")

// IsProfileNotFound reports whether err is ErrProfileNotFound.
func IsProfileNotFound(err error) bool { return errors.Is(err, ErrProfileNotFound) }

// Verbosity controls the log level.
type Verbosity int

const (
	Quiet Verbosity = iota
	Normal
	Verbose
	Debug
)

// Level returns the slog level for v.
func (v Verbosity) Level() slog.Level {
	switch {
	case v >= Verbose:
		return slog.LevelDebug
	case v >= Normal:
		return slog.LevelInfo
	default:
		return slog.LevelWarn
	}
}

// NewLogger returns a tint logger writing to w at v's level.
func NewLogger(w io.Writer, v Verbosity) *slog.Logger {
	return slog.New(tint.NewHandler(w, &tint.Options{
		Level:      v.Level(),
		TimeFormat: time.Kitchen,
	}))
}

// Options configures Load. Zero values select the defaults.
type Options struct {
	Profile   string
	Home      string // defaults to ~/.rastervision
	Overrides map[string]string
	TmpDir    string
	Verbosity Verbosity
	Logger    *slog.Logger

	// WorkDir is where .env and .rastervision are looked up; defaults to the
	// working directory.
	WorkDir string
	// LookupEnv replaces os.LookupEnv when set.
	LookupEnv func(string) (string, bool)
}

// RVConfig is the process environment of a run: profile settings, verbosity
// and the scratch root.
type RVConfig struct {
	profile   string
	files     []string
	overrides map[string]string
	lookupEnv func(string) (string, bool)
	dotenv    map[string]string
	fileVals  []map[string]string
	verbosity Verbosity
	logger    *slog.Logger
	scratch   *Scratch
}

// Load discovers the profile's config files and the scratch root.
func Load(opts Options) (*RVConfig, error) {
	lookup := opts.LookupEnv
	if lookup == nil {
		lookup = os.LookupEnv
	}
	log := opts.Logger
	if log == nil {
		log = NewLogger(os.Stderr, opts.Verbosity)
	}
	profile := opts.Profile
	if profile == "" {
		if v, ok := lookup("RV_PROFILE"); ok && v != "" {
			profile = v
		} else {
			profile = DefaultProfile
		}
	}
	home := opts.Home
	if home == "" {
		h, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home: %w", err)
		}
		home = filepath.Join(h, ".rastervision")
	}
	workDir := opts.WorkDir
	if workDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("resolve working dir: %w", err)
		}
		workDir = wd
	}

	files, err := discoverConfigFiles(profile, home, workDir, lookup)
	if err != nil {
		return nil, err
	}
	c := &RVConfig{
		profile:   profile,
		files:     files,
		overrides: make(map[string]string, len(opts.Overrides)),
		lookupEnv: lookup,
		verbosity: opts.Verbosity,
		logger:    log,
	}
	for k, v := range opts.Overrides {
		c.overrides[envKey(k)] = v
	}
	if vals, err := godotenv.Read(filepath.Join(workDir, ".env")); err == nil {
		c.dotenv = vals
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read .env: %w", err)
	}
	for _, f := range files {
		vals, err := readProfile(f)
		if err != nil {
			return nil, fmt.Errorf("read profile %q file %s: %w", profile, f, err)
		}
		c.fileVals = append(c.fileVals, vals)
	}
	c.scratch = OpenScratch(ScratchOptions{Dir: opts.TmpDir, Logger: log, LookupEnv: lookup})
	log.Debug("Loaded configuration", "profile", profile, "files", files)
	return c, nil
}

// discoverConfigFiles returns the existing config files for profile in
// lookup order: RV_CONFIG, RV_CONFIG_DIR/<profile> (or home/<profile>), then
// workDir/.rastervision.
func discoverConfigFiles(profile, home, workDir string, lookup func(string) (string, bool)) ([]string, error) {
	var candidates []string
	if p, ok := lookup("RV_CONFIG"); ok && p != "" {
		candidates = append(candidates, p)
	}
	if dir, ok := lookup("RV_CONFIG_DIR"); ok && dir != "" {
		candidates = append(candidates, filepath.Join(dir, profile))
	} else {
		candidates = append(candidates, filepath.Join(home, profile))
	}
	candidates = append(candidates, filepath.Join(workDir, ".rastervision"))

	var found []string
	for _, p := range candidates {
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			found = append(found, p)
		}
	}
	if len(found) == 0 && profile != DefaultProfile {
		return nil, fmt.Errorf("%w: %q (checked %s)", ErrProfileNotFound, profile, strings.Join(candidates, ", "))
	}
	return found, nil
}

// readProfile parses an INI profile file. Keys before the first section keep
// their name, keys under [section] become SECTION_KEY.
func readProfile(path string) (map[string]string, error) {
	f, err := ini.Load(path)
	if err != nil {
		return nil, err
	}
	vals := make(map[string]string)
	for _, sec := range f.Sections() {
		prefix := ""
		if sec.Name() != ini.DefaultSection {
			prefix = sec.Name() + "_"
		}
		for _, k := range sec.Keys() {
			vals[envKey(prefix+k.Name())] = k.String()
		}
	}
	return vals, nil
}

func envKey(k string) string {
	return strings.ToUpper(strings.ReplaceAll(k, ".", "_"))
}

// Get looks key up in the overrides, the OS environment, .env and the
// profile files, in that order. Keys are matched upper-cased.
func (c *RVConfig) Get(key string) (string, bool) {
	k := envKey(key)
	if v, ok := c.overrides[k]; ok {
		return v, true
	}
	if v, ok := c.lookupEnv(k); ok {
		return v, true
	}
	if v, ok := c.dotenv[k]; ok {
		return v, true
	}
	for _, vals := range c.fileVals {
		if v, ok := vals[k]; ok {
			return v, true
		}
	}
	return "", false
}

// GetDefault is Get with a fallback value.
func (c *RVConfig) GetDefault(key, def string) string {
	if v, ok := c.Get(key); ok {
		return v
	}
	return def
}

// Subconfig returns a view whose keys are prefixed with namespace, so
// Subconfig("aws").Get("batch_job_queue") reads AWS_BATCH_JOB_QUEUE.
func (c *RVConfig) Subconfig(namespace string) *Subconfig {
	return &Subconfig{parent: c, prefix: envKey(namespace) + "_"}
}

func (c *RVConfig) Profile() string      { return c.profile }
func (c *RVConfig) Files() []string      { return c.files }
func (c *RVConfig) Verbosity() Verbosity { return c.verbosity }
func (c *RVConfig) Logger() *slog.Logger { return c.logger }
func (c *RVConfig) Scratch() *Scratch    { return c.scratch }

// Subconfig is a namespaced view of an RVConfig.
type Subconfig struct {
	parent *RVConfig
	prefix string
}

func (s *Subconfig) Get(key string) (string, bool) {
	return s.parent.Get(s.prefix + envKey(key))
}

func (s *Subconfig) GetDefault(key, def string) string {
	if v, ok := s.Get(key); ok {
		return v
	}
	return def
}
