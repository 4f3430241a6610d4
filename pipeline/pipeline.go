package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/carderne/raster-vision/config"
)

var (
	// ErrUnknownCommand is returned when a command name is not declared by the pipeline.
	ErrUnknownCommand = errors.New("pipeline: unknown command")

	// ErrNotSplittable is returned when a command that is not a split command
	// is invoked with more than one split.
	ErrNotSplittable = errors.New("pipeline: command cannot be split")

	// ErrInvalidSplit is returned for a split index outside [0, num splits).
	ErrInvalidSplit = errors.New("pipeline: invalid split")

	// ErrAborted is returned by a runner when a shard failed and the run stopped.
	ErrAborted = errors.New("pipeline: run aborted")
)

func IsAborted(err error) bool { return errors.Is(err, ErrAborted) }

// CommandFunc performs one command over the partition of its input assigned
// to split. Unsharded commands receive NoSplit.
type CommandFunc func(ctx context.Context, split Split) error

// Command is a named step of a pipeline. Split commands accept any
// Split{Index, Num} and process only their partition of the input. GPU
// commands need a GPU worker and always run as a single invocation; the
// pipeline itself never checks for a GPU, that is the runner's job.
type Command struct {
	Name  string
	Split bool
	GPU   bool
	Run   CommandFunc
}

// Pipeline is the runtime object bound to a resolved config. It owns the
// config and a scratch directory for the duration of a run.
type Pipeline struct {
	Name   string
	Config config.Node
	TmpDir string

	commands []Command
	index    map[string]int
}

// New returns a pipeline declaring cmds in order. Names must be unique, every
// command needs a Run func, and a command cannot be both split and GPU.
func New(name string, cfg config.Node, tmpDir string, cmds ...Command) (*Pipeline, error) {
	p := &Pipeline{
		Name:     name,
		Config:   cfg,
		TmpDir:   tmpDir,
		commands: make([]Command, 0, len(cmds)),
		index:    make(map[string]int, len(cmds)),
	}
	for i, c := range cmds {
		if c.Name == "" {
			return nil, fmt.Errorf("command %d: name required", i)
		}
		if _, dup := p.index[c.Name]; dup {
			return nil, fmt.Errorf("command %d: %q declared twice", i, c.Name)
		}
		if c.Run == nil {
			return nil, fmt.Errorf("command %d (%q): run func required", i, c.Name)
		}
		if c.Split && c.GPU {
			return nil, fmt.Errorf("command %d (%q): gpu commands run unsharded and cannot be split", i, c.Name)
		}
		p.index[c.Name] = len(p.commands)
		p.commands = append(p.commands, c)
	}
	return p, nil
}

// Commands returns the declared commands in order.
func (p *Pipeline) Commands() []Command {
	out := make([]Command, len(p.commands))
	copy(out, p.commands)
	return out
}

// CommandNames returns the declared command names in order.
func (p *Pipeline) CommandNames() []string {
	return p.names(func(Command) bool { return true })
}

// SplitCommands returns the names of the commands that can be sharded.
func (p *Pipeline) SplitCommands() []string {
	return p.names(func(c Command) bool { return c.Split })
}

// GPUCommands returns the names of the commands that need a GPU worker.
func (p *Pipeline) GPUCommands() []string {
	return p.names(func(c Command) bool { return c.GPU })
}

func (p *Pipeline) names(keep func(Command) bool) []string {
	out := make([]string, 0, len(p.commands))
	for _, c := range p.commands {
		if keep(c) {
			out = append(out, c.Name)
		}
	}
	return out
}

// Command returns the command called name.
func (p *Pipeline) Command(name string) (Command, bool) {
	i, ok := p.index[name]
	if !ok {
		return Command{}, false
	}
	return p.commands[i], true
}

// Select returns the requested commands in declaration order, without
// duplicates. No names selects every command.
func (p *Pipeline) Select(names []string) ([]Command, error) {
	if len(names) == 0 {
		return p.Commands(), nil
	}
	want := make(map[string]bool, len(names))
	for _, n := range names {
		if _, ok := p.index[n]; !ok {
			return nil, fmt.Errorf("%w: %q (pipeline %q declares %v)", ErrUnknownCommand, n, p.Name, p.CommandNames())
		}
		want[n] = true
	}
	out := make([]Command, 0, len(want))
	for _, c := range p.commands {
		if want[c.Name] {
			out = append(out, c)
		}
	}
	return out, nil
}

// Invoke runs one shard of the named command. Commands that are not split
// commands reject split.Num > 1.
func (p *Pipeline) Invoke(ctx context.Context, name string, split Split) error {
	c, ok := p.Command(name)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownCommand, name)
	}
	if err := split.Validate(); err != nil {
		return fmt.Errorf("command %q: %w", name, err)
	}
	if !c.Split && split.Num > 1 {
		return fmt.Errorf("%w: %q invoked with %d splits", ErrNotSplittable, name, split.Num)
	}
	if err := c.Run(ctx, split); err != nil {
		return fmt.Errorf("command %q shard %s: %w", name, split, err)
	}
	return nil
}

// Config holds the fields every pipeline config carries. Embed it inline:
//
//	type MyConfig struct {
//		pipeline.Config `yaml:",inline"`
//		...
//	}
type Config struct {
	RootURI string `yaml:"root_uri" rv:"required"`
}

// Updater is a root config that can resolve its derived fields. Update must
// be idempotent: it only fills fields that are still unset.
type Updater interface {
	config.Node
	Update() error
}
