// Package cli implements the rvpipe command line.
package cli

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/carderne/raster-vision/config"
	"github.com/carderne/raster-vision/fileio"
	"github.com/carderne/raster-vision/pipeline"
	"github.com/carderne/raster-vision/rv/localfs"
	"github.com/carderne/raster-vision/rvconfig"
)

type ExitCode int

const (
	exitCodeSuccess = 0
	exitCodeError   = 1
)

// Run executes the command line in os.Args.
func Run() ExitCode {
	if err := NewRootCmd().Execute(); err != nil {
		return exitCodeError
	}
	return exitCodeSuccess
}

// globals are the persistent flags shared by every subcommand.
type globals struct {
	profile string
	tmpDir  string
	verbose int
}

// env loads the profile, installs the logger as the slog default and
// registers the local plugins.
func (g *globals) env(cmd *cobra.Command) (*rvconfig.RVConfig, error) {
	v := rvconfig.Normal + rvconfig.Verbosity(g.verbose)
	rc, err := rvconfig.Load(rvconfig.Options{
		Profile:   g.profile,
		TmpDir:    g.tmpDir,
		Verbosity: v,
		Logger:    rvconfig.NewLogger(cmd.ErrOrStderr(), v),
	})
	if err != nil {
		return nil, err
	}
	slog.SetDefault(rc.Logger())
	localfs.Register()
	return rc, nil
}

// load reads, resolves and builds the pipeline described by path.
func (g *globals) load(cmd *cobra.Command, path string) (*rvconfig.RVConfig, *pipeline.Pipeline, error) {
	rc, err := g.env(cmd)
	if err != nil {
		return nil, nil, err
	}
	cfg, err := readConfig(cmd, path)
	if err != nil {
		return nil, nil, err
	}
	p, err := pipeline.Build(cfg, rc.Scratch().Root())
	if err != nil {
		return nil, nil, fmt.Errorf("build %s: %w", path, err)
	}
	return rc, p, nil
}

// readConfig reads the config at uri (a path or an http(s) URL) and runs
// its Update pass.
func readConfig(cmd *cobra.Command, uri string) (config.Node, error) {
	raw, err := fileio.Read(cmd.Context(), uri)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", uri, err)
	}
	cfg, err := config.Unmarshal(raw)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", uri, err)
	}
	if err := pipeline.Resolve(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// NewRootCmd returns the rvpipe command tree.
func NewRootCmd() *cobra.Command {
	g := &globals{}
	rootCmd := &cobra.Command{
		Use:          "rvpipe",
		Short:        "Run geospatial deep learning pipelines from config files.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cmd.Help(); err != nil {
				return fmt.Errorf("failed to show help: %w", err)
			}
			return nil
		},
	}
	rootCmd.PersistentFlags().StringVar(&g.profile, "profile", "", "configuration profile (default $RV_PROFILE or "+rvconfig.DefaultProfile+")")
	rootCmd.PersistentFlags().StringVar(&g.tmpDir, "tmp-dir", "", "scratch directory root")
	rootCmd.PersistentFlags().CountVarP(&g.verbose, "verbose", "v", "increase log verbosity (repeatable)")

	rootCmd.AddCommand(
		newRunCmd(g),
		newRunCommandCmd(g),
		newCommandsCmd(g),
		newResolveCmd(g),
		newResumeCmd(g),
	)
	return rootCmd
}

func newCommandsCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "commands CONFIG",
		Short: "List the commands of a pipeline in run order.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, p, err := g.load(cmd, args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, c := range p.Commands() {
				var marks string
				if c.Split {
					marks += " split"
				}
				if c.GPU {
					marks += " gpu"
				}
				fmt.Fprintf(out, "%s%s\n", c.Name, marks)
			}
			return nil
		},
	}
}

func newResolveCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "resolve CONFIG",
		Short: "Print the config with every derived field filled in.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := g.env(cmd); err != nil {
				return err
			}
			cfg, err := readConfig(cmd, args[0])
			if err != nil {
				return err
			}
			b, err := config.Marshal(cfg)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(b)
			return err
		},
	}
}
