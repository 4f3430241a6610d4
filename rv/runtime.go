package rv

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/carderne/raster-vision/config"
	"github.com/carderne/raster-vision/pipeline"
	"github.com/carderne/raster-vision/rvconfig"
)

// RVPipeline runs the stages of a resolved pipeline config.
type RVPipeline struct {
	cfg     Rooted
	root    *RVPipelineConfig
	scratch *rvconfig.Scratch
	log     *slog.Logger
}

// NewPipeline returns the runtime pipeline for a resolved config. Commands
// are analyze, chip (split), train (GPU), predict (split), eval and bundle.
func NewPipeline(node config.Node, tmpDir string) (*pipeline.Pipeline, error) {
	cfg, ok := node.(Rooted)
	if !ok {
		return nil, fmt.Errorf("%w: %T is not an rv pipeline config", config.ErrSchemaMismatch, node)
	}
	root := cfg.Root()
	for _, stage := range Stages {
		if root.StageURI(stage) == "" {
			return nil, fmt.Errorf("%w: %s_uri is not set; run Update before Build", config.ErrResolution, stage)
		}
	}
	log := slog.Default().With("pipeline", cfg.Tag(), "root_uri", root.RootURI)
	p := &RVPipeline{
		cfg:     cfg,
		root:    root,
		scratch: rvconfig.SharedScratch(tmpDir, slog.Default()),
		log:     log,
	}
	return pipeline.New(cfg.Tag(), cfg, p.scratch.Root(),
		pipeline.Command{Name: StageAnalyze, Run: p.analyze},
		pipeline.Command{Name: StageChip, Split: true, Run: p.chip},
		pipeline.Command{Name: StageTrain, GPU: true, Run: p.train},
		pipeline.Command{Name: StagePredict, Split: true, Run: p.predict},
		pipeline.Command{Name: StageEval, Run: p.eval},
		pipeline.Command{Name: StageBundle, Run: p.bundle},
	)
}

func (p *RVPipeline) buildContext(dir string) BuildContext {
	return BuildContext{Pipeline: p.root.Context(nil, p.log), TmpDir: dir, Logger: p.log}
}

func (p *RVPipeline) backend(dir string) (Backend, error) {
	b, err := p.root.Backend.Build(p.buildContext(dir))
	if err != nil {
		return nil, fmt.Errorf("build backend %q: %w", p.root.Backend.Tag(), err)
	}
	return b, nil
}

func (p *RVPipeline) analyze(ctx context.Context, _ pipeline.Split) error {
	return p.scratch.With(StageAnalyze, func(dir string) error {
		scenes := p.root.Dataset.AllScenes()
		for i, ac := range p.root.Analyzers {
			a, err := ac.Build(p.buildContext(dir))
			if err != nil {
				return fmt.Errorf("build analyzer %d (%q): %w", i, ac.Tag(), err)
			}
			p.log.Info("Running analyzer", "analyzer", ac.Tag(), "scenes", len(scenes))
			if err := a.Process(ctx, scenes, dir); err != nil {
				return fmt.Errorf("analyzer %q: %w", ac.Tag(), err)
			}
		}
		return nil
	})
}

// chip processes this shard's share of the train and validation scenes and
// writes the combined result under a shard-unique location below chip_uri.
func (p *RVPipeline) chip(ctx context.Context, split pipeline.Split) error {
	return p.scratch.With(StageChip, func(dir string) error {
		backend, err := p.backend(dir)
		if err != nil {
			return err
		}
		process := func(scenes []*SceneConfig) ([]string, error) {
			var out []string
			for _, s := range pipeline.Partition(scenes, split) {
				if err := ctx.Err(); err != nil {
					return nil, err
				}
				res, err := backend.ProcessSceneData(ctx, s, dir)
				if err != nil {
					return nil, fmt.Errorf("scene %q: %w", s.ID, err)
				}
				out = append(out, res)
			}
			return out, nil
		}
		train, err := process(p.root.Dataset.TrainScenes)
		if err != nil {
			return err
		}
		valid, err := process(p.root.Dataset.ValidationScenes)
		if err != nil {
			return err
		}
		out := pipeline.ShardURI(p.root.ChipURI)
		p.log.Info("Writing chips", "split", split.String(), "train_scenes", len(train), "validation_scenes", len(valid), "uri", out)
		return backend.ProcessSceneSetResults(ctx, train, valid, out)
	})
}

func (p *RVPipeline) train(ctx context.Context, _ pipeline.Split) error {
	return p.scratch.With(StageTrain, func(dir string) error {
		backend, err := p.backend(dir)
		if err != nil {
			return err
		}
		p.log.Info("Training", "chip_uri", p.root.ChipURI, "train_uri", p.root.TrainURI)
		return backend.Train(ctx, dir)
	})
}

func (p *RVPipeline) predict(ctx context.Context, split pipeline.Split) error {
	return p.scratch.With(StagePredict, func(dir string) error {
		backend, err := p.backend(dir)
		if err != nil {
			return err
		}
		d := p.root.Dataset
		scenes := append(append([]*SceneConfig{}, d.ValidationScenes...), d.TestScenes...)
		for _, s := range pipeline.Partition(scenes, split) {
			if err := ctx.Err(); err != nil {
				return err
			}
			p.log.Debug("Predicting", "scene", s.ID, "label_store", s.LabelStore.OutputURI())
			if err := backend.Predict(ctx, s, dir); err != nil {
				return fmt.Errorf("scene %q: %w", s.ID, err)
			}
		}
		return nil
	})
}

func (p *RVPipeline) eval(ctx context.Context, _ pipeline.Split) error {
	return p.scratch.With(StageEval, func(dir string) error {
		scenes := p.root.Dataset.ValidationScenes
		for i, ec := range p.root.Evaluators {
			e, err := ec.Build(p.buildContext(dir))
			if err != nil {
				return fmt.Errorf("build evaluator %d (%q): %w", i, ec.Tag(), err)
			}
			if err := e.Process(ctx, scenes, dir); err != nil {
				return fmt.Errorf("evaluator %q: %w", ec.Tag(), err)
			}
		}
		return nil
	})
}

func (p *RVPipeline) bundle(ctx context.Context, _ pipeline.Split) error {
	return p.scratch.With(StageBundle, func(dir string) error {
		backend, err := p.backend(dir)
		if err != nil {
			return err
		}
		resolved, err := config.Marshal(p.cfg)
		if err != nil {
			return fmt.Errorf("encode resolved config: %w", err)
		}
		return backend.Bundle(ctx, p.root.BundleURI, resolved, dir)
	})
}
