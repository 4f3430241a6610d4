package rv

import (
	"fmt"
	"slices"

	"github.com/carderne/raster-vision/config"
)

// palette colors classes that have none configured, cycling when there are
// more classes than entries.
var palette = []string{
	"#e6194b", "#3cb44b", "#ffe119", "#4363d8", "#f58231",
	"#911eb4", "#46f0f0", "#f032e6", "#bcf60c", "#fabebe",
	"#008080", "#e6beff", "#9a6324", "#fffac8", "#800000",
	"#aaffc3", "#808000", "#ffd8b1", "#000075", "#808080",
}

// ClassConfig names the prediction classes.
type ClassConfig struct {
	Names     []string `yaml:"names" rv:"required"`
	Colors    []string `yaml:"colors,omitempty"`
	NullClass string   `yaml:"null_class,omitempty"`
}

func (*ClassConfig) Tag() string { return "class_config" }

// Update fills missing colors from the palette and validates the class list.
func (c *ClassConfig) Update() error {
	if len(c.Names) == 0 {
		return fmt.Errorf("%w: class_config.names is empty", config.ErrSchemaMismatch)
	}
	if len(c.Colors) == 0 {
		c.Colors = make([]string, len(c.Names))
		for i := range c.Names {
			c.Colors[i] = palette[i%len(palette)]
		}
	}
	if len(c.Colors) != len(c.Names) {
		return fmt.Errorf("%w: class_config has %d names but %d colors", config.ErrSchemaMismatch, len(c.Names), len(c.Colors))
	}
	if c.NullClass != "" && !slices.Contains(c.Names, c.NullClass) {
		return fmt.Errorf("%w: class_config.null_class %q is not a class name", config.ErrSchemaMismatch, c.NullClass)
	}
	return nil
}

// ID returns the index of class name, or -1.
func (c *ClassConfig) ID(name string) int {
	return slices.Index(c.Names, name)
}

// DatasetConfig groups the scenes of a run.
type DatasetConfig struct {
	ClassConfig      *ClassConfig   `yaml:"class_config" rv:"required"`
	TrainScenes      []*SceneConfig `yaml:"train_scenes,omitempty"`
	ValidationScenes []*SceneConfig `yaml:"validation_scenes,omitempty"`
	TestScenes       []*SceneConfig `yaml:"test_scenes,omitempty"`
}

func (*DatasetConfig) Tag() string { return "dataset" }

// AllScenes returns train, validation and test scenes in that order.
func (d *DatasetConfig) AllScenes() []*SceneConfig {
	out := make([]*SceneConfig, 0, len(d.TrainScenes)+len(d.ValidationScenes)+len(d.TestScenes))
	out = append(out, d.TrainScenes...)
	out = append(out, d.ValidationScenes...)
	return append(out, d.TestScenes...)
}

// Update resolves the class config first so scenes see the final classes.
func (d *DatasetConfig) Update(pc PipelineContext) error {
	if d.ClassConfig == nil {
		return fmt.Errorf("%w: dataset.class_config is not set", config.ErrSchemaMismatch)
	}
	if err := d.ClassConfig.Update(); err != nil {
		return err
	}
	pc = pc.withClasses(d.ClassConfig)

	seen := make(map[string]bool)
	for _, s := range d.AllScenes() {
		if seen[s.ID] {
			return fmt.Errorf("%w: scene id %q used twice", config.ErrSchemaMismatch, s.ID)
		}
		seen[s.ID] = true
		if err := s.Update(pc); err != nil {
			return fmt.Errorf("scene %q: %w", s.ID, err)
		}
	}
	return nil
}

// SceneConfig is one unit of imagery plus labels.
type SceneConfig struct {
	ID           string             `yaml:"id" rv:"required"`
	RasterSource RasterSourceConfig `yaml:"raster_source" rv:"required"`
	LabelSource  LabelSourceConfig  `yaml:"label_source,omitempty"`
	LabelStore   LabelStoreConfig   `yaml:"label_store,omitempty"`
	AOIURIs      []string           `yaml:"aoi_uris,omitempty"`
}

func (*SceneConfig) Tag() string { return "scene" }

// Update resolves the scene's sources, then fills a missing label store from
// the pipeline's default.
func (s *SceneConfig) Update(pc PipelineContext) error {
	sc := pc.Scene(s.ID)
	if s.RasterSource == nil {
		return fmt.Errorf("%w: scene.raster_source is not set", config.ErrSchemaMismatch)
	}
	if err := s.RasterSource.Update(sc); err != nil {
		return err
	}
	if s.LabelSource != nil {
		if err := s.LabelSource.Update(sc); err != nil {
			return err
		}
	}
	if s.LabelStore == nil {
		defaults := pc.Defaults
		if defaults == nil {
			defaults = noDefaults{tag: "rv_pipeline"}
		}
		ls, err := defaults.DefaultLabelStore(s.ID)
		if err != nil {
			return err
		}
		s.LabelStore = ls
	}
	return s.LabelStore.Update(sc)
}
