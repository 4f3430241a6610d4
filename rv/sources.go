package rv

import (
	"fmt"

	"github.com/carderne/raster-vision/config"
	"github.com/carderne/raster-vision/pipeline"
)

// RasterSourceConfig describes where a scene's imagery comes from.
type RasterSourceConfig interface {
	config.Node
	Update(sc SceneContext) error
	TransformerConfigs() []RasterTransformerConfig
}

// RasterTransformerConfig describes a pixel transform applied after reading.
type RasterTransformerConfig interface {
	config.Node
	Update(sc SceneContext) error
}

// LabelSourceConfig describes where a scene's ground truth comes from.
type LabelSourceConfig interface {
	config.Node
	Update(sc SceneContext) error
}

// VectorSourceConfig describes a vector dataset feeding a label source.
type VectorSourceConfig interface {
	config.Node
	Update(sc SceneContext) error
}

// RasterioSourceConfig reads imagery from one or more GeoTIFFs.
type RasterioSourceConfig struct {
	URIs         []string                  `yaml:"uris" rv:"required"`
	ChannelOrder []int                     `yaml:"channel_order,omitempty"`
	Transformers []RasterTransformerConfig `yaml:"transformers,omitempty"`
	XShift       float64                   `yaml:"x_shift,omitempty"`
	YShift       float64                   `yaml:"y_shift,omitempty"`
}

func (*RasterioSourceConfig) Tag() string { return "rasterio_source" }

func (r *RasterioSourceConfig) TransformerConfigs() []RasterTransformerConfig { return r.Transformers }

func (r *RasterioSourceConfig) Update(sc SceneContext) error {
	if len(r.URIs) == 0 {
		return fmt.Errorf("%w: rasterio_source.uris is empty", config.ErrSchemaMismatch)
	}
	for i, t := range r.Transformers {
		if err := t.Update(sc); err != nil {
			return fmt.Errorf("transformers[%d]: %w", i, err)
		}
	}
	return nil
}

// StatsTransformerConfig normalizes pixel values with dataset statistics. A
// pipeline holding one gets a stats analyzer to compute those statistics.
type StatsTransformerConfig struct {
	StatsURI string `yaml:"stats_uri,omitempty" rv:"derived"`
}

func (*StatsTransformerConfig) Tag() string { return "stats_transformer" }

func (s *StatsTransformerConfig) Update(sc SceneContext) error {
	if s.StatsURI == "" {
		s.StatsURI = pipeline.JoinURI(sc.Pipeline.AnalyzeURI, "stats.json")
	}
	return nil
}

// ReclassTransformerConfig maps pixel class values to other values.
type ReclassTransformerConfig struct {
	Mapping map[int]int `yaml:"mapping" rv:"required"`
}

func (*ReclassTransformerConfig) Tag() string { return "reclass_transformer" }

func (*ReclassTransformerConfig) Update(SceneContext) error { return nil }

// ChipClassificationLabelSourceConfig derives one class per grid cell from a
// vector source.
type ChipClassificationLabelSourceConfig struct {
	VectorSource            VectorSourceConfig `yaml:"vector_source" rv:"required"`
	IOAThresh               float64            `yaml:"ioa_thresh,omitempty"`
	UseIntersectionOverCell bool               `yaml:"use_intersection_over_cell,omitempty"`
	PickMinClassID          bool               `yaml:"pick_min_class_id,omitempty"`
	BackgroundClassID       *int               `yaml:"background_class_id,omitempty"`
	InferCells              bool               `yaml:"infer_cells,omitempty"`
	CellSz                  int                `yaml:"cell_sz,omitempty" rv:"derived"`
}

func (*ChipClassificationLabelSourceConfig) Tag() string { return "chip_classification_label_source" }

func (l *ChipClassificationLabelSourceConfig) Update(sc SceneContext) error {
	if l.CellSz == 0 {
		l.CellSz = sc.Pipeline.TrainChipSz
	}
	if l.IOAThresh < 0 || l.IOAThresh > 1 {
		return fmt.Errorf("%w: ioa_thresh %v not in [0, 1]", config.ErrSchemaMismatch, l.IOAThresh)
	}
	if l.VectorSource == nil {
		return fmt.Errorf("%w: chip_classification_label_source.vector_source is not set", config.ErrSchemaMismatch)
	}
	return l.VectorSource.Update(sc)
}

// SemanticSegmentationLabelSourceConfig reads per-pixel labels from a raster.
type SemanticSegmentationLabelSourceConfig struct {
	RasterSource RasterSourceConfig `yaml:"raster_source" rv:"required"`
	RGB          bool               `yaml:"rgb,omitempty"`
}

func (*SemanticSegmentationLabelSourceConfig) Tag() string {
	return "semantic_segmentation_label_source"
}

func (l *SemanticSegmentationLabelSourceConfig) Update(sc SceneContext) error {
	if l.RasterSource == nil {
		return fmt.Errorf("%w: semantic_segmentation_label_source.raster_source is not set", config.ErrSchemaMismatch)
	}
	return l.RasterSource.Update(sc)
}

// GeoJSONVectorSourceConfig reads features from a GeoJSON file.
type GeoJSONVectorSourceConfig struct {
	URI            string `yaml:"uri" rv:"required"`
	DefaultClassID *int   `yaml:"default_class_id,omitempty"`
}

func (*GeoJSONVectorSourceConfig) Tag() string { return "geojson_vector_source" }

func (g *GeoJSONVectorSourceConfig) Update(sc SceneContext) error {
	if g.DefaultClassID != nil {
		if id := *g.DefaultClassID; id < 0 || id >= len(sc.Pipeline.ClassNames) {
			return fmt.Errorf("%w: default_class_id %d out of range for %d classes", config.ErrSchemaMismatch, id, len(sc.Pipeline.ClassNames))
		}
	}
	return nil
}
