package rv

import (
	"fmt"

	"github.com/carderne/raster-vision/config"
	"github.com/carderne/raster-vision/pipeline"
)

// LabelStoreConfig describes where predictions for a scene are written.
type LabelStoreConfig interface {
	config.Node
	Update(sc SceneContext) error
	OutputURI() string
}

// ChipClassificationGeoJSONStoreConfig writes cell predictions as GeoJSON.
type ChipClassificationGeoJSONStoreConfig struct {
	URI string `yaml:"uri,omitempty" rv:"derived"`
}

func (*ChipClassificationGeoJSONStoreConfig) Tag() string { return "chip_classification_geojson_store" }

func (s *ChipClassificationGeoJSONStoreConfig) OutputURI() string { return s.URI }

func (s *ChipClassificationGeoJSONStoreConfig) Update(sc SceneContext) error {
	if s.URI == "" {
		s.URI = pipeline.JoinURI(sc.Pipeline.PredictURI, sc.SceneID+".json")
	}
	return nil
}

// VectorOutputConfig turns the raster predictions of one class into vectors.
type VectorOutputConfig interface {
	config.Node
	Update(sc SceneContext) error
	Mode() string
}

type vectorOutput struct {
	URI     string `yaml:"uri,omitempty" rv:"derived"`
	ClassID int    `yaml:"class_id" rv:"required"`
	Denoise int    `yaml:"denoise,omitempty"`
}

func (v *vectorOutput) update(sc SceneContext, mode string) error {
	if v.ClassID < 0 || (len(sc.Pipeline.ClassNames) > 0 && v.ClassID >= len(sc.Pipeline.ClassNames)) {
		return fmt.Errorf("%w: vector output class_id %d out of range", config.ErrSchemaMismatch, v.ClassID)
	}
	if v.URI == "" {
		v.URI = pipeline.JoinURI(sc.Pipeline.RootURI, "predict",
			fmt.Sprintf("%s-%d-%s.json", sc.SceneID, v.ClassID, mode))
	}
	return nil
}

// PolygonVectorOutputConfig outputs the class as plain polygons.
type PolygonVectorOutputConfig struct {
	vectorOutput `yaml:",inline"`
}

func (*PolygonVectorOutputConfig) Tag() string  { return "polygon_vector_output" }
func (*PolygonVectorOutputConfig) Mode() string { return "polygons" }

func (p *PolygonVectorOutputConfig) Update(sc SceneContext) error {
	return p.update(sc, p.Mode())
}

// BuildingVectorOutputConfig breaks clusters of buildings apart before
// vectorizing.
type BuildingVectorOutputConfig struct {
	vectorOutput       `yaml:",inline"`
	MinAspectRatio     float64 `yaml:"min_aspect_ratio"`
	MinArea            float64 `yaml:"min_area"`
	ElementWidthFactor float64 `yaml:"element_width_factor"`
	ElementThickness   float64 `yaml:"element_thickness"`
}

func newBuildingVectorOutput() *BuildingVectorOutputConfig {
	return &BuildingVectorOutputConfig{
		MinAspectRatio:     1.618,
		ElementWidthFactor: 0.5,
		ElementThickness:   0.001,
	}
}

func (*BuildingVectorOutputConfig) Tag() string  { return "building_vector_output" }
func (*BuildingVectorOutputConfig) Mode() string { return "buildings" }

func (b *BuildingVectorOutputConfig) Update(sc SceneContext) error {
	return b.update(sc, b.Mode())
}

// SemanticSegmentationLabelStoreConfig writes class rasters, plus optional
// vector outputs.
type SemanticSegmentationLabelStoreConfig struct {
	URI          string               `yaml:"uri,omitempty" rv:"derived"`
	RGB          bool                 `yaml:"rgb,omitempty"`
	VectorOutput []VectorOutputConfig `yaml:"vector_output,omitempty"`
}

func (*SemanticSegmentationLabelStoreConfig) Tag() string {
	return "semantic_segmentation_label_store"
}

func (s *SemanticSegmentationLabelStoreConfig) OutputURI() string { return s.URI }

func (s *SemanticSegmentationLabelStoreConfig) Update(sc SceneContext) error {
	if s.URI == "" {
		s.URI = pipeline.JoinURI(sc.Pipeline.PredictURI, sc.SceneID+".tif")
	}
	for i, vo := range s.VectorOutput {
		if err := vo.Update(sc); err != nil {
			return fmt.Errorf("vector_output[%d]: %w", i, err)
		}
	}
	return nil
}
