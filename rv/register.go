package rv

import (
	"github.com/carderne/raster-vision/config"
	"github.com/carderne/raster-vision/pipeline"
)

func init() {
	config.MustRegister("rv_pipeline", func() config.Node { return newRVPipelineConfig() })
	config.MustRegister("chip_classification", func() config.Node { return NewChipClassificationConfig() })
	config.MustRegister("semantic_segmentation", func() config.Node { return NewSemanticSegmentationConfig() })
	config.MustRegister("semantic_segmentation_chip_options", func() config.Node { return newChipOptions() })

	config.MustRegister("class_config", func() config.Node { return &ClassConfig{} })
	config.MustRegister("dataset", func() config.Node { return &DatasetConfig{} })
	config.MustRegister("scene", func() config.Node { return &SceneConfig{} })

	config.MustRegister("rasterio_source", func() config.Node { return &RasterioSourceConfig{} })
	config.MustRegister("stats_transformer", func() config.Node { return &StatsTransformerConfig{} })
	config.MustRegister("reclass_transformer", func() config.Node { return &ReclassTransformerConfig{} })
	config.MustRegister("chip_classification_label_source", func() config.Node { return &ChipClassificationLabelSourceConfig{} })
	config.MustRegister("semantic_segmentation_label_source", func() config.Node { return &SemanticSegmentationLabelSourceConfig{} })
	config.MustRegister("geojson_vector_source", func() config.Node { return &GeoJSONVectorSourceConfig{} })

	config.MustRegister("chip_classification_geojson_store", func() config.Node { return &ChipClassificationGeoJSONStoreConfig{} })
	config.MustRegister("semantic_segmentation_label_store", func() config.Node { return &SemanticSegmentationLabelStoreConfig{} })
	config.MustRegister("polygon_vector_output", func() config.Node { return &PolygonVectorOutputConfig{} })
	config.MustRegister("building_vector_output", func() config.Node { return newBuildingVectorOutput() })

	config.MustRegister("stats_analyzer", func() config.Node { return newStatsAnalyzer() })
	config.MustRegister("chip_classification_evaluator", func() config.Node { return &ChipClassificationEvaluatorConfig{} })
	config.MustRegister("semantic_segmentation_evaluator", func() config.Node { return &SemanticSegmentationEvaluatorConfig{} })

	config.MustRegister("pytorch_chip_classification", func() config.Node { return &PyTorchChipClassificationConfig{} })
	config.MustRegister("classification_learner", func() config.Node { return &ClassificationLearnerConfig{} })
	config.MustRegister("classification_model", func() config.Node { return newClassificationModel() })
	config.MustRegister("solver", func() config.Node { return newSolver() })
	config.MustRegister("classification_data", func() config.Node { return newClassificationData() })
	config.MustRegister("pytorch_semantic_segmentation", func() config.Node { return &PyTorchSemanticSegmentationConfig{} })
	config.MustRegister("train_options", func() config.Node { return newTrainOptions() })

	for _, tag := range []string{"rv_pipeline", "chip_classification", "semantic_segmentation"} {
		pipeline.MustRegister(tag, NewPipeline)
	}
}
