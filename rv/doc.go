// Package rv holds the geospatial pipeline configs and the runtime pipeline
// that runs them.
//
// Importing the package registers every config tag with config.Default and a
// pipeline factory for each root tag (rv_pipeline, chip_classification,
// semantic_segmentation) with pipeline.Default.
//
// A root config derives the location of each stage from root_uri unless set
// explicitly:
//
//	root_uri: s3://bucket/run1   ->   train_uri: s3://bucket/run1/train
//
// Update resolves the tree top-down: stage URIs, then the dataset (class
// config, then every scene's sources and label store), the backend, the
// evaluators (a default one is added when none is given) and the analyzers
// (a stats_analyzer is added when any scene uses a stats_transformer). Each
// child derives only from a PipelineContext snapshot and fills only unset
// fields, so Update is idempotent.
//
// Model backends, analyzers and evaluators are plugged in per tag with
// RegisterBackend, RegisterAnalyzer and RegisterEvaluator.
package rv
