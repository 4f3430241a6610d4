// Package config provides the tag registry and the tagged YAML codec for
// configuration trees.
//
// Every declarative unit (dataset, scene, backend, evaluator, analyzer,
// pipeline) is a Node registered under a short tag, usually from the init
// function of the package that defines it:
//
//	func init() {
//		config.MustRegister("stats_analyzer", func() config.Node { return NewStatsAnalyzerConfig() })
//	}
//
// A document names the tag of every object under the "type" key, so a tree of
// polymorphic nodes can be decoded without knowing its concrete types:
//
//	type: chip_classification
//	root_uri: s3://bucket/run1
//	backend:
//	  type: pytorch_chip_classification
//	  learner:
//	    type: classification_learner
//	    ...
//
// Fields are described by yaml struct tags. The rv tag marks fields that a
// document must carry (rv:"required") and fields that Update derives and
// Build needs (rv:"derived"); RequireDerived checks the latter.
//
// Registration, decoding and update run single-threaded before any pipeline
// command is dispatched.
package config
