package rv

import (
	"fmt"
	"log/slog"
	"slices"

	"github.com/carderne/raster-vision/config"
)

// BackendConfig describes the model backend used by chip, train, predict and
// bundle.
type BackendConfig interface {
	config.Node
	Update(pc PipelineContext) error
	Build(bc BuildContext) (Backend, error)
}

// KnownAugmentors are the augmentation names backends understand. Others
// are dropped during Update.
var KnownAugmentors = []string{
	"Blur",
	"HorizontalFlip",
	"HueSaturationValue",
	"RandomBrightnessContrast",
	"RandomGamma",
	"RandomRotate90",
	"RandomSizedCrop",
	"VerticalFlip",
}

// filterAugmentors drops unknown names, warning once per name.
func filterAugmentors(names []string, log *slog.Logger) []string {
	if len(names) == 0 {
		return names
	}
	var kept []string
	warned := make(map[string]bool)
	for _, n := range names {
		if slices.Contains(KnownAugmentors, n) {
			kept = append(kept, n)
			continue
		}
		if !warned[n] {
			warned[n] = true
			log.Warn("Unknown augmentor, continuing without it", "augmentor", n, "known", KnownAugmentors)
		}
	}
	return kept
}

// ClassificationModelConfig selects the network.
type ClassificationModelConfig struct {
	Backbone    string `yaml:"backbone"`
	InitWeights string `yaml:"init_weights,omitempty"`
}

func newClassificationModel() *ClassificationModelConfig {
	return &ClassificationModelConfig{Backbone: "resnet18"}
}

func (*ClassificationModelConfig) Tag() string { return "classification_model" }

// SolverConfig holds the optimization settings.
type SolverConfig struct {
	LR            float64 `yaml:"lr"`
	NumEpochs     int     `yaml:"num_epochs"`
	TestNumEpochs int     `yaml:"test_num_epochs"`
	BatchSz       int     `yaml:"batch_sz"`
	TestBatchSz   int     `yaml:"test_batch_sz"`
	OneCycle      bool    `yaml:"one_cycle"`
	SyncInterval  int     `yaml:"sync_interval"`
}

func newSolver() *SolverConfig {
	return &SolverConfig{
		LR:            1e-4,
		NumEpochs:     10,
		TestNumEpochs: 2,
		BatchSz:       32,
		TestBatchSz:   4,
		OneCycle:      true,
		SyncInterval:  1,
	}
}

func (*SolverConfig) Tag() string { return "solver" }

func (s *SolverConfig) validate() error {
	if s.BatchSz < 1 || s.NumEpochs < 1 || s.SyncInterval < 1 {
		return fmt.Errorf("%w: solver batch_sz, num_epochs and sync_interval must be positive", config.ErrSchemaMismatch)
	}
	return nil
}

// ClassificationDataConfig locates the chips the learner trains on.
type ClassificationDataConfig struct {
	URI         string   `yaml:"uri,omitempty" rv:"derived"`
	DataFormat  string   `yaml:"data_format"`
	ImgSz       int      `yaml:"img_sz,omitempty" rv:"derived"`
	ClassNames  []string `yaml:"class_names,omitempty" rv:"derived"`
	ClassColors []string `yaml:"class_colors,omitempty"`
	Augmentors  []string `yaml:"augmentors,omitempty"`
	NumWorkers  int      `yaml:"num_workers"`
}

func newClassificationData() *ClassificationDataConfig {
	return &ClassificationDataConfig{DataFormat: "image_folder", NumWorkers: 4}
}

func (*ClassificationDataConfig) Tag() string { return "classification_data" }

// ClassificationLearnerConfig trains an image classifier on chips.
type ClassificationLearnerConfig struct {
	Model     *ClassificationModelConfig `yaml:"model,omitempty"`
	Solver    *SolverConfig              `yaml:"solver,omitempty"`
	Data      *ClassificationDataConfig  `yaml:"data,omitempty"`
	OutputURI string                     `yaml:"output_uri,omitempty" rv:"derived"`
	TestMode  bool                       `yaml:"test_mode,omitempty"`
}

func (*ClassificationLearnerConfig) Tag() string { return "classification_learner" }

// Update fills missing sections with their defaults.
func (l *ClassificationLearnerConfig) Update() error {
	if l.Model == nil {
		l.Model = newClassificationModel()
	}
	if l.Solver == nil {
		l.Solver = newSolver()
	}
	if l.Data == nil {
		l.Data = newClassificationData()
	}
	return l.Solver.validate()
}

// PyTorchChipClassificationConfig is the chip classification backend.
type PyTorchChipClassificationConfig struct {
	Learner *ClassificationLearnerConfig `yaml:"learner,omitempty"`
}

func (*PyTorchChipClassificationConfig) Tag() string { return "pytorch_chip_classification" }

// Update wires the learner to the pipeline: image size from train_chip_sz,
// test mode from debug, classes from the class config, output to train_uri
// and data from chip_uri.
func (b *PyTorchChipClassificationConfig) Update(pc PipelineContext) error {
	if b.Learner == nil {
		b.Learner = &ClassificationLearnerConfig{}
	}
	if err := b.Learner.Update(); err != nil {
		return err
	}
	l := b.Learner
	if l.Data.ImgSz == 0 {
		l.Data.ImgSz = pc.TrainChipSz
	}
	if !l.TestMode {
		l.TestMode = pc.Debug
	}
	if len(l.Data.ClassNames) == 0 {
		l.Data.ClassNames = slices.Clone(pc.ClassNames)
	}
	if len(l.Data.ClassColors) == 0 {
		l.Data.ClassColors = slices.Clone(pc.ClassColors)
	}
	if l.OutputURI == "" {
		l.OutputURI = pc.TrainURI
	}
	if l.Data.URI == "" {
		l.Data.URI = pc.ChipURI
	}
	l.Data.Augmentors = filterAugmentors(l.Data.Augmentors, pc.logger())
	return nil
}

func (b *PyTorchChipClassificationConfig) Build(bc BuildContext) (Backend, error) {
	return buildBackend(b, bc)
}

// TrainOptionsConfig holds the semantic segmentation training settings.
type TrainOptionsConfig struct {
	BatchSize      int     `yaml:"batch_size"`
	LR             float64 `yaml:"lr"`
	OneCycle       bool    `yaml:"one_cycle"`
	NumEpochs      int     `yaml:"num_epochs"`
	ModelArch      string  `yaml:"model_arch"`
	LossFn         string  `yaml:"loss_fn"`
	SyncInterval   int     `yaml:"sync_interval"`
	Debug          bool    `yaml:"debug,omitempty"`
	LogTensorboard bool    `yaml:"log_tensorboard"`
	RunTensorboard bool    `yaml:"run_tensorboard"`
}

func newTrainOptions() *TrainOptionsConfig {
	return &TrainOptionsConfig{
		BatchSize:      8,
		LR:             1e-4,
		OneCycle:       true,
		NumEpochs:      5,
		ModelArch:      "resnet50",
		LossFn:         "CrossEntropyLoss",
		SyncInterval:   1,
		LogTensorboard: true,
		RunTensorboard: true,
	}
}

func (*TrainOptionsConfig) Tag() string { return "train_options" }

// PyTorchSemanticSegmentationConfig is the semantic segmentation backend.
type PyTorchSemanticSegmentationConfig struct {
	TrainOptions  *TrainOptionsConfig `yaml:"train_options,omitempty"`
	ChipSz        int                 `yaml:"chip_sz,omitempty" rv:"derived"`
	ChipURI       string              `yaml:"chip_uri,omitempty" rv:"derived"`
	TrainURI      string              `yaml:"train_uri,omitempty" rv:"derived"`
	PretrainedURI string              `yaml:"pretrained_uri,omitempty"`
	Augmentors    []string            `yaml:"augmentors,omitempty"`
}

func (*PyTorchSemanticSegmentationConfig) Tag() string { return "pytorch_semantic_segmentation" }

func (b *PyTorchSemanticSegmentationConfig) Update(pc PipelineContext) error {
	if b.TrainOptions == nil {
		b.TrainOptions = newTrainOptions()
	}
	if b.TrainOptions.BatchSize < 1 || b.TrainOptions.NumEpochs < 1 || b.TrainOptions.SyncInterval < 1 {
		return fmt.Errorf("%w: train_options batch_size, num_epochs and sync_interval must be positive", config.ErrSchemaMismatch)
	}
	if !b.TrainOptions.Debug {
		b.TrainOptions.Debug = pc.Debug
	}
	if b.ChipSz == 0 {
		b.ChipSz = pc.TrainChipSz
	}
	if b.ChipURI == "" {
		b.ChipURI = pc.ChipURI
	}
	if b.TrainURI == "" {
		b.TrainURI = pc.TrainURI
	}
	b.Augmentors = filterAugmentors(b.Augmentors, pc.logger())
	return nil
}

func (b *PyTorchSemanticSegmentationConfig) Build(bc BuildContext) (Backend, error) {
	return buildBackend(b, bc)
}
