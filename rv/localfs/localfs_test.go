package localfs_test

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carderne/raster-vision/config"
	"github.com/carderne/raster-vision/pipeline"
	"github.com/carderne/raster-vision/rv"
	"github.com/carderne/raster-vision/rv/localfs"
)

const doc = `
type: chip_classification
root_uri: %s
dataset:
  type: dataset
  class_config:
    type: class_config
    names: [building, background]
  train_scenes:
    - {type: scene, id: t1, raster_source: {type: rasterio_source, uris: [/img/t1.tif], channel_order: [0, 1, 2], transformers: [{type: stats_transformer}]}}
    - {type: scene, id: t2, raster_source: {type: rasterio_source, uris: [/img/t2.tif]}}
    - {type: scene, id: t3, raster_source: {type: rasterio_source, uris: [/img/t3.tif]}}
  validation_scenes:
    - {type: scene, id: v1, raster_source: {type: rasterio_source, uris: [/img/v1.tif]}}
  test_scenes:
    - {type: scene, id: x1, raster_source: {type: rasterio_source, uris: [/img/x1.tif]}}
backend:
  type: pytorch_chip_classification
`

func load(t *testing.T, v any, parts ...string) {
	t.Helper()
	b, err := os.ReadFile(filepath.Join(parts...))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(b, v))
}

func TestLocalFS_RunAll(t *testing.T) {
	localfs.Register()
	localfs.Register()

	root := t.TempDir()
	cfg, err := config.DecodeAs[*rv.ChipClassificationConfig](config.Default, fmt.Appendf(nil, doc, root))
	require.NoError(t, err)
	require.NoError(t, pipeline.Resolve(cfg))
	p, err := pipeline.Build(cfg, t.TempDir())
	require.NoError(t, err)

	runner := pipeline.NewLocalRunner(2, nil)
	defer runner.Close()
	res, err := runner.Run(context.Background(), p, nil, &pipeline.RunOptions{NumSplits: 2})
	require.NoError(t, err)
	assert.Equal(t, pipeline.StateCompleted, res.State)

	var stats localfs.Stats
	load(t, &stats, root, "analyze", "stats.json")
	assert.Equal(t, []string{"t1", "t2", "t3", "v1", "x1"}, stats.Scenes)
	assert.Equal(t, 3, stats.Channels)

	var m localfs.Model
	load(t, &m, root, "train", "model.json")
	assert.Equal(t, 2, m.Shards)
	assert.Equal(t, []string{"t1", "t2", "t3"}, m.Train)
	assert.Equal(t, []string{"v1"}, m.Validation)
	assert.Equal(t, []string{"building", "background"}, m.ClassNames)

	for _, id := range []string{"v1", "x1"} {
		var pred localfs.Prediction
		load(t, &pred, root, "predict", id+".json")
		assert.Equal(t, id, pred.SceneID)
		assert.Equal(t, 800, pred.ChipSz)
	}

	var ev localfs.Evaluation
	load(t, &ev, root, "eval", "eval.json")
	assert.Equal(t, []string{"v1"}, ev.Predicted)
	assert.Empty(t, ev.Missing)

	resolved, err := os.ReadFile(filepath.Join(root, "bundle", "pipeline-config.yaml"))
	require.NoError(t, err)
	bundled, err := config.Unmarshal(resolved)
	require.NoError(t, err)
	assert.Equal(t, cfg, bundled)
	assert.FileExists(t, filepath.Join(root, "bundle", "model.json"))
}

func TestLocalFS_TrainWithoutChips(t *testing.T) {
	localfs.Register()
	root := t.TempDir()
	cfg, err := config.DecodeAs[*rv.ChipClassificationConfig](config.Default, fmt.Appendf(nil, doc, root))
	require.NoError(t, err)
	require.NoError(t, cfg.Update())
	p, err := pipeline.Build(cfg, t.TempDir())
	require.NoError(t, err)

	err = p.Invoke(context.Background(), rv.StageTrain, pipeline.NoSplit)
	require.Error(t, err)
}

func TestBackend_ModelReadErrors(t *testing.T) {
	ctx := context.Background()
	train := t.TempDir()
	b, err := localfs.NewBackend(&rv.PyTorchChipClassificationConfig{}, rv.BuildContext{Pipeline: rv.PipelineContext{TrainURI: train}})
	require.NoError(t, err)
	scene := &rv.SceneConfig{ID: "s1"}

	err = b.Predict(ctx, scene, t.TempDir())
	assert.ErrorIs(t, err, os.ErrNotExist)

	require.NoError(t, os.WriteFile(filepath.Join(train, "model.json"), []byte("{not json"), 0o644))
	err = b.Predict(ctx, scene, t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode")

	b, err = localfs.NewBackend(&rv.PyTorchChipClassificationConfig{}, rv.BuildContext{Pipeline: rv.PipelineContext{TrainURI: "s3://bucket/train"}})
	require.NoError(t, err)
	err = b.Bundle(ctx, t.TempDir(), nil, t.TempDir())
	assert.ErrorIs(t, err, config.ErrNotImplemented)
}

func TestPath(t *testing.T) {
	p, err := localfs.Path("file:///data/x.json")
	require.NoError(t, err)
	assert.Equal(t, "/data/x.json", p)

	p, err = localfs.Path("/data/x.json")
	require.NoError(t, err)
	assert.Equal(t, "/data/x.json", p)

	_, err = localfs.Path("s3://bucket/x.json")
	assert.ErrorIs(t, err, config.ErrNotImplemented)
}
