package main

import (
	"fmt"

	"github.com/samcharles93/qtrain/internal/checkpoint"
	"github.com/samcharles93/qtrain/internal/data"
	"github.com/samcharles93/qtrain/internal/logger"
	"github.com/samcharles93/qtrain/internal/nn"
	"github.com/samcharles93/qtrain/internal/optim"
)

// buildData returns the training and validation datasets.
func buildData(o dataOptions, net nn.NetConfig) (data.Dataset, data.Dataset, error) {
	if o.dir == "" {
		shape := []int{net.InChannels, o.imageSize, o.imageSize}
		tr, err := data.NewSynthetic(o.syntheticSize, net.NumClasses, shape, o.noise, net.Seed)
		if err != nil {
			return nil, nil, err
		}
		return tr, tr.Holdout(o.validationSize, o.syntheticSize), nil
	}
	tr, err := data.LoadSplit(o.dir, data.Train)
	if err != nil {
		return nil, nil, err
	}
	val, err := data.LoadSplit(o.dir, data.Val)
	if err != nil {
		return nil, nil, err
	}
	for _, ds := range []data.Dataset{tr, val} {
		if ds.NumClasses() > net.NumClasses {
			return nil, nil, fmt.Errorf("dataset has %d classes but the network has %d outputs", ds.NumClasses(), net.NumClasses)
		}
		if ds.Shape()[0] != net.InChannels {
			return nil, nil, fmt.Errorf("dataset images have %d channels, want %d", ds.Shape()[0], net.InChannels)
		}
	}
	return tr, val, nil
}

func newLoader(ds data.Dataset, o dataOptions, train bool, seed int64) (*data.Loader, error) {
	cfg := data.LoaderConfig{
		BatchSize: o.batchSize,
		Shuffle:   train,
		Flip:      train && o.flip,
		Workers:   o.workers,
		Seed:      seed,
	}
	if o.dir != "" && o.normalize && ds.Shape()[0] == len(data.ImageNetMean) {
		cfg.Mean, cfg.Std = data.ImageNetMean, data.ImageNetStd
	}
	return data.NewLoader(ds, cfg)
}

// resume loads path into model and opt (which may be nil) and returns the
// checkpoint for its metadata.
func resume(path string, model *nn.ResNet, opt *optim.SGD, log logger.Logger) (*checkpoint.Checkpoint, error) {
	if log == nil {
		log = logger.Discard()
	}
	log.Info("loading checkpoint", "path", path)
	ckpt, err := checkpoint.Load(path)
	if err != nil {
		return nil, err
	}
	if err := ckpt.CheckArch(nn.Arch); err != nil {
		return nil, err
	}
	var o checkpoint.Optimizer
	if opt != nil {
		o = opt
	}
	if _, err := checkpoint.Restore(model, o, ckpt, log); err != nil {
		return nil, err
	}
	if model.Config().MergeBN {
		model.MergeBatchNorm()
	}
	return ckpt, nil
}
