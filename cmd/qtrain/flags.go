package main

import (
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/qtrain/internal/nn"
	"github.com/samcharles93/qtrain/internal/quant"
)

var (
	logLevel   string
	logFormat  string
	debug      bool
	configFile string
)

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text)",
			Value:       "pretty",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
	}
}

func configFlag() cli.Flag {
	return &cli.StringFlag{
		Name:        "config",
		Usage:       "path to a YAML config file",
		Value:       configPath(),
		Destination: &configFile,
	}
}

// netOptions holds the flags that shape the network and its quantizers.
type netOptions struct {
	width       int
	classes     int
	actBits     int
	numBits     int
	bitsWeight  int
	actMax      float64
	actRange    string
	biasRange   string
	momentum    float64
	stochastic  float64
	biprecision bool
	mergeBN     bool
	eps         float64
	debugQuant  bool
	printShapes bool
	seed        int64
}

func netFlags(o *netOptions) []cli.Flag {
	d := nn.DefaultNetConfig()
	return []cli.Flag{
		&cli.IntFlag{Name: "width", Usage: "channels in the first stage (64 = ResNet-18)", Value: d.Width, Destination: &o.width},
		&cli.IntFlag{Name: "num-classes", Usage: "classifier outputs", Value: d.NumClasses, Destination: &o.classes},
		&cli.IntFlag{Name: "q-a", Usage: "bits for block, stem and classifier inputs (0 = off)", Destination: &o.actBits},
		&cli.IntFlag{Name: "num-bits", Usage: "bits for conv/fc layer inputs (0 = off)", Destination: &o.numBits},
		&cli.IntFlag{Name: "num-bits-weight", Usage: "bits for conv/fc weights and biases (0 = off)", Destination: &o.bitsWeight},
		&cli.Float64Flag{Name: "act-max", Usage: "clip activations to [0, act-max] with hardtanh (0 = relu)", Destination: &o.actMax},
		&cli.StringFlag{Name: "act-range", Usage: "activation range policy (exact, moving-average)", Value: "exact", Destination: &o.actRange},
		&cli.StringFlag{Name: "bias-range", Usage: "bias range policy (chunked, exact, weight)", Value: "chunked", Destination: &o.biasRange},
		&cli.Float64Flag{Name: "range-momentum", Usage: "momentum of the moving-average range", Value: d.Momentum, Destination: &o.momentum},
		&cli.Float64Flag{Name: "stochastic", Usage: "dither amplitude added before rounding, in [0,1]", Value: d.Stochastic, Destination: &o.stochastic},
		&cli.BoolFlag{Name: "biprecision", Usage: "compute weight gradients from full-precision operands", Destination: &o.biprecision},
		&cli.BoolFlag{Name: "merge-bn", Usage: "fold batch norm scale into conv weights", Destination: &o.mergeBN},
		&cli.Float64Flag{Name: "eps", Usage: "epsilon for merged batch norm", Value: d.Eps, Destination: &o.eps},
		&cli.BoolFlag{Name: "debug-quant", Usage: "log quantizer internals", Destination: &o.debugQuant},
		&cli.BoolFlag{Name: "print-shapes", Usage: "log activation shapes for the first batch", Destination: &o.printShapes},
		&cli.Int64Flag{Name: "seed", Usage: "seed for weights, shuffling and dither", Value: d.Seed, Destination: &o.seed},
	}
}

func (o netOptions) config() (nn.NetConfig, error) {
	actRange, err := quant.ParseRangePolicy(o.actRange)
	if err != nil {
		return nn.NetConfig{}, err
	}
	biasRange, err := quant.ParseBiasRangePolicy(o.biasRange)
	if err != nil {
		return nn.NetConfig{}, err
	}
	cfg := nn.DefaultNetConfig()
	cfg.Width = o.width
	cfg.NumClasses = o.classes
	cfg.ActBits = o.actBits
	cfg.ActMax = o.actMax
	cfg.ActRange = actRange
	cfg.Momentum = o.momentum
	cfg.Stochastic = o.stochastic
	cfg.MergeBN = o.mergeBN
	cfg.Eps = o.eps
	cfg.DebugQuant = o.debugQuant
	cfg.PrintShapes = o.printShapes
	cfg.Seed = o.seed
	cfg.Layer = quant.LayerConfig{
		NumBits:       o.numBits,
		NumBitsWeight: o.bitsWeight,
		Biprecision:   o.biprecision,
		Stochastic:    o.stochastic,
		Debug:         o.debugQuant,
		BiasRange:     biasRange,
		ActRange:      actRange,
		Momentum:      o.momentum,
	}
	if err := cfg.Validate(); err != nil {
		return nn.NetConfig{}, err
	}
	return cfg, nil
}

// dataOptions selects the dataset. An empty dir trains on synthetic data.
type dataOptions struct {
	dir            string
	batchSize      int
	workers        int
	syntheticSize  int
	validationSize int
	imageSize      int
	noise          float64
	flip           bool
	normalize      bool
}

func dataFlags(o *dataOptions) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "data", Usage: "directory with train.safetensors and val.safetensors (empty = synthetic)", Destination: &o.dir},
		&cli.IntFlag{Name: "batch-size", Aliases: []string{"b"}, Usage: "mini-batch size", Value: 256, Destination: &o.batchSize},
		&cli.IntFlag{Name: "workers", Aliases: []string{"j"}, Usage: "batch assembly goroutines (0 = GOMAXPROCS)", Destination: &o.workers},
		&cli.IntFlag{Name: "synthetic-size", Usage: "synthetic training examples", Value: 1024, Destination: &o.syntheticSize},
		&cli.IntFlag{Name: "synthetic-val-size", Usage: "synthetic validation examples", Value: 256, Destination: &o.validationSize},
		&cli.IntFlag{Name: "image-size", Usage: "synthetic image height and width", Value: 64, Destination: &o.imageSize},
		&cli.Float64Flag{Name: "synthetic-noise", Usage: "per-example noise around the class templates", Value: 0.5, Destination: &o.noise},
		&cli.BoolFlag{Name: "flip", Usage: "random horizontal flips during training", Value: true, Destination: &o.flip},
		&cli.BoolFlag{Name: "normalize", Usage: "normalize folder datasets with ImageNet mean and std", Value: true, Destination: &o.normalize},
	}
}

// trainOptions holds the optimizer and loop flags.
type trainOptions struct {
	epochs        int
	startEpoch    int
	lr            float64
	momentum      float64
	weightDecay   float64
	stepAfter     int
	printFreq     int
	resume        string
	tag           string
	checkpointDir string
	distortTrain  bool
	distortTest   bool
	noise         float64
	serveAddr     string
}

func trainFlags(o *trainOptions) []cli.Flag {
	return []cli.Flag{
		&cli.IntFlag{Name: "epochs", Usage: "total epochs to run", Value: 90, Destination: &o.epochs},
		&cli.IntFlag{Name: "start-epoch", Usage: "first epoch (overrides the resumed checkpoint)", Destination: &o.startEpoch},
		&cli.Float64Flag{Name: "lr", Aliases: []string{"learning-rate"}, Usage: "initial learning rate", Value: 0.1, Destination: &o.lr},
		&cli.Float64Flag{Name: "momentum", Usage: "SGD momentum", Value: 0.9, Destination: &o.momentum},
		&cli.Float64Flag{Name: "weight-decay", Aliases: []string{"wd"}, Usage: "L2 weight decay", Value: 1e-4, Destination: &o.weightDecay},
		&cli.IntFlag{Name: "step-after", Usage: "divide the learning rate by 10 every N epochs", Value: 30, Destination: &o.stepAfter},
		&cli.IntFlag{Name: "print-freq", Aliases: []string{"p"}, Usage: "log every N batches", Value: 100, Destination: &o.printFreq},
		&cli.StringFlag{Name: "resume", Usage: "checkpoint to resume from", Destination: &o.resume},
		&cli.StringFlag{Name: "tag", Usage: "checkpoint file name prefix", Destination: &o.tag},
		&cli.StringFlag{Name: "checkpoint-dir", Usage: "directory for checkpoints", Value: ".", Destination: &o.checkpointDir},
		&cli.BoolFlag{Name: "distort-w-train", Usage: "distort weights during training", Destination: &o.distortTrain},
		&cli.BoolFlag{Name: "distort-w-test", Usage: "distort weights during validation", Destination: &o.distortTest},
		&cli.Float64Flag{Name: "noise", Usage: "weight distortion range: weights are scaled by 1+U(-noise, noise)", Value: 0.1, Destination: &o.noise},
		&cli.StringFlag{Name: "serve", Usage: "address for the status server (empty = off)", Destination: &o.serveAddr},
	}
}

func requirePositive(name string, v int) error {
	if v <= 0 {
		return fmt.Errorf("--%s must be positive, got %d", name, v)
	}
	return nil
}
