package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

// fileConfig is loaded once by the root command.
var fileConfig Config

// Config represents the qtrain configuration file (~/.config/qtrain/config.yaml).
// Pointer fields distinguish "not set" from zero values. Flags given on the
// command line always win.
type Config struct {
	// Network and quantization
	Width         *int     `yaml:"width"`
	NumClasses    *int     `yaml:"num_classes"`
	ActBits       *int     `yaml:"q_a"`
	NumBits       *int     `yaml:"num_bits"`
	NumBitsWeight *int     `yaml:"num_bits_weight"`
	ActMax        *float64 `yaml:"act_max"`
	ActRange      string   `yaml:"act_range"`
	BiasRange     string   `yaml:"bias_range"`
	Stochastic    *float64 `yaml:"stochastic"`
	Biprecision   *bool    `yaml:"biprecision"`
	Seed          *int64   `yaml:"seed"`

	// Data
	Data      string `yaml:"data"`
	BatchSize *int   `yaml:"batch_size"`
	Workers   *int   `yaml:"workers"`

	// Optimization
	Epochs        *int     `yaml:"epochs"`
	LR            *float64 `yaml:"lr"`
	Momentum      *float64 `yaml:"momentum"`
	WeightDecay   *float64 `yaml:"weight_decay"`
	StepAfter     *int     `yaml:"step_after"`
	PrintFreq     *int     `yaml:"print_freq"`
	CheckpointDir string   `yaml:"checkpoint_dir"`
	Tag           string   `yaml:"tag"`
	Noise         *float64 `yaml:"noise"`

	// Output
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Server
	ServerAddress string `yaml:"server_address"`
}

func configPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "qtrain", "config.yaml")
}

// LoadConfig reads the config file at path. A missing file yields a zero
// Config unless the path was given explicitly.
func LoadConfig(path string, explicit bool) (Config, error) {
	if path == "" {
		return Config{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) && !explicit {
			return Config{}, nil
		}
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

func setInt(c *cli.Command, flag string, src *int, dst *int) {
	if src != nil && !c.IsSet(flag) {
		*dst = *src
	}
}

func setFloat(c *cli.Command, flag string, src *float64, dst *float64) {
	if src != nil && !c.IsSet(flag) {
		*dst = *src
	}
}

func setString(c *cli.Command, flag, src string, dst *string) {
	if src != "" && !c.IsSet(flag) {
		*dst = src
	}
}

// applyNetConfig applies config file defaults to the network flags that
// were not set explicitly.
func applyNetConfig(c *cli.Command, cfg Config, o *netOptions) {
	setInt(c, "width", cfg.Width, &o.width)
	setInt(c, "num-classes", cfg.NumClasses, &o.classes)
	setInt(c, "q-a", cfg.ActBits, &o.actBits)
	setInt(c, "num-bits", cfg.NumBits, &o.numBits)
	setInt(c, "num-bits-weight", cfg.NumBitsWeight, &o.bitsWeight)
	setFloat(c, "act-max", cfg.ActMax, &o.actMax)
	setString(c, "act-range", cfg.ActRange, &o.actRange)
	setString(c, "bias-range", cfg.BiasRange, &o.biasRange)
	setFloat(c, "stochastic", cfg.Stochastic, &o.stochastic)
	if cfg.Biprecision != nil && !c.IsSet("biprecision") {
		o.biprecision = *cfg.Biprecision
	}
	if cfg.Seed != nil && !c.IsSet("seed") {
		o.seed = *cfg.Seed
	}
}

func applyDataConfig(c *cli.Command, cfg Config, o *dataOptions) {
	setString(c, "data", cfg.Data, &o.dir)
	setInt(c, "batch-size", cfg.BatchSize, &o.batchSize)
	setInt(c, "workers", cfg.Workers, &o.workers)
}

func applyTrainConfig(c *cli.Command, cfg Config, o *trainOptions) {
	setInt(c, "epochs", cfg.Epochs, &o.epochs)
	setFloat(c, "lr", cfg.LR, &o.lr)
	setFloat(c, "momentum", cfg.Momentum, &o.momentum)
	setFloat(c, "weight-decay", cfg.WeightDecay, &o.weightDecay)
	setInt(c, "step-after", cfg.StepAfter, &o.stepAfter)
	setInt(c, "print-freq", cfg.PrintFreq, &o.printFreq)
	setString(c, "checkpoint-dir", cfg.CheckpointDir, &o.checkpointDir)
	setString(c, "tag", cfg.Tag, &o.tag)
	setFloat(c, "noise", cfg.Noise, &o.noise)
	setString(c, "serve", cfg.ServerAddress, &o.serveAddr)
}
