package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/qtrain/internal/logger"
	"github.com/samcharles93/qtrain/internal/nn"
	"github.com/samcharles93/qtrain/internal/train"
)

func evalCmd() *cli.Command {
	var (
		net         netOptions
		data        dataOptions
		ckptPath    string
		distortTest bool
		noise       float64
	)
	flags := append(netFlags(&net), dataFlags(&data)...)
	flags = append(flags,
		&cli.StringFlag{Name: "checkpoint", Aliases: []string{"c"}, Usage: "checkpoint to evaluate", Destination: &ckptPath, Required: true},
		&cli.BoolFlag{Name: "distort-w-test", Usage: "distort weights during validation", Destination: &distortTest},
		&cli.Float64Flag{Name: "noise", Usage: "weight distortion range", Value: 0.1, Destination: &noise},
	)

	return &cli.Command{
		Name:  "eval",
		Usage: "Evaluate a checkpoint on the validation set",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			applyNetConfig(cmd, fileConfig, &net)
			applyDataConfig(cmd, fileConfig, &data)
			if cfgNoise := fileConfig.Noise; cfgNoise != nil && !cmd.IsSet("noise") {
				noise = *cfgNoise
			}
			if err := requirePositive("batch-size", data.batchSize); err != nil {
				return err
			}

			netCfg, err := net.config()
			if err != nil {
				return err
			}
			model, err := nn.NewResNet18(netCfg, log)
			if err != nil {
				return err
			}
			ckpt, err := resume(ckptPath, model, nil, log)
			if err != nil {
				return err
			}
			_, valSet, err := buildData(data, netCfg)
			if err != nil {
				return err
			}
			valLoader, err := newLoader(valSet, data, false, netCfg.Seed)
			if err != nil {
				return err
			}

			cfg := train.Config{
				Epochs:      ckpt.Epoch,
				StartEpoch:  ckpt.Epoch,
				Noise:       noise,
				DistortTest: distortTest,
				Seed:        netCfg.Seed,
			}
			trainer, err := train.New(model, nil, nil, valLoader, cfg, log, nil)
			if err != nil {
				return err
			}
			log.Info("testing accuracy on validation set", "expected", fmt.Sprintf("%.2f", ckpt.BestAcc))
			acc, err := trainer.Evaluate(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("Validation Accuracy %.2f\n", acc)
			return nil
		},
	}
}
