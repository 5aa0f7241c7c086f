package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/qtrain/internal/api"
	"github.com/samcharles93/qtrain/internal/logger"
	"github.com/samcharles93/qtrain/internal/nn"
	"github.com/samcharles93/qtrain/internal/optim"
	"github.com/samcharles93/qtrain/internal/train"
)

func trainCmd() *cli.Command {
	var (
		net  netOptions
		data dataOptions
		opts trainOptions
	)
	flags := append(netFlags(&net), dataFlags(&data)...)
	flags = append(flags, trainFlags(&opts)...)

	return &cli.Command{
		Name:  "train",
		Usage: "Train ResNet-18 with simulated quantization",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			applyNetConfig(cmd, fileConfig, &net)
			applyDataConfig(cmd, fileConfig, &data)
			applyTrainConfig(cmd, fileConfig, &opts)
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
			log.Info("built model", "arch", nn.Arch, "params", model.NumParams(),
				"q_a", netCfg.ActBits, "num_bits", netCfg.Layer.NumBits, "num_bits_weight", netCfg.Layer.NumBitsWeight)

			trainSet, valSet, err := buildData(data, netCfg)
			if err != nil {
				return err
			}
			trainLoader, err := newLoader(trainSet, data, true, netCfg.Seed)
			if err != nil {
				return err
			}
			valLoader, err := newLoader(valSet, data, false, netCfg.Seed)
			if err != nil {
				return err
			}

			opt := optim.NewSGD(model.Params(), opts.lr, opts.momentum, opts.weightDecay)
			cfg := train.Config{
				Epochs:        opts.epochs,
				StartEpoch:    opts.startEpoch,
				LR:            opts.lr,
				StepAfter:     opts.stepAfter,
				PrintFreq:     opts.printFreq,
				CheckpointDir: opts.checkpointDir,
				Tag:           opts.tag,
				Arch:          nn.Arch,
				RunID:         uuid.NewString(),
				Noise:         opts.noise,
				DistortTrain:  opts.distortTrain,
				DistortTest:   opts.distortTest,
				Seed:          netCfg.Seed,
			}
			if opts.resume != "" {
				ckpt, err := resume(opts.resume, model, opt, log)
				if err != nil {
					return err
				}
				if !cmd.IsSet("start-epoch") {
					cfg.StartEpoch = ckpt.Epoch
				}
				cfg.BestAcc = ckpt.BestAcc
				if ckpt.RunID != "" {
					cfg.RunID = ckpt.RunID
				}
			} else if netCfg.MergeBN {
				log.Warn("merge-bn without a checkpoint folds untrained batch norm statistics")
				model.MergeBatchNorm()
			}
			if opts.checkpointDir != "" {
				if err := os.MkdirAll(opts.checkpointDir, 0o755); err != nil {
					return err
				}
			}

			status := api.NewStatus(cfg.RunID, cfg.Epochs)
			trainer, err := train.New(model, opt, trainLoader, valLoader, cfg, log.With("run_id", cfg.RunID), status)
			if err != nil {
				return err
			}
			return runWithStatus(ctx, log, opts.serveAddr, status, func(ctx context.Context) error {
				res, err := trainer.Run(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("Best Accuracy %.2f\n", res.BestAcc)
				return nil
			})
		},
	}
}

// runWithStatus runs fn, serving status on addr until fn returns. An empty
// addr runs fn alone.
func runWithStatus(ctx context.Context, log logger.Logger, addr string, status *api.Status, fn func(context.Context) error) error {
	if addr == "" {
		return fn(ctx)
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	e := echo.New()
	e.Use(middleware.RequestLogger())
	e.Use(middleware.Recover())
	api.NewServer(status).Register(e)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("starting status server", "address", addr, "run_id", status.RunID())
		sc := echo.StartConfig{
			Address: addr,
			BeforeServeFunc: func(srv *http.Server) error {
				srv.ReadHeaderTimeout = 10 * time.Second
				return nil
			},
		}
		err := sc.Start(gctx, e)
		if errors.Is(err, http.ErrServerClosed) || gctx.Err() != nil {
			return nil
		}
		return err
	})
	g.Go(func() error {
		defer cancel()
		return fn(gctx)
	})
	return g.Wait()
}
