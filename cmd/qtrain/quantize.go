package main

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/qtrain/internal/checkpoint"
	"github.com/samcharles93/qtrain/internal/logger"
	"github.com/samcharles93/qtrain/internal/quant"
	"github.com/samcharles93/qtrain/internal/tensor"
)

type quantReport struct {
	name     string
	shape    []int
	levels   int
	distinct int
	maxErr   float64
	rmse     float64
}

func quantizeCmd() *cli.Command {
	var (
		in      string
		out     string
		bits    int
		outHalf bool
		all     bool
	)

	return &cli.Command{
		Name:  "quantize",
		Usage: "Simulate-quantize checkpoint weights and report the error",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "checkpoint", Aliases: []string{"c"}, Usage: "checkpoint to read", Destination: &in, Required: true},
			&cli.StringFlag{Name: "out", Aliases: []string{"o"}, Usage: "write the quantized checkpoint here", Destination: &out},
			&cli.IntFlag{Name: "num-bits-weight", Usage: "bit width", Value: 4, Destination: &bits},
			&cli.BoolFlag{Name: "out-half", Usage: "store quantized tensors as F16", Destination: &outHalf},
			&cli.BoolFlag{Name: "all", Usage: "also quantize biases and batch norm parameters", Destination: &all},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			if bits <= 0 {
				return errors.New("quantize: --num-bits-weight must be positive")
			}
			ckpt, err := checkpoint.Load(in)
			if err != nil {
				return err
			}
			names := make([]string, 0, len(ckpt.State))
			for name, t := range ckpt.State {
				if selectForQuantization(name, t, all) {
					names = append(names, name)
				}
			}
			sort.Strings(names)

			fmt.Printf("%-40s %-16s %7s %8s %12s %12s\n", "tensor", "shape", "levels", "used", "max_err", "rmse")
			for _, name := range names {
				r, q, err := quantizeTensor(name, ckpt.State[name], bits, outHalf)
				if err != nil {
					return err
				}
				ckpt.State[name] = q
				fmt.Printf("%-40s %-16s %7d %8d %12.6g %12.6g\n", r.name, fmt.Sprint(r.shape), r.levels, r.distinct, r.maxErr, r.rmse)
			}
			log.Info("quantized tensors", "count", len(names), "bits", bits)

			if out == "" {
				return nil
			}
			if err := checkpoint.Save(out, ckpt); err != nil {
				return err
			}
			log.Info("wrote checkpoint", "path", out)
			return nil
		},
	}
}

// selectForQuantization picks conv and fc weights, and with all set every
// trainable tensor. Running statistics are never quantized.
func selectForQuantization(name string, t *tensor.Tensor, all bool) bool {
	if strings.Contains(name, "running") {
		return false
	}
	if all {
		return true
	}
	return strings.HasSuffix(name, ".weight") && t.Rank() > 1
}

func quantizeTensor(name string, t *tensor.Tensor, bits int, outHalf bool) (quantReport, *tensor.Tensor, error) {
	r, err := quant.ExactRange(t)
	if err != nil {
		return quantReport{}, nil, fmt.Errorf("%s: %w", name, err)
	}
	lo, hi := quant.Bounds(r.Min, r.Max)
	q, p, err := quant.Quantize(t, quant.Config{NumBits: bits, Min: lo, Max: hi, OutHalf: outHalf})
	if err != nil {
		return quantReport{}, nil, fmt.Errorf("%s: %w", name, err)
	}

	rep := quantReport{name: name, shape: t.Shape, levels: p.Levels()}
	seen := make(map[float32]struct{})
	var sq float64
	for i, v := range q.Data {
		seen[v] = struct{}{}
		d := math.Abs(float64(v) - float64(t.Data[i]))
		rep.maxErr = math.Max(rep.maxErr, d)
		sq += d * d
	}
	rep.distinct = len(seen)
	if n := q.Len(); n > 0 {
		rep.rmse = math.Sqrt(sq / float64(n))
	}
	return rep, q, nil
}
