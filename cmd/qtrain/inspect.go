package main

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/qtrain/internal/safetensors"
)

func inspectCmd() *cli.Command {
	var (
		path   string
		filter string
		limit  int
		stats  bool
	)

	return &cli.Command{
		Name:  "inspect",
		Usage: "List the metadata and tensors of a checkpoint or dataset file",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "file", Aliases: []string{"f"}, Usage: "path to a .safetensors file", Destination: &path, Required: true},
			&cli.StringFlag{Name: "filter", Usage: "only list tensors whose name contains this", Destination: &filter},
			&cli.IntFlag{Name: "limit", Usage: "limit tensor listing (0 = no limit)", Value: 50, Destination: &limit},
			&cli.BoolFlag{Name: "stats", Usage: "print min and max of float tensors", Destination: &stats},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			f, err := safetensors.Open(path)
			if err != nil {
				return err
			}
			defer func() { _ = f.Close() }()

			fmt.Printf("file: %s\n", path)
			if len(f.Metadata) > 0 {
				keys := make([]string, 0, len(f.Metadata))
				for k := range f.Metadata {
					keys = append(keys, k)
				}
				sort.Strings(keys)
				fmt.Println("metadata:")
				for _, k := range keys {
					fmt.Printf("  %-12s %s\n", k, f.Metadata[k])
				}
			}

			names := f.Names()
			fmt.Printf("tensors: %d\n", len(names))
			shown := 0
			for _, name := range names {
				if filter != "" && !strings.Contains(name, filter) {
					continue
				}
				if limit > 0 && shown == limit {
					fmt.Println("  ...")
					break
				}
				info, _ := f.Tensor(name)
				line := fmt.Sprintf("  %-48s %-5s %v", name, info.DType, info.Shape)
				if stats {
					if t, err := f.ReadTensorF32(name); err == nil && t.Len() > 0 {
						lo, hi := t.MinMax()
						line += fmt.Sprintf("  [%.6g, %.6g]", lo, hi)
					}
				}
				fmt.Println(line)
				shown++
			}
			return nil
		},
	}
}
