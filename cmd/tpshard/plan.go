package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/born-ml/tensorparallel/internal/shard"
	"github.com/born-ml/tensorparallel/internal/slicing"
)

func planCmd() *cobra.Command {
	var (
		f    modelFlags
		dump bool
	)
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Print how a model is sliced and what each shard holds",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			model, err := f.load()
			if err != nil {
				return err
			}
			devices, err := f.devices()
			if err != nil {
				return err
			}
			cfg, err := f.slicingConfig(model, devices.Len())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if dump {
				data, err := slicing.MarshalConfig(cfg)
				if err != nil {
					return err
				}
				_, err = out.Write(data)
				return err
			}
			plan, err := slicing.Resolve(model, cfg)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "model %s, %d parts on %v\n\n", model.Config().Name, plan.NumParts, devices)
			if err := plan.WriteTable(out); err != nil {
				return err
			}
			shards, err := shard.BuildShards(model, plan, shard.WithProgress(shardProgress("building shards")))
			if err != nil {
				return err
			}
			fmt.Fprintln(out)
			return shard.Measure(model, shards).WriteTable(out)
		},
	}
	f.register(cmd)
	cmd.Flags().BoolVar(&dump, "dump-config", false, "print the slicing config as YAML instead")
	return cmd
}
