package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/born-ml/tensorparallel/internal/device"
)

func probeCmd() *cobra.Command {
	var count int
	cmd := &cobra.Command{
		Use:   "probe",
		Short: "List the devices shards can be placed on",
		Long: fmt.Sprintf(`Lists the logical devices of this host. The count defaults to $%s,
then to the number of cores.`, device.EnvDevices),
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			devices, err := device.Probe(device.ProbeOptions{Count: count})
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintf(tw, "ID\tKIND\tTHREADS\n")
			for _, d := range devices.All() {
				fmt.Fprintf(tw, "%d\t%s\t%d\n", d.Index, d.Kind, d.Threads)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVarP(&count, "count", "n", 0, "number of logical devices")
	return cmd
}
