// Command tpshard splits YAML-described models across devices with tensor
// parallelism: it prints slicing plans, checks parallel runs against the
// unsharded model, joins multi-process groups and generates text.
package main

import (
	goflag "flag"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

const version = "v0.1.0-dev"

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "tpshard",
		Short:         "Tensor-parallel partitioning and execution for YAML-described models",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	fs := goflag.NewFlagSet("klog", goflag.ExitOnError)
	klog.InitFlags(fs)
	root.PersistentFlags().AddGoFlagSet(fs)
	root.AddCommand(probeCmd(), planCmd(), runCmd(), workerCmd(), generateCmd())
	return root
}

func main() {
	defer klog.Flush()
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "tpshard:", err)
		klog.Flush()
		os.Exit(1)
	}
}
