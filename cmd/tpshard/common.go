package main

import (
	"math/rand"
	"strings"

	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/born-ml/tensorparallel/internal/device"
	"github.com/born-ml/tensorparallel/internal/modelspec"
	"github.com/born-ml/tensorparallel/internal/nn"
	"github.com/born-ml/tensorparallel/internal/shard"
	"github.com/born-ml/tensorparallel/internal/slicing"
	"github.com/born-ml/tensorparallel/internal/tensor"
	"github.com/born-ml/tensorparallel/tp"
)

// modelFlags are the flags shared by every command that wraps a model.
type modelFlags struct {
	model     string
	config    string
	deviceIDs string
	parts     int
	policy    string
	embedding string
	sharded   bool
	names     []string
	outputDev int
}

func (f *modelFlags) register(cmd *cobra.Command) {
	fl := cmd.Flags()
	fl.StringVarP(&f.model, "model", "m", "", "YAML model description (required)")
	fl.StringVarP(&f.config, "config", "c", "", "YAML slicing config; inferred when empty")
	fl.StringVar(&f.deviceIDs, "devices", "", "comma separated device ids, e.g. 0,1")
	fl.IntVarP(&f.parts, "parts", "n", 0, "number of shards when --devices is not given")
	fl.StringVar(&f.policy, "policy", "contiguous", "split policy: contiguous or strided")
	fl.StringVar(&f.embedding, "embedding", "dim", "embedding split: dim or vocab")
	fl.BoolVar(&f.sharded, "sharded", false, "shard replicated parameters across devices")
	fl.StringSliceVar(&f.names, "sharded-params", nil, "parameters to shard (paths or globs)")
	fl.IntVar(&f.outputDev, "output-device", 0, "index of the device outputs are returned on")
	_ = cmd.MarkFlagRequired("model")
}

func (f *modelFlags) load() (*modelspec.Model, error) {
	return modelspec.LoadFile(f.model)
}

// devices returns the devices selected by --devices or --parts.
func (f *modelFlags) devices() (device.List, error) {
	if f.deviceIDs != "" {
		ids, err := device.ParseIDs(f.deviceIDs)
		if err != nil {
			return device.List{}, err
		}
		all, err := device.Default()
		if err != nil {
			return device.List{}, err
		}
		return all.Select(ids...)
	}
	if f.parts > 0 {
		return device.Probe(device.ProbeOptions{Count: f.parts})
	}
	return device.Default()
}

func (f *modelFlags) splitPolicy() (slicing.SplitPolicy, error) {
	return slicing.ParseSplitPolicy(f.policy)
}

func (f *modelFlags) embeddingStrategy() (slicing.EmbeddingStrategy, error) {
	switch strings.ToLower(f.embedding) {
	case "dim":
		return slicing.EmbedSplitDim, nil
	case "vocab":
		return slicing.EmbedSplitVocab, nil
	default:
		return 0, errors.Errorf("unknown embedding split %q", f.embedding)
	}
}

// slicingConfig returns the explicit config, or the one inferred for n parts.
func (f *modelFlags) slicingConfig(model nn.Module, n int) (*slicing.Config, error) {
	policy, err := f.splitPolicy()
	if err != nil {
		return nil, err
	}
	if f.config != "" {
		cfg, err := slicing.LoadConfigFile(f.config)
		if err != nil {
			return nil, err
		}
		cfg.Policy = policy
		return cfg, nil
	}
	strategy, err := f.embeddingStrategy()
	if err != nil {
		return nil, err
	}
	return slicing.BuildConfig(model, n, slicing.WithPolicy(policy), slicing.WithEmbeddingStrategy(strategy))
}

// options turns the flags into TensorParallel options. Devices are left
// to the caller since process mode picks its own.
func (f *modelFlags) options(cmd *cobra.Command) ([]tp.Option, error) {
	policy, err := f.splitPolicy()
	if err != nil {
		return nil, err
	}
	strategy, err := f.embeddingStrategy()
	if err != nil {
		return nil, err
	}
	opts := []tp.Option{
		tp.WithSplitPolicy(policy),
		tp.WithEmbeddingStrategy(strategy),
		tp.WithOutputDevice(f.outputDev),
	}
	if f.config != "" {
		cfg, err := slicing.LoadConfigFile(f.config)
		if err != nil {
			return nil, err
		}
		opts = append(opts, tp.WithConfig(cfg))
	}
	if cmd.Flags().Changed("sharded") {
		opts = append(opts, tp.WithSharded(f.sharded))
	}
	if len(f.names) > 0 {
		opts = append(opts, tp.WithShardedParamNames(f.names...))
	}
	return opts, nil
}

// shardProgress draws a progress bar over shard construction.
func shardProgress(description string) shard.ProgressFunc {
	var bar *progressbar.ProgressBar
	return func(done, total int) {
		if bar == nil {
			bar = progressbar.NewOptions(total,
				progressbar.OptionSetDescription(description),
				progressbar.OptionShowCount(),
				progressbar.OptionClearOnFinish(),
			)
		}
		_ = bar.Set(done)
	}
}

// sampleInput draws a batch the model's first operator accepts: token ids
// for an embedding, images for a convolution, feature rows otherwise.
func sampleInput(model nn.Module, batch, seq, size int, rng *rand.Rand) (*tensor.Tensor, error) {
	leaves := nn.Leaves(model)
	if len(leaves) == 0 {
		return nil, errors.New("model has no operators")
	}
	switch m := leaves[0].Module.(type) {
	case *nn.Embedding:
		ids := make([]float32, batch*seq)
		for i := range ids {
			ids[i] = float32(rng.Intn(m.NumEmbed()))
		}
		return tensor.FromSlice(ids, tensor.Shape{batch, seq})
	case *nn.Conv2D:
		return tensor.Randn(tensor.Shape{batch, m.InChannels(), size, size}, rng), nil
	case *nn.Linear:
		return tensor.Randn(tensor.Shape{batch, m.InFeatures()}, rng), nil
	default:
		return nil, errors.Errorf("cannot draw inputs for a model starting with %s", leaves[0].Module.Kind())
	}
}
