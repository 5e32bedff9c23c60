package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/born-ml/tensorparallel/internal/generate"
	"github.com/born-ml/tensorparallel/internal/tokenizer"
	"github.com/born-ml/tensorparallel/tp"
)

type generateFlags struct {
	modelFlags
	tokenizer   string
	maxTokens   int
	temperature float32
	topK        int
	topP        float32
	penalty     float32
	seed        int64
	stops       []string
}

func generateCmd() *cobra.Command {
	var f generateFlags
	cmd := &cobra.Command{
		Use:   "generate [prompt]",
		Short: "Generate text with a parallel causal language model",
		Long: `Splits a causal-lm model across devices and decodes a completion of the
prompt. The tokenizer's ids must fit in the model vocabulary; the "bytes"
tokenizer needs at least 257 entries.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return f.generate(cmd, strings.Join(args, " "))
		},
	}
	f.register(cmd)
	fl := cmd.Flags()
	fl.StringVar(&f.tokenizer, "tokenizer", tokenizer.BytesName, "tokenizer: bytes or a tiktoken encoding such as cl100k_base")
	fl.IntVar(&f.maxTokens, "max-tokens", 32, "maximum number of generated tokens")
	fl.Float32Var(&f.temperature, "temperature", 0, "sampling temperature, 0 for greedy decoding")
	fl.IntVar(&f.topK, "top-k", 0, "keep the k most likely tokens, 0 keeps all")
	fl.Float32Var(&f.topP, "top-p", 0, "nucleus sampling mass, 0 keeps all")
	fl.Float32Var(&f.penalty, "repeat-penalty", 1, "penalty on recently generated tokens")
	fl.Int64Var(&f.seed, "seed", -1, "sampling seed, negative for a random one")
	fl.StringSliceVar(&f.stops, "stop", nil, "stop once the output ends with one of these")
	return cmd
}

func (f *generateFlags) generate(cmd *cobra.Command, prompt string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	model, err := f.load()
	if err != nil {
		return err
	}
	tok, err := tokenizer.New(f.tokenizer)
	if err != nil {
		return err
	}
	if err := tokenizer.CheckVocab(tok, model.Config().VocabSize); err != nil {
		return err
	}
	devices, err := f.devices()
	if err != nil {
		return err
	}
	opts, err := f.options(cmd)
	if err != nil {
		return err
	}
	opts = append(opts, tp.WithDevices(devices))
	if !cmd.Flags().Changed("sharded") && len(f.names) == 0 {
		// Decoding never trains; keep full replicas unless asked.
		opts = append(opts, tp.WithSharded(false))
	}
	m, err := tp.TensorParallel(model, opts...)
	if err != nil {
		return err
	}
	defer m.Close()
	lm, ok := m.(*tp.Model)
	if !ok {
		return errors.Errorf("model %s does not carry a configuration record", f.model)
	}
	g, err := generate.New(lm, tok)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprint(out, prompt)
	var reason string
	err = g.Stream(ctx, prompt, generate.Config{
		MaxTokens:   f.maxTokens,
		StopStrings: f.stops,
		Sampling: generate.SamplingConfig{
			Temperature:   f.temperature,
			TopK:          f.topK,
			TopP:          f.topP,
			RepeatPenalty: f.penalty,
			RepeatWindow:  64,
			Seed:          f.seed,
		},
	}, func(s generate.Step) bool {
		fmt.Fprint(out, s.Token)
		reason = s.Reason
		return true
	})
	fmt.Fprintln(out)
	if err != nil {
		return err
	}
	if reason != "" {
		fmt.Fprintf(cmd.ErrOrStderr(), "[stopped: %s]\n", reason)
	}
	return nil
}
