package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/tensorparallel/tp"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestProbe(t *testing.T) {
	out, err := execute(t, "probe", "-n", "3")
	require.NoError(t, err)
	assert.Contains(t, out, "THREADS")
	assert.Contains(t, out, "cpu")
}

func TestPlan(t *testing.T) {
	out, err := execute(t, "plan", "-m", "testdata/ff.yaml", "-n", "2")
	require.NoError(t, err)
	assert.Contains(t, out, "feed-forward")
	assert.Contains(t, out, "fc1")
	assert.Contains(t, out, "original")

	out, err = execute(t, "plan", "-m", "testdata/ff.yaml", "-n", "2", "--dump-config")
	require.NoError(t, err)
	assert.Contains(t, out, "num_parts: 2")

	_, err = execute(t, "plan", "-m", "testdata/ff.yaml", "-n", "3")
	assert.True(t, tp.IsConfig(err), "got %v", err)
}

func TestRun(t *testing.T) {
	for name, args := range map[string][]string{
		"threads":        {"run", "-m", "testdata/ff.yaml", "-n", "2", "--backward"},
		"strided":        {"run", "-m", "testdata/ff.yaml", "-n", "2", "--policy", "strided", "--sharded"},
		"explicit":       {"run", "-m", "testdata/ff.yaml", "-n", "2", "-c", "testdata/ff-config.yaml", "--backward"},
		"processes":      {"run", "-m", "testdata/ff.yaml", "-n", "2", "--processes", "--backward"},
		"language model": {"run", "-m", "testdata/byte-lm.yaml", "-n", "2", "--embedding", "vocab"},
	} {
		t.Run(name, func(t *testing.T) {
			out, err := execute(t, args...)
			require.NoError(t, err, out)
			assert.Contains(t, out, "output diff")
		})
	}
}

func TestRun_Steps(t *testing.T) {
	for name, args := range map[string][]string{
		"threads":   {"run", "-m", "testdata/ff.yaml", "-n", "2", "--steps", "3"},
		"overlay":   {"run", "-m", "testdata/ff.yaml", "-n", "2", "--sharded", "--steps", "2", "--lr", "0.1"},
		"processes": {"run", "-m", "testdata/ff.yaml", "-n", "2", "--processes", "--steps", "2"},
	} {
		t.Run(name, func(t *testing.T) {
			out, err := execute(t, args...)
			require.NoError(t, err, out)
			assert.Contains(t, out, "steps: output diff")
		})
	}
}

func TestRun_ProcessesRejectSharding(t *testing.T) {
	_, err := execute(t, "run", "-m", "testdata/ff.yaml", "-n", "2", "--processes", "--sharded")
	assert.True(t, tp.IsConfig(err), "got %v", err)
}

func TestGenerate(t *testing.T) {
	out, err := execute(t, "generate", "-m", "testdata/byte-lm.yaml", "-n", "2", "--max-tokens", "5", "hello")
	require.NoError(t, err)
	assert.Contains(t, out, "hello")

	_, err = execute(t, "generate", "-m", "testdata/ff.yaml", "-n", "2", "hi")
	assert.Error(t, err)
}
