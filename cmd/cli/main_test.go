package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeModelFile(t *testing.T, src string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "model.hcl")
	require.NoError(t, os.WriteFile(path, []byte(src), 0o600))
	return path
}

func TestRun_EvaluatesTarget(t *testing.T) {
	t.Parallel()

	path := writeModelFile(t, `
space "Main" {
  cells "scale" {
    params  = ["n"]
    formula = "n * 2"
  }
}
`)
	out := &bytes.Buffer{}
	err := run(out, []string{path, "Main.scale", "21"})

	require.NoError(t, err)
	require.Equal(t, "42\n", out.String())
}

func TestRun_ListsStructureWithoutTarget(t *testing.T) {
	t.Parallel()

	path := writeModelFile(t, `
space "Main" {
  cells "scale" {
    params  = ["n"]
    formula = "n * 2"
  }
}
`)
	out := &bytes.Buffer{}
	err := run(out, []string{path})

	require.NoError(t, err)
	require.Contains(t, out.String(), "space Main")
	require.Contains(t, out.String(), "cells scale(n)")
}

func TestRun_InvalidModelFile(t *testing.T) {
	t.Parallel()

	path := writeModelFile(t, `space "Main" {`)
	out := &bytes.Buffer{}
	err := run(out, []string{path})

	require.Error(t, err)
	require.Contains(t, err.Error(), "parsing")
}

func TestRun_UnknownTarget(t *testing.T) {
	t.Parallel()

	path := writeModelFile(t, `space "Main" {}`)
	out := &bytes.Buffer{}
	err := run(out, []string{path, "Main.nosuch"})

	require.Error(t, err)
	require.Contains(t, err.Error(), "no cells")
}

func TestRun_ShouldExit(t *testing.T) {
	t.Parallel()

	out := &bytes.Buffer{}
	err := run(out, []string{"-h"})

	require.NoError(t, err, "run() should return a nil error when shouldExit is true")
	require.Contains(t, out.String(), "Usage:", "Expected help text to be printed to the output buffer")
}
