package main

import (
	"os/user"
	"path/filepath"
	"testing"

	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/superres/pkg/ml/layers/srblocks"
	"github.com/gomlx/superres/pkg/ml/srmodel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestModelFlags(t *testing.T) {
	ctx := srmodel.CreateDefaultContext()
	fs := newFlagSet("train", "")
	settings := settingsFlag(fs, ctx)
	addModelFlags(fs, ctx)
	require.NoError(t, fs.Parse([]string{"-n_feats=8", "-set=scale_factor=2;batchnorm_impl=graph", "-v=0"}))

	paramsSet, err := commandline.ParseContextSettings(ctx, *settings)
	require.NoError(t, err)
	paramsSet = append(paramsSet, paramsSetByFlags(fs, ctx)...)
	assert.ElementsMatch(t, []string{"n_feats", srmodel.ParamScaleFactor, srblocks.ParamBatchNormImpl}, paramsSet,
		"only parameters explicitly set are listed, klog flags are not parameters")
	assert.Equal(t, 8, context.GetParamOr(ctx, "n_feats", 0))
	assert.Equal(t, 2, context.GetParamOr(ctx, srmodel.ParamScaleFactor, 0))
	assert.Equal(t, "graph", context.GetParamOr(ctx, srblocks.ParamBatchNormImpl, ""))
	assert.Equal(t, 16, context.GetParamOr(ctx, "n_resblocks", 0), "unset flags keep the default")

	// The -set help lists the parameters with their defaults.
	assert.Contains(t, fs.Lookup("set").Usage, `"patch_size": 96`)

	// Unknown parameters are rejected.
	_, err = commandline.ParseContextSettings(ctx, "no_such_param=1")
	require.Error(t, err)
}

func TestRequiredPath(t *testing.T) {
	_, err := requiredPath("data", "")
	require.ErrorContains(t, err, "-data")

	path, err := requiredPath("data", "/tmp/images")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/images", path)

	usr, err := user.Current()
	require.NoError(t, err)
	path, err = requiredPath("checkpoint", "~/runs/x4")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(usr.HomeDir, "runs", "x4"), path)
}

func TestCommands(t *testing.T) {
	names := make(map[string]bool)
	for _, cmd := range commands {
		assert.NotNil(t, cmd.run, cmd.name)
		assert.NotEmpty(t, cmd.description, cmd.name)
		names[cmd.name] = true
	}
	assert.Equal(t, map[string]bool{"train": true, "upscale": true, "eval": true, "summary": true}, names)
}
