// srresnet trains and runs SRResNet super-resolution models.
//
// Usage:
//
//	srresnet train -data=<hr images dir> [-eval_data=<dir>] -checkpoint=<dir> [-set="param=value;..."]
//	srresnet upscale -checkpoint=<dir> -out=<dir> <images...>
//	srresnet eval -checkpoint=<dir> -data=<hr images dir> [-csv=<file>]
//	srresnet summary [-checkpoint=<dir>] [-set="param=value;..."]
//
// Run "srresnet <command> -help" for the flags of each command.
package main

import (
	"flag"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/default"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/superres/pkg/ml/srmodel"
	"github.com/gomlx/superres/ui/summary"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/superres/pkg/ml/models/srresnet"
)

type command struct {
	name, description string
	run               func(args []string) error
}

var commands = []command{
	{"train", "trains a model, continuing from the checkpoint if there is one.", runTrain},
	{"upscale", "upscales images with a trained model.", runUpscale},
	{"eval", "compares the PSNR of the model with bicubic upscaling on a directory of high-resolution images.", runEval},
	{"summary", "describes the model structure, its hyperparameters and, with a checkpoint, its variables.", runSummary},
}

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: %s <command> [flags...]\n\nCommands:\n", os.Args[0])
	for _, cmd := range commands {
		fmt.Fprintf(os.Stderr, "  %-8s %s\n", cmd.name, cmd.description)
	}
	fmt.Fprintf(os.Stderr, "\nUse \"%s <command> -help\" for the flags of a command.\n", os.Args[0])
}

func main() {
	summary.ConfigureColors()
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	idx := slices.IndexFunc(commands, func(cmd command) bool { return cmd.name == os.Args[1] })
	if idx < 0 {
		if os.Args[1] != "-help" && os.Args[1] != "--help" && os.Args[1] != "help" {
			fmt.Fprintf(os.Stderr, "Unknown command %q.\n\n", os.Args[1])
		}
		usage()
		os.Exit(2)
	}
	cmd := commands[idx]
	if err := cmd.run(os.Args[2:]); err != nil {
		klog.Fatalf("%s failed: %+v", cmd.name, err)
	}
	klog.Flush()
}

// newFlagSet creates the flags of a command, including klog's.
func newFlagSet(name, args string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: %s %s [flags...] %s\n\nFlags:\n", os.Args[0], name, args)
		fs.PrintDefaults()
	}
	klog.InitFlags(fs)
	return fs
}

// settingsFlag registers the -set flag, used to set any hyperparameter of ctx. See commandline.ParseContextSettings.
func settingsFlag(fs *flag.FlagSet, ctx *context.Context) *string {
	parts := []string{
		`Set hyperparameters of the model, as a list of "param=value" separated by ";". ` +
			`Available parameters and their default values:`,
	}
	ctx.EnumerateParams(func(scope, key string, value any) {
		if scope != context.RootScope {
			return
		}
		parts = append(parts, fmt.Sprintf("%q: %v", key, value))
	})
	return fs.String("set", "", strings.Join(parts, "\n"))
}

// addModelFlags registers the model specific flags of every registered model.
func addModelFlags(fs *flag.FlagSet, ctx *context.Context) {
	for _, r := range srmodel.Registered() {
		if r.AddFlags != nil {
			r.AddFlags(fs, ctx)
		}
	}
}

// paramsSetByFlags returns the hyperparameters of ctx that were set by a flag with the same name.
func paramsSetByFlags(fs *flag.FlagSet, ctx *context.Context) (paramsSet []string) {
	fs.Visit(func(f *flag.Flag) {
		if _, found := ctx.GetParam(f.Name); found {
			paramsSet = append(paramsSet, f.Name)
		}
	})
	return
}

// checkpointFlag registers the -checkpoint flag.
func checkpointFlag(fs *flag.FlagSet, required bool) *string {
	help := "Directory where the model checkpoints are saved and loaded from."
	if required {
		help += " Required."
	}
	return fs.String("checkpoint", "", help)
}

// requiredPath returns the value of a required path flag, with a leading "~" replaced by the user's home directory.
func requiredPath(flagName, path string) (string, error) {
	if path == "" {
		return "", errors.Errorf("flag -%s is required", flagName)
	}
	return fsutil.ReplaceTildeInDir(path)
}

// newBackend creates the backend used for the computations, configured by $GOMLX_BACKEND.
func newBackend() backends.Backend {
	backend := backends.MustNew()
	klog.V(1).Infof("Backend %q: %s", backend.Name(), backend.Description())
	return backend
}
