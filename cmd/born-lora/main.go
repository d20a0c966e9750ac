// Package main provides the born-lora CLI.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
)

const version = "v0.1.0-dev"

const usage = `born-lora - low-rank adaptation surgery for Born models

Usage:
  born-lora <command> [flags]

Commands:
  inspect    List the augmented layers of a patched pipeline or a bundle
  convert    Convert a legacy .lora file set into a bundle
  merge      Bake corrections into the base weights and write checkpoints
  extract    Patch a pipeline and save its corrections again
  version    Show version

Run "born-lora <command> -h" for the flags of a command.
`

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		os.Exit(1)
	}
}

func run(args []string, stdout io.Writer) error {
	if len(args) == 0 {
		fmt.Fprint(stdout, usage)
		return nil
	}
	cmd, rest := args[0], args[1:]
	switch cmd {
	case "inspect":
		return runInspect(rest, stdout)
	case "convert":
		return runConvert(rest, stdout)
	case "merge":
		return runMerge(rest, stdout)
	case "extract":
		return runExtract(rest, stdout)
	case "version":
		fmt.Fprintf(stdout, "born-lora %s\n", version)
		return nil
	case "help", "-h", "--help":
		fmt.Fprint(stdout, usage)
		return nil
	default:
		return fmt.Errorf("unknown command %q (run born-lora help)", cmd)
	}
}
