package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tpde-go/tpde"
	"github.com/tpde-go/tpde/internal/engine/tpde/ir/text"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "tpdec",
		Short: "tpdec — single-pass compiler from textual IR to ELF objects",
	}

	var output string
	var targetName string

	compileCmd := &cobra.Command{
		Use:   "compile <file.tir>",
		Short: "Compile a textual IR module to a relocatable ELF object",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := parseTarget(targetName)
			if err != nil {
				return err
			}

			in, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer in.Close()

			module, err := text.Parse(in)
			if err != nil {
				return fmt.Errorf("parsing %s: %w", args[0], err)
			}

			obj, err := tpde.NewCompiler(tpde.WithTarget(target)).CompileModule(module)
			if err != nil {
				return err
			}

			out := output
			if out == "" {
				out = strings.TrimSuffix(args[0], ".tir") + ".o"
			}
			return os.WriteFile(out, obj, 0644)
		},
	}
	compileCmd.Flags().StringVarP(&output, "output", "o", "", "output object file (default: input with .o suffix)")
	compileCmd.Flags().StringVar(&targetName, "target", "amd64", "target ISA: amd64 or arm64")
	rootCmd.AddCommand(compileCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "tpdec:", err)
		os.Exit(1)
	}
}

func parseTarget(name string) (tpde.Target, error) {
	switch name {
	case "amd64", "x86_64":
		return tpde.TargetAMD64, nil
	case "arm64", "aarch64":
		return tpde.TargetARM64, nil
	default:
		return 0, fmt.Errorf("unknown target %q (want amd64 or arm64)", name)
	}
}
