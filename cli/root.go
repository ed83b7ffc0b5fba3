package main

import (
	"fmt"

	"github.com/davecgh/go-spew/spew"
	"github.com/helios-os/ldso/loader"
	"github.com/spf13/cobra"
	"github.com/xyproto/env/v2"
)

var (
	trace      bool
	searchPath []string
	entryName  string
)

var rootCmd = &cobra.Command{
	Use:          "ldso",
	Short:        "Load, inspect, and run ELF64 shared objects with the helios dynamic linker",
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run <shared object>",
	Short: "Load a shared object and call an exported function",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := newLoaderContext()
		handle, err := ctx.Resolve(args[0])
		if err != nil {
			return err
		}
		result, err := ctx.CallExport(handle, entryName)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s returned %#x\n", entryName, result)
		return nil
	},
}

var symCmd = &cobra.Command{
	Use:   "sym <shared object> <symbol>",
	Short: "Load a shared object and resolve a symbol address",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := newLoaderContext()
		handle, err := ctx.Resolve(args[0])
		if err != nil {
			return err
		}
		addr, err := ctx.Lookup(handle, args[1])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s = %#x\n", args[1], addr)
		return nil
	},
}

var depsCmd = &cobra.Command{
	Use:   "deps <shared object>",
	Short: "Print the recursive dependency closure without loading anything",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		seen := make(map[string]bool)
		return printDeps(cmd, args[0], seen)
	},
}

var inspectCmd = &cobra.Command{
	Use:   "inspect <shared object>",
	Short: "Dump the parsed header, segments, and dynamic metadata",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		info, err := loader.InspectFile(args[0])
		if err != nil {
			return err
		}
		spew.Fdump(cmd.OutOrStdout(), info)
		return nil
	},
}

func newLoaderContext() *loader.Context {
	ctx := loader.NewContext()
	ctx.SetSearchPath(searchPath...)
	ctx.SetTrace(trace)
	return ctx
}

func printDeps(cmd *cobra.Command, path string, seen map[string]bool) error {
	info, err := loader.InspectFile(path)
	if err != nil {
		return err
	}
	for _, name := range info.Needed {
		if seen[name] {
			continue
		}
		seen[name] = true
		dep, err := loader.Locate(name, searchPath)
		if err != nil {
			fmt.Fprintf(cmd.OutOrStdout(), "%s => not found\n", name)
			continue
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s => %s\n", name, dep)
		if err := printDeps(cmd, dep, seen); err != nil {
			return err
		}
	}
	return nil
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&trace, "trace", env.Bool("LDSO_TRACE"),
		"Report each object as it is mapped")
	rootCmd.PersistentFlags().StringSliceVar(&searchPath, "search-path", loader.DefaultSearchPath(),
		"Dependency search directories, in order")
	runCmd.Flags().StringVar(&entryName, "entry", env.Str("LDSO_ENTRY", "main"),
		"Entry symbol to resolve and call")

	rootCmd.AddCommand(runCmd, symCmd, depsCmd, inspectCmd)
}
