package main

import (
	"fmt"

	"github.com/go-go-golems/glazed/pkg/cli"
	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/layers"
	"github.com/spf13/cobra"
)

// executeCLI returns root-level errors such as a missing command. Glazed
// reports subcommand failures itself and exits with status 1.
func executeCLI(args []string) error {
	rootCmd, err := newRootCommand()
	if err != nil {
		return err
	}
	rootCmd.SetArgs(args)
	return rootCmd.Execute()
}

func newRootCommand() (*cobra.Command, error) {
	rootCmd := &cobra.Command{
		Use:           "bfgsync",
		Short:         "read planning data from and run static calculations on the BFG platform",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			printUsage()
			return fmt.Errorf("command is required")
		},
	}
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	defaultHelpFunc := rootCmd.HelpFunc()
	rootCmd.SetHelpFunc(func(cmd *cobra.Command, args []string) {
		if cmd == rootCmd {
			printUsage()
			return
		}
		defaultHelpFunc(cmd, args)
	})

	constructors := []func() (cmds.Command, error){
		func() (cmds.Command, error) { return newFetchGlazedCommand() },
		func() (cmds.Command, error) { return newMyUsersGlazedCommand() },
		func() (cmds.Command, error) { return newOrdersGlazedCommand() },
		func() (cmds.Command, error) { return newSpecGlazedCommand() },
		func() (cmds.Command, error) { return newLastDepartmentGlazedCommand() },
		func() (cmds.Command, error) { return newImportPlanGlazedCommand() },
		func() (cmds.Command, error) { return newDeletePlanGlazedCommand() },
		func() (cmds.Command, error) { return newStaticGlazedCommand() },
		func() (cmds.Command, error) { return newDeleteStaticGlazedCommand() },
		func() (cmds.Command, error) { return newEventsGlazedCommand() },
		func() (cmds.Command, error) { return newConfigInitGlazedCommand() },
	}
	for _, construct := range constructors {
		command, err := construct()
		if err != nil {
			return nil, err
		}
		cobraCommand, err := buildGlazedCobraCommand(command)
		if err != nil {
			return nil, err
		}
		rootCmd.AddCommand(cobraCommand)
	}

	return rootCmd, nil
}

func buildGlazedCobraCommand(command cmds.Command) (*cobra.Command, error) {
	return cli.BuildCobraCommand(
		command,
		cli.WithParserConfig(cli.CobraParserConfig{
			ShortHelpLayers: []string{layers.DefaultSlug},
			MiddlewaresFunc: cli.CobraCommandDefaultMiddlewares,
		}),
		cli.WithCobraMiddlewaresFunc(cli.CobraCommandDefaultMiddlewares),
		cli.WithCobraShortHelpLayers(layers.DefaultSlug),
	)
}
