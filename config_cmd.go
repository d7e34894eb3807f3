package main

import (
	"errors"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/drivebridge/internal/backend"
	"github.com/tonimelisma/drivebridge/internal/config"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
	}

	cmd.AddCommand(newConfigShowCmd())

	return cmd
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Display effective configuration after all overrides",
		RunE:  runConfigShow,
	}
}

func runConfigShow(_ *cobra.Command, _ []string) error {
	if resolvedCfg == nil {
		return errors.New("no configuration loaded")
	}

	if flagJSON {
		return printJSON(os.Stdout, resolvedCfg.Redacted())
	}

	return config.RenderEffective(resolvedCfg, os.Stdout)
}

func newBackendsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "backends",
		Short: "List configured backends and supported kinds",
		Args:  cobra.NoArgs,
		RunE:  runBackends,
	}
}

func runBackends(_ *cobra.Command, _ []string) error {
	path := config.ConfigPath(config.ReadEnvOverrides(), config.CLIOverrides{ConfigPath: flagConfigPath})

	cfg, err := config.LoadOrDefault(path)
	if err != nil {
		return err
	}

	if flagJSON {
		names := cfg.BackendNames()
		if names == nil {
			names = []string{}
		}

		return printJSON(os.Stdout, map[string][]string{
			"backends": names,
			"kinds":    backend.Kinds(),
		})
	}

	if len(cfg.Backends) == 0 {
		statusf("No backends configured in %s\n", path)
	}

	if err := config.RenderBackends(cfg, os.Stdout); err != nil {
		return err
	}

	statusf("Supported kinds: %s\n", strings.Join(backend.Kinds(), ", "))

	return nil
}
