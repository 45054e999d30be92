package cli

import (
	"fmt"
	"sort"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/chatrelay/chatrelay/internal/config"
	"github.com/chatrelay/chatrelay/internal/daemon"
	"github.com/chatrelay/chatrelay/pkg/gateway"
	"github.com/chatrelay/chatrelay/pkg/platform"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration file",
	Long: `Load the configuration file and report every problem found,
without starting the gateway. Exits non-zero if any platform section
is misconfigured.`,
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	loader := config.NewLoader(cfgFile)
	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	registry := gateway.NewRegistry()
	if err := daemon.RegisterPlatforms(registry); err != nil {
		return err
	}

	validator := gateway.NewConfigValidator(registry, zerolog.Nop())
	report := validator.Validate(cfg.Platforms)
	if len(report) == 0 {
		path, _ := loader.Path()
		cmd.Printf("Configuration OK: %s\n", path)
		return nil
	}

	platforms := make([]string, 0, len(report))
	for t := range report {
		platforms = append(platforms, string(t))
	}
	sort.Strings(platforms)

	for _, p := range platforms {
		for _, problem := range report[platform.PlatformType(p)] {
			cmd.Printf("%s: %s\n", p, problem)
		}
	}
	return fmt.Errorf("%d platform(s) misconfigured", len(report))
}
