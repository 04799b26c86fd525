package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/conveyor-dev/conveyor/internal/config"
	"github.com/conveyor-dev/conveyor/pkg/models"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage per-project pipeline configuration",
	Long: `View or modify a project's pipeline configuration: which stages are
enabled, per-stage executor templates, triage mode, and the target branch.

Configuration is stored at ~/.config/conveyor/projects.yaml and is
hot-reloaded by a running serve process.`,
}

var configStageDisable bool
var configStageEnable bool
var configStageTemplate string

var configShowCmd = &cobra.Command{
	Use:   "show <project-id>",
	Short: "Display a project's pipeline configuration",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		resolver := openResolver()
		cfg := resolver.PipelineConfig(args[0])

		bold := color.New(color.Bold)
		bold.Printf("Project %s\n", args[0])
		fmt.Printf("  pipeline: %s\n", enabledString(!cfg.Disabled))
		fmt.Printf("  triage: %s\n", cfg.TriageMode())
		fmt.Printf("  target branch: %s\n", resolver.TargetBranch(args[0]))
		bold.Println("  stages:")
		for _, stage := range models.ImplementationStages {
			settings := cfg.Stages[string(stage)]
			fmt.Printf("    %-10s %s  template: %s\n",
				stage, enabledString(!settings.Disabled), cfg.AgentTemplate(stage))
		}
	},
}

var configStageCmd = &cobra.Command{
	Use:   "stage <project-id> <stage>",
	Short: "Configure a pipeline stage for a project",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		projectID := args[0]
		stage := models.StageKey(args[1])
		if !stage.Valid() || stage == models.StageTriage {
			fail("unknown stage %q", args[1])
		}

		resolver := openResolver()
		cfg := resolver.PipelineConfig(projectID)
		if cfg.Stages == nil {
			cfg.Stages = make(map[string]config.StageSettings)
		}
		settings := cfg.Stages[string(stage)]
		if configStageDisable {
			settings.Disabled = true
		}
		if configStageEnable {
			settings.Disabled = false
		}
		if configStageTemplate != "" {
			settings.AgentTemplate = configStageTemplate
		}
		cfg.Stages[string(stage)] = settings

		if err := resolver.SetPipelineConfig(projectID, cfg); err != nil {
			fail("saving pipeline config: %v", err)
		}
		color.Green("Updated %s stage for project %s", stage, projectID)
	},
}

var configTriageCmd = &cobra.Command{
	Use:   "triage <project-id> <direct|agent>",
	Short: "Set a project's triage mode",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		mode := config.TriageMode(args[1])
		if mode != config.TriageDirect && mode != config.TriageAgent {
			fail("triage mode must be direct or agent, got %q", args[1])
		}

		resolver := openResolver()
		cfg := resolver.PipelineConfig(args[0])
		cfg.Triage = mode
		if err := resolver.SetPipelineConfig(args[0], cfg); err != nil {
			fail("saving pipeline config: %v", err)
		}
		color.Green("Triage mode for project %s set to %s", args[0], mode)
	},
}

var configBranchCmd = &cobra.Command{
	Use:   "branch <project-id> <branch>",
	Short: "Set a project's target branch",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		resolver := openResolver()
		if err := resolver.SetTargetBranch(args[0], args[1]); err != nil {
			fail("saving target branch: %v", err)
		}
		color.Green("Target branch for project %s set to %s", args[0], args[1])
	},
}

func init() {
	configStageCmd.Flags().BoolVar(&configStageDisable, "disable", false, "Remove the stage from the pipeline")
	configStageCmd.Flags().BoolVar(&configStageEnable, "enable", false, "Add the stage back to the pipeline")
	configStageCmd.Flags().StringVar(&configStageTemplate, "template", "", "Executor template override for the stage")

	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configStageCmd)
	configCmd.AddCommand(configTriageCmd)
	configCmd.AddCommand(configBranchCmd)
}

// openResolver opens the project config store, exiting on failure.
func openResolver() *config.Resolver {
	cfgStore, err := config.OpenStore(config.DefaultStorePath())
	if err != nil {
		fail("opening config store: %v", err)
	}
	return config.NewResolver(cfgStore)
}

func enabledString(enabled bool) string {
	if enabled {
		return color.GreenString("enabled")
	}
	return color.RedString("disabled")
}

func fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
