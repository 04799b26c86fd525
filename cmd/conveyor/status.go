package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/conveyor-dev/conveyor/pkg/models"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show tasks grouped by placement",
	Run: func(cmd *cobra.Command, args []string) {
		db := openDB()
		defer db.Close()

		tasks, err := db.ListTasks("")
		if err != nil {
			fail("listing tasks: %v", err)
		}

		byPlacement := make(map[models.Placement][]models.Task)
		for _, task := range tasks {
			byPlacement[task.Placement] = append(byPlacement[task.Placement], task)
		}

		bold := color.New(color.Bold)
		order := []models.Placement{
			models.PlacementActive,
			models.PlacementAwaitingReview,
			models.PlacementBacklog,
			models.PlacementDone,
		}
		for _, placement := range order {
			group := byPlacement[placement]
			if len(group) == 0 {
				continue
			}
			bold.Printf("%s (%d)\n", placement, len(group))
			for _, task := range group {
				printTaskLine(&task)
			}
			fmt.Println()
		}
		if len(tasks) == 0 {
			fmt.Println("No tasks.")
		}
	},
}
