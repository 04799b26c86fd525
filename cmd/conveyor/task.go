package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/conveyor-dev/conveyor/pkg/models"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Manage tasks",
}

var (
	taskAddProject string
	taskAddDesc    string
	taskAddIssue   int
	taskAddRepo    string
)

var taskAddCmd = &cobra.Command{
	Use:   "add <title>",
	Short: "Add a task to a project's backlog",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		db := openDB()
		defer db.Close()

		project, err := db.GetProject(taskAddProject)
		if err != nil {
			fail("loading project: %v", err)
		}
		if project == nil {
			fail("project %s not found", taskAddProject)
		}

		repo := taskAddRepo
		if repo == "" {
			repo = project.Repo
		}
		task := &models.Task{
			ID:          uuid.New().String(),
			ProjectID:   project.ID,
			Title:       args[0],
			Description: taskAddDesc,
			Placement:   models.PlacementBacklog,
			IssueNumber: taskAddIssue,
			Repo:        repo,
		}
		if err := db.CreateTask(task); err != nil {
			fail("creating task: %v", err)
		}
		color.Green("Added task to %s backlog", project.Name)
		fmt.Printf("  id: %s\n", task.ID)
	},
}

var taskListProject string

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks",
	Run: func(cmd *cobra.Command, args []string) {
		db := openDB()
		defer db.Close()

		tasks, err := db.ListTasks(taskListProject)
		if err != nil {
			fail("listing tasks: %v", err)
		}
		if len(tasks) == 0 {
			fmt.Println("No tasks.")
			return
		}
		for _, task := range tasks {
			printTaskLine(&task)
		}
	},
}

func printTaskLine(task *models.Task) {
	placement := string(task.Placement)
	switch task.Placement {
	case models.PlacementActive:
		placement = color.YellowString(placement)
		if task.PipelineStage != "" {
			placement += ":" + task.PipelineStage
		}
	case models.PlacementDone:
		placement = color.GreenString(placement)
	case models.PlacementAwaitingReview:
		placement = color.CyanString(placement)
	}
	fmt.Printf("%s  [%s]  %s\n", task.ID, placement, task.Title)
}

func init() {
	taskAddCmd.Flags().StringVar(&taskAddProject, "project", "", "Project ID (required)")
	taskAddCmd.Flags().StringVar(&taskAddDesc, "desc", "", "Task description")
	taskAddCmd.Flags().IntVar(&taskAddIssue, "issue", 0, "Tracker issue number")
	taskAddCmd.Flags().StringVar(&taskAddRepo, "repo", "", "Tracker repository (defaults to the project's)")
	taskAddCmd.MarkFlagRequired("project")

	taskCmd.AddCommand(taskAddCmd)
	taskCmd.AddCommand(taskListCmd)
	taskListCmd.Flags().StringVar(&taskListProject, "project", "", "Filter by project ID")
}
