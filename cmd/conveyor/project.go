package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/conveyor-dev/conveyor/internal/config"
	"github.com/conveyor-dev/conveyor/internal/store"
	"github.com/conveyor-dev/conveyor/pkg/models"
)

var projectCmd = &cobra.Command{
	Use:   "project",
	Short: "Manage projects",
}

var projectAddRepo string

var projectAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Register a project",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		db := openDB()
		defer db.Close()

		p := &models.Project{
			ID:   uuid.New().String(),
			Name: args[0],
			Repo: projectAddRepo,
		}
		if err := db.CreateProject(p); err != nil {
			fail("creating project: %v", err)
		}
		color.Green("Created project %s", p.Name)
		fmt.Printf("  id: %s\n", p.ID)
	},
}

var projectListCmd = &cobra.Command{
	Use:   "list",
	Short: "List projects",
	Run: func(cmd *cobra.Command, args []string) {
		db := openDB()
		defer db.Close()

		projects, err := db.ListProjects()
		if err != nil {
			fail("listing projects: %v", err)
		}
		if len(projects) == 0 {
			fmt.Println("No projects registered.")
			return
		}
		for _, p := range projects {
			fmt.Printf("%s  %s", p.ID, color.New(color.Bold).Sprint(p.Name))
			if p.Repo != "" {
				fmt.Printf("  (%s)", p.Repo)
			}
			fmt.Println()
		}
	},
}

func init() {
	projectAddCmd.Flags().StringVar(&projectAddRepo, "repo", "", "Tracker repository (owner/name)")
	projectCmd.AddCommand(projectAddCmd)
	projectCmd.AddCommand(projectListCmd)
}

// openDB opens and migrates the work-item store, exiting on failure.
func openDB() *store.DB {
	cfg, err := config.Load()
	if err != nil {
		fail("loading config: %v", err)
	}
	dbPath := cfg.Database.Path
	if dbPath == "" {
		dbPath = store.DefaultDBPath()
	}
	db, err := store.Open(dbPath)
	if err != nil {
		fail("opening work-item store: %v", err)
	}
	if err := db.Migrate(); err != nil {
		fail("migrating work-item store: %v", err)
	}
	return db
}
