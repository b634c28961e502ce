package main

import (
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"opsignal"
)

func main() {
	// Load .env file if present. The pipeline runs fully offline without
	// an API key, so a missing file is not fatal.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("Error loading .env file: %v", err)
	}

	opsignal.Config.OpenAIAPIKey = os.Getenv("OPENAI_API_KEY")
	opsignal.Config.EmbeddingModel = os.Getenv("OPSIGNAL_EMBEDDING_MODEL")

	rootCmd := &cobra.Command{
		Use:   "opsignal",
		Short: "Operational Signal Intelligence CLI",
	}

	rootCmd.AddCommand(opsignal.ClassifySignalsCmd)
	rootCmd.AddCommand(opsignal.GenerateFeaturesCmd)
	rootCmd.AddCommand(opsignal.ClusterSignalsCmd)
	rootCmd.AddCommand(opsignal.GenerateReportCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(cleanCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the full pipeline: classify-signals -> generate-features -> cluster-signals -> generate-report",
	Run: func(cmd *cobra.Command, args []string) {
		log.Println("Running full pipeline...")
		opsignal.ClassifySignalsCmd.Run(cmd, args)
		opsignal.GenerateFeaturesCmd.Run(cmd, args)
		opsignal.ClusterSignalsCmd.Run(cmd, args)
		opsignal.GenerateReportCmd.Run(cmd, args)
		log.Println("Pipeline complete.")
	},
}

var watchSchedule string

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Run the full pipeline on a cron schedule",
	Run: func(cmd *cobra.Command, args []string) {
		schedule := strings.TrimSpace(watchSchedule)
		parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
		sched, err := parser.Parse(schedule)
		if err != nil {
			log.Fatalf("Invalid schedule %q: %v", schedule, err)
		}

		log.Printf("Pipeline scheduled (cron: %s)", schedule)
		for {
			now := time.Now()
			next := sched.Next(now)
			log.Printf("Next pipeline run at %s (in %s)", next.Format("Mon Jan 2 15:04"), next.Sub(now).Round(time.Minute))
			time.Sleep(next.Sub(now))
			runCmd.Run(cmd, args)
		}
	},
}

func init() {
	watchCmd.Flags().StringVar(&watchSchedule, "schedule", "0 7 * * 1-5", "5-field cron expression for pipeline runs")
}

var cleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Clean classifications, clusters, and reports",
	Run: func(cmd *cobra.Command, args []string) {
		dirs := []string{"classifications", "clusters"}
		for _, dir := range dirs {
			files, err := os.ReadDir(dir)
			if err != nil {
				log.Printf("Failed to read %s: %v", dir, err)
				continue
			}
			for _, file := range files {
				if file.IsDir() {
					continue
				}
				if err := os.Remove(filepath.Join(dir, file.Name())); err != nil {
					log.Printf("Failed to remove %s: %v", file.Name(), err)
				}
			}
		}

		for _, name := range []string{"report.md", "report.html"} {
			if err := os.Remove(name); err != nil && !os.IsNotExist(err) {
				log.Printf("Failed to remove %s: %v", name, err)
			}
		}

		log.Println("Cleaned classifications, clusters directories and reports.")
	},
}
