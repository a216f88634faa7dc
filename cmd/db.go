package cmd

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/zjrosen/adw/internal/log"
	"github.com/zjrosen/adw/internal/store"
)

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "State store maintenance commands",
}

var dedupeCmd = &cobra.Command{
	Use:   "dedupe",
	Short: "Repair duplicate issue numbers in the tracker",
	Long: `Scan the issue tracker for duplicate issue numbers (a legacy corruption
mode) and reassign every duplicate beyond the oldest record to a fresh number,
updating any workflow records that referenced the old one.`,
	RunE: runDedupe,
}

var (
	stuckThresholdFlag time.Duration
	stuckADWIDFlag     string
)

var detectStuckCmd = &cobra.Command{
	Use:   "detect-stuck",
	Short: "Flag in-progress workflows with no recent updates",
	RunE:  runDetectStuck,
}

func init() {
	rootCmd.AddCommand(dbCmd)
	dbCmd.AddCommand(dedupeCmd)
	dbCmd.AddCommand(detectStuckCmd)

	detectStuckCmd.Flags().DurationVar(&stuckThresholdFlag, "threshold", 30*time.Minute,
		"age at which an in-progress workflow counts as stuck")
	detectStuckCmd.Flags().StringVar(&stuckADWIDFlag, "adw-id", "",
		"limit the check to a single workflow")
}

func openMaintenanceStore() (*store.Store, error) {
	log.SetEnabled(false)

	dbPath := cfg.Store.Path
	if !filepath.IsAbs(dbPath) {
		dbPath = filepath.Join(cfg.ProjectRoot, dbPath)
	}
	s, err := store.Open(dbPath, nil)
	if err != nil {
		return nil, fmt.Errorf("opening state store at %s: %w", dbPath, err)
	}
	return s, nil
}

func runDedupe(cmd *cobra.Command, _ []string) error {
	s, err := openMaintenanceStore()
	if err != nil {
		return err
	}
	defer s.Close()

	report, err := s.DeduplicateIssueNumbers(cmd.Context())
	if err != nil {
		return fmt.Errorf("deduplicating issue numbers: %w", err)
	}

	fmt.Printf("Duplicates found:   %d\n", report.DuplicatesFound)
	fmt.Printf("Records reassigned: %d\n", report.RecordsReassigned)
	for _, r := range report.Reassignments {
		label := r.ADWID
		if label == "" {
			label = r.IssueTitle
		}
		fmt.Printf("  %s: #%d -> #%d\n", label, r.OldNumber, r.NewNumber)
	}
	return nil
}

func runDetectStuck(cmd *cobra.Command, _ []string) error {
	s, err := openMaintenanceStore()
	if err != nil {
		return err
	}
	defer s.Close()

	n, err := s.DetectStuck(cmd.Context(), stuckThresholdFlag, stuckADWIDFlag)
	if err != nil {
		return fmt.Errorf("detecting stuck workflows: %w", err)
	}
	fmt.Printf("Flagged %d stuck workflow(s) (threshold %s)\n", n, stuckThresholdFlag)
	return nil
}
