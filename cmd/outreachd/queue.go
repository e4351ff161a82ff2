package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ds1/outreach/internal/queue"
)

var (
	queueListStatus string
	queueListKind   string
	queueListLimit  int
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Queue management commands",
}

var queueStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show queue statistics",
	RunE:  runQueueStats,
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs in the queue",
	RunE:  runQueueList,
}

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Dead letter queue commands",
}

var dlqListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead-lettered jobs",
	RunE:  runDLQList,
}

var dlqRetryCmd = &cobra.Command{
	Use:   "retry <job_id>",
	Short: "Requeue a dead-lettered job",
	Args:  cobra.ExactArgs(1),
	RunE:  runDLQRetry,
}

var dlqDeleteCmd = &cobra.Command{
	Use:   "delete <job_id>",
	Short: "Permanently delete a dead-lettered job",
	Args:  cobra.ExactArgs(1),
	RunE:  runDLQDelete,
}

func init() {
	queueListCmd.Flags().StringVar(&queueListStatus, "status", "", "Filter by status (ready, processing, done, failed, delayed)")
	queueListCmd.Flags().StringVar(&queueListKind, "kind", "", "Filter by kind (send_step, synthesize_audio, run_escalation)")
	queueListCmd.Flags().IntVar(&queueListLimit, "limit", 50, "Maximum number of jobs to show")

	dlqCmd.AddCommand(dlqListCmd, dlqRetryCmd, dlqDeleteCmd)
	queueCmd.AddCommand(queueStatsCmd, queueListCmd, dlqCmd)
	rootCmd.AddCommand(queueCmd)
}

func openQueueStorage() (*queue.BoltStorage, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	storage, err := queue.NewBoltStorage(cfg.Queue.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open queue storage: %w", err)
	}
	return storage, nil
}

func runQueueStats(cmd *cobra.Command, args []string) error {
	storage, err := openQueueStorage()
	if err != nil {
		return err
	}
	defer storage.Close()

	ctx := context.Background()
	stats, err := storage.Stats(ctx)
	if err != nil {
		return fmt.Errorf("failed to get stats: %w", err)
	}
	dlq, err := storage.GetDLQStats(ctx)
	if err != nil {
		return fmt.Errorf("failed to get DLQ stats: %w", err)
	}

	fmt.Printf("Queue statistics:\n")
	fmt.Printf("  Ready:       %d\n", stats.Ready)
	fmt.Printf("  Processing:  %d\n", stats.Processing)
	fmt.Printf("  Delayed:     %d\n", stats.Delayed)
	fmt.Printf("  Done:        %d\n", stats.Done)
	fmt.Printf("  Failed:      %d\n", stats.Failed)
	fmt.Printf("  Total:       %d\n", stats.Total)
	fmt.Printf("Dead letters:  %d\n", dlq.Total)
	if !dlq.OldestAt.IsZero() {
		fmt.Printf("  Oldest:      %s\n", dlq.OldestAt.Format(time.RFC3339))
	}

	return nil
}

func runQueueList(cmd *cobra.Command, args []string) error {
	storage, err := openQueueStorage()
	if err != nil {
		return err
	}
	defer storage.Close()

	jobs, err := storage.List(context.Background(), queue.ListFilter{
		Status: queue.JobStatus(queueListStatus),
		Kind:   queue.JobKind(queueListKind),
		Limit:  queueListLimit,
	})
	if err != nil {
		return fmt.Errorf("failed to list jobs: %w", err)
	}

	if len(jobs) == 0 {
		fmt.Println("Queue is empty")
		return nil
	}

	printJobs(jobs)
	return nil
}

func runDLQList(cmd *cobra.Command, args []string) error {
	storage, err := openQueueStorage()
	if err != nil {
		return err
	}
	defer storage.Close()

	jobs, err := storage.ListDLQ(context.Background(), queueListLimit, 0)
	if err != nil {
		return fmt.Errorf("failed to list dead letters: %w", err)
	}

	if len(jobs) == 0 {
		fmt.Println("Dead letter queue is empty")
		return nil
	}

	printJobs(jobs)
	return nil
}

func runDLQRetry(cmd *cobra.Command, args []string) error {
	storage, err := openQueueStorage()
	if err != nil {
		return err
	}
	defer storage.Close()

	if err := storage.RetryFromDLQ(context.Background(), args[0]); err != nil {
		return fmt.Errorf("failed to retry job: %w", err)
	}

	fmt.Printf("Job %s requeued\n", args[0])
	return nil
}

func runDLQDelete(cmd *cobra.Command, args []string) error {
	storage, err := openQueueStorage()
	if err != nil {
		return err
	}
	defer storage.Close()

	if err := storage.DeleteFromDLQ(context.Background(), args[0]); err != nil {
		return fmt.Errorf("failed to delete job: %w", err)
	}

	fmt.Printf("Job %s deleted\n", args[0])
	return nil
}

func printJobs(jobs []*queue.Job) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tKIND\tCAMPAIGN\tSTEP\tCONTACTS\tSTATUS\tRETRIES\tLAST ERROR")
	for _, j := range jobs {
		lastErr := j.LastError
		if len(lastErr) > 40 {
			lastErr = lastErr[:37] + "..."
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\t%d\t%s\n",
			j.ID, j.Kind, j.CampaignID, j.StepIndex, len(j.Contacts), j.Status, j.RetryCount, lastErr)
	}
	w.Flush()
}
