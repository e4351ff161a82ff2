package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ds1/outreach/internal/db"
	"github.com/ds1/outreach/internal/models"
	"github.com/ds1/outreach/internal/repository"
)

var campaignListStatus string

var campaignCmd = &cobra.Command{
	Use:   "campaign",
	Short: "Campaign inspection commands",
}

var campaignListCmd = &cobra.Command{
	Use:   "list",
	Short: "List campaigns",
	RunE:  runCampaignList,
}

var campaignShowCmd = &cobra.Command{
	Use:   "show <campaign_id>",
	Short: "Show a campaign with its steps and enrollment breakdown",
	Args:  cobra.ExactArgs(1),
	RunE:  runCampaignShow,
}

func init() {
	campaignListCmd.Flags().StringVar(&campaignListStatus, "status", "", "Filter by status (draft, scheduled, active, paused, completed)")

	campaignCmd.AddCommand(campaignListCmd, campaignShowCmd)
	rootCmd.AddCommand(campaignCmd)
}

func openDatabase() (*db.DB, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return db.New(cfg.Database.Path)
}

func runCampaignList(cmd *cobra.Command, args []string) error {
	database, err := openDatabase()
	if err != nil {
		return err
	}
	defer database.Close()

	repo := repository.NewCampaignRepository(database.DB)
	campaigns, total, err := repo.List(models.CampaignListFilter{
		Status: models.CampaignStatus(campaignListStatus),
	})
	if err != nil {
		return fmt.Errorf("failed to list campaigns: %w", err)
	}

	if total == 0 {
		fmt.Println("No campaigns")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tCHANNEL\tSTATUS\tENROLLED\tSENT\tOPENED\tCLICKED")
	for _, c := range campaigns {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%d\t%d\n",
			c.ID, c.Name, c.Channel, c.Status, c.TotalEnrolled, c.TotalSent, c.TotalOpened, c.TotalClicked)
	}
	return w.Flush()
}

func runCampaignShow(cmd *cobra.Command, args []string) error {
	database, err := openDatabase()
	if err != nil {
		return err
	}
	defer database.Close()

	campaigns := repository.NewCampaignRepository(database.DB)
	enrollments := repository.NewEnrollmentRepository(database.DB)

	c, err := campaigns.GetByID(args[0])
	if err != nil {
		return err
	}
	if c == nil {
		return fmt.Errorf("campaign not found: %s", args[0])
	}

	fmt.Printf("Campaign %s\n", c.ID)
	fmt.Printf("  Name:     %s\n", c.Name)
	fmt.Printf("  Channel:  %s\n", c.Channel)
	fmt.Printf("  Status:   %s\n", c.Status)
	fmt.Printf("  Window:   %02d:00-%02d:00 %s days %s\n", c.SendHourStart, c.SendHourEnd, c.Timezone, c.SendDays)
	fmt.Printf("  Totals:   enrolled=%d sent=%d opened=%d clicked=%d replied=%d converted=%d\n",
		c.TotalEnrolled, c.TotalSent, c.TotalOpened, c.TotalClicked, c.TotalReplied, c.TotalConverted)

	steps, err := campaigns.GetSteps(c.ID)
	if err != nil {
		return err
	}
	fmt.Printf("Steps:\n")
	for _, s := range steps {
		fmt.Printf("  %d. %s template=%s delay=%dd\n", s.StepIndex, s.Channel, s.TemplateID, s.DelayDays)
	}

	byStatus, err := enrollments.CountByStatus(c.ID)
	if err != nil {
		return err
	}
	fmt.Printf("Enrollments:\n")
	for _, status := range []models.EnrollmentStatus{
		models.EnrollmentEnrolled, models.EnrollmentInProgress, models.EnrollmentPaused,
		models.EnrollmentCompleted, models.EnrollmentRemoved, models.EnrollmentUnsubscribed,
	} {
		if n := byStatus[status]; n > 0 {
			fmt.Printf("  %s: %d\n", status, n)
		}
	}

	return nil
}
