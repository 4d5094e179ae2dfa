package main

import (
	"fmt"
	"os"
	"os/user"

	"github.com/spf13/cobra"
)

var approver string

var approveCmd = &cobra.Command{
	Use:   "approve <incident-id>",
	Short: "Approve a pending remediation",
	Long: `Approve the pending remediation for an incident in AWAITING_APPROVAL.
Execution resumes immediately.

Examples:
  remedyctl approve inc-42
  remedyctl approve inc-42 --as alice`,
	Args: cobra.ExactArgs(1),
	RunE: runApprove,
}

var rejectCmd = &cobra.Command{
	Use:   "reject <incident-id>",
	Short: "Reject a pending remediation",
	Long: `Reject the pending remediation for an incident in AWAITING_APPROVAL.
The incident escalates to a human.

Examples:
  remedyctl reject inc-42 --as bob`,
	Args: cobra.ExactArgs(1),
	RunE: runReject,
}

func init() {
	approveCmd.Flags().StringVar(&approver, "as", "", "approver name (defaults to the current user)")
	rejectCmd.Flags().StringVar(&approver, "as", "", "approver name (defaults to the current user)")
}

func runApprove(cmd *cobra.Command, args []string) error {
	return decide(args[0], "approve")
}

func runReject(cmd *cobra.Command, args []string) error {
	return decide(args[0], "reject")
}

func decide(incidentID, decision string) error {
	name := approver
	if name == "" {
		name = currentUser()
	}

	var rec incidentRecord
	err := postJSON("/api/v1/incidents/"+incidentID+"/approval", map[string]string{
		"decision": decision,
		"approver": name,
	}, &rec)
	if err != nil {
		return err
	}

	past := "approved"
	if decision == "reject" {
		past = "rejected"
	}
	fmt.Printf("Incident %s %s by %s: %s\n", rec.IncidentID, past, name, rec.CurrentStage)
	return nil
}

func currentUser() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	if name := os.Getenv("USER"); name != "" {
		return name
	}
	return "unknown"
}
