package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

// incidentRecord mirrors the fields of internal/incident.Record the CLI
// displays. Unknown fields in the server response are ignored.
type incidentRecord struct {
	IncidentID       string    `json:"incident_id"`
	Title            string    `json:"title"`
	Service          string    `json:"service"`
	Urgency          string    `json:"urgency"`
	CurrentStage     string    `json:"current_stage"`
	RequiresApproval bool      `json:"requires_approval"`
	Resolution       string    `json:"resolution"`
	ErrorStage       string    `json:"error_stage"`
	Error            string    `json:"error"`
	UpdatedAt        time.Time `json:"updated_at"`
}

type listResponse struct {
	Incidents []incidentRecord `json:"incidents"`
	Count     int              `json:"count"`
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List active incidents",
	Long: `List all incidents that have not yet resolved or escalated.

Examples:
  remedyctl list`,
	RunE: runList,
}

var getCmd = &cobra.Command{
	Use:   "get <incident-id>",
	Short: "Show one incident as JSON",
	Long: `Fetch the full incident record, including hypothesis, retrieved
context, remediation, and stage history.

Examples:
  remedyctl get inc-42`,
	Args: cobra.ExactArgs(1),
	RunE: runGet,
}

var (
	triggerService string
	triggerUrgency string
	triggerID      string
)

var triggerCmd = &cobra.Command{
	Use:   "trigger <title>",
	Short: "Open an incident by hand",
	Long: `Open an incident without a monitoring webhook, e.g. for testing
the pipeline or for failures monitoring missed.

Examples:
  remedyctl trigger "api 5xx spike" --service api --urgency high`,
	Args: cobra.ExactArgs(1),
	RunE: runTrigger,
}

var escalateCmd = &cobra.Command{
	Use:   "escalate <incident-id> [reason]",
	Short: "Hand an incident to a human",
	Long: `Move an incident to ESCALATED regardless of its current stage.

Examples:
  remedyctl escalate inc-42 "remediation looks wrong"`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runEscalate,
}

func init() {
	triggerCmd.Flags().StringVar(&triggerService, "service", "", "affected service name")
	triggerCmd.Flags().StringVar(&triggerUrgency, "urgency", "", "urgency (low, medium, high, critical)")
	triggerCmd.Flags().StringVar(&triggerID, "id", "", "incident id (generated when omitted)")
}

func runList(cmd *cobra.Command, args []string) error {
	var resp listResponse
	if err := getJSON("/api/v1/incidents", &resp); err != nil {
		return err
	}

	if resp.Count == 0 {
		fmt.Println("No active incidents.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "INCIDENT\tSTAGE\tSERVICE\tURGENCY\tTITLE")
	for _, rec := range resp.Incidents {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			rec.IncidentID, rec.CurrentStage, rec.Service, rec.Urgency, rec.Title)
	}
	return w.Flush()
}

func runGet(cmd *cobra.Command, args []string) error {
	var rec json.RawMessage
	if err := getJSON("/api/v1/incidents/"+args[0], &rec); err != nil {
		return err
	}

	var pretty map[string]any
	if err := json.Unmarshal(rec, &pretty); err != nil {
		return fmt.Errorf("failed to decode incident: %w", err)
	}
	out, err := json.MarshalIndent(pretty, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to render incident: %w", err)
	}
	fmt.Println(string(out))
	return nil
}

func runTrigger(cmd *cobra.Command, args []string) error {
	body := map[string]string{
		"incident_id": triggerID,
		"title":       args[0],
		"service":     triggerService,
		"urgency":     triggerUrgency,
	}

	var rec incidentRecord
	if err := postJSON("/api/v1/incidents/trigger", body, &rec); err != nil {
		return err
	}

	fmt.Printf("Incident %s opened: %s\n", rec.IncidentID, rec.CurrentStage)
	return nil
}

func runEscalate(cmd *cobra.Command, args []string) error {
	reason := ""
	if len(args) > 1 {
		reason = args[1]
	}

	var rec incidentRecord
	if err := postJSON("/api/v1/incidents/"+args[0]+"/escalate", map[string]string{"reason": reason}, &rec); err != nil {
		return err
	}

	fmt.Printf("Incident %s escalated.\n", rec.IncidentID)
	return nil
}
