package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/vincentbai/target-inspector/internal/config"
	"github.com/vincentbai/target-inspector/internal/models"
)

func newActivitiesCmd() *cobra.Command {
	var (
		address string
		tabID   string
		history bool
		limit   int
		asJSON  bool
	)

	cmd := &cobra.Command{
		Use:   "activities",
		Short: "List the activities a running inspector has seen",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !history && tabID == "" {
				return fmt.Errorf("--tab is required unless --history is set")
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			var reply models.ActivitiesReply
			var err error
			if history {
				reply, err = fetchHistory(ctx, http.DefaultClient, address, tabID, limit)
			} else {
				reply, err = fetchActivities(ctx, http.DefaultClient, address, tabID)
			}
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(reply.Activities)
			}
			return writeActivities(out, reply, time.Now())
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&address, "address", config.DefaultAddress, "`host:port` of the running inspector")
	flags.StringVar(&tabID, "tab", "", "page target id to list")
	flags.BoolVar(&history, "history", false, "list archived activities instead of the live page")
	flags.IntVar(&limit, "limit", 0, "limit archived activities returned (0 means server default)")
	flags.BoolVar(&asJSON, "json", false, "print raw JSON")

	return cmd
}

func fetchActivities(ctx context.Context, client *http.Client, address, tabID string) (models.ActivitiesReply, error) {
	var reply models.ActivitiesReply
	body, err := json.Marshal(models.Message{Type: models.MsgGetActivities, TabID: tabID})
	if err != nil {
		return reply, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://"+address+"/messages", bytes.NewReader(body))
	if err != nil {
		return reply, err
	}
	req.Header.Set("Content-Type", "application/json")
	return reply, doJSON(client, req, &reply)
}

func fetchHistory(ctx context.Context, client *http.Client, address, tabID string, limit int) (models.ActivitiesReply, error) {
	var reply models.ActivitiesReply
	query := url.Values{}
	if tabID != "" {
		query.Set("tabId", tabID)
	}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	u := url.URL{Scheme: "http", Host: address, Path: "/history", RawQuery: query.Encode()}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return reply, err
	}
	return reply, doJSON(client, req, &reply)
}

func doJSON(client *http.Client, req *http.Request, v any) error {
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("contacting inspector: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("inspector replied %s: %s", resp.Status, bytes.TrimSpace(msg))
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decoding reply: %w", err)
	}
	return nil
}

var (
	nameColor     = color.New(color.Bold)
	decisionColor = color.New(color.FgGreen)
	basicColor    = color.New(color.FgYellow)
	fallbackColor = color.New(color.FgRed)
	faintColor    = color.New(color.Faint)
)

func fidelityColor(f models.Fidelity) *color.Color {
	switch f {
	case models.FidelityDecision:
		return decisionColor
	case models.FidelityBasic:
		return basicColor
	default:
		return fallbackColor
	}
}

// writeActivities prints one line per activity in reply order.
func writeActivities(w io.Writer, reply models.ActivitiesReply, now time.Time) error {
	if len(reply.Activities) == 0 {
		_, err := fmt.Fprintln(w, "no activities")
		return err
	}
	for _, a := range reply.Activities {
		age := humanize.RelTime(time.UnixMilli(a.Timestamp), now, "ago", "from now")
		_, err := fmt.Fprintf(w, "%s  %s / %s  %s  %s\n",
			fidelityColor(a.Fidelity).Sprintf("%-8s", a.Fidelity),
			nameColor.Sprint(a.Name),
			a.Experience,
			faintColor.Sprint(a.ImplementationType),
			faintColor.Sprint(age),
		)
		if err != nil {
			return err
		}
	}
	state := "not observed"
	if reply.IsDebugging {
		state = "observed"
	}
	_, err := fmt.Fprintf(w, "%s activities, page %s\n", humanize.Comma(int64(len(reply.Activities))), state)
	return err
}
