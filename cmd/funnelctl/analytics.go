package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

const dayLayout = "2006-01-02"

func newAnalyticsCommand(opts *rootOptions) *cobra.Command {
	var (
		from   string
		to     string
		userID string
	)

	cmd := &cobra.Command{
		Use:   "analytics",
		Short: "Print funnel analytics for a date range as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			now := time.Now().UTC()

			start, err := parseBound(from, now.AddDate(0, 0, -6), false)
			if err != nil {
				return fmt.Errorf("invalid --from: %w", err)
			}
			end, err := parseBound(to, now, true)
			if err != nil {
				return fmt.Errorf("invalid --to: %w", err)
			}

			s, err := openSession(opts, sessionOptions{})
			if err != nil {
				return err
			}
			defer s.close()

			analytics, err := s.engine.GetWorkflowAnalytics(commandContext(cmd), start, end, userID)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(analytics)
		},
	}

	cmd.Flags().StringVar(&from, "from", "", "range start, YYYY-MM-DD or RFC3339 (default: 6 days ago)")
	cmd.Flags().StringVar(&to, "to", "", "range end, YYYY-MM-DD or RFC3339 (default: now)")
	cmd.Flags().StringVar(&userID, "user", "", "restrict to one user id")
	return cmd
}

// parseBound accepts a date or an RFC3339 timestamp. A bare date used as
// an end bound covers the whole day.
func parseBound(value string, fallback time.Time, endOfDay bool) (time.Time, error) {
	if value == "" {
		if !endOfDay {
			y, m, d := fallback.Date()
			return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), nil
		}
		return fallback, nil
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t.UTC(), nil
	}
	day, err := time.Parse(dayLayout, value)
	if err != nil {
		return time.Time{}, err
	}
	if endOfDay {
		return day.Add(24*time.Hour - time.Millisecond), nil
	}
	return day, nil
}
