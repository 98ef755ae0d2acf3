package main

import (
	"encoding/json"

	"github.com/spf13/cobra"
)

func newMirrorCommand(opts *rootOptions) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "mirror",
		Short: "Print the newest records of the real-time mirror, one JSON object per line",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(opts, sessionOptions{})
			if err != nil {
				return err
			}
			defer s.close()

			records, err := s.engine.RecentDurable(commandContext(cmd), limit)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			for _, r := range records {
				if err := enc.Encode(r); err != nil {
					return err
				}
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of records to print (<= 0 prints all)")
	return cmd
}
