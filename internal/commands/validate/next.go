// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package validate

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/measured/internal/commands/shared"
	"github.com/tombee/measured/internal/schedule"
)

// Upcoming is one future firing.
type Upcoming struct {
	At     time.Time `json:"at"`
	Test   string    `json:"test"`
	Origin string    `json:"origin"`
}

// NewNextCommand creates the next command
func NewNextCommand() *cobra.Command {
	var (
		count int
		from  string
	)

	cmd := &cobra.Command{
		Use:   "next [schedule-file...]",
		Short: "Print upcoming fire times",
		Long: `Parse the schedule and print the next fire times of every entry, merged
in time order, in the configured timezone.`,
		Example: `  # Next three firings of each entry
  measured next

  # Ten firings per entry starting from a given instant
  measured next --count 10 --from 2026-01-04T23:30:00Z`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := shared.LoadConfig()
			if err != nil {
				return err
			}
			loc, err := cfg.Location()
			if err != nil {
				return shared.NewInvalidConfigError("invalid timezone", err)
			}

			now := time.Now()
			if from != "" {
				now, err = time.Parse(time.RFC3339, from)
				if err != nil {
					return fmt.Errorf("invalid --from: %w", err)
				}
			}
			if count <= 0 {
				return fmt.Errorf("--count must be positive")
			}

			_, res, err := loadSchedule(cfg, args)
			if err != nil {
				return shared.NewInvalidConfigError("failed to load schedule", err)
			}

			upcoming := nextFirings(res.Entries, now, loc, count)
			if shared.GetJSON() {
				return shared.EmitJSON(cmd.OutOrStdout(), upcoming)
			}
			printUpcoming(cmd.OutOrStdout(), upcoming, now, loc)
			return nil
		},
	}

	cmd.Flags().IntVarP(&count, "count", "n", 3, "Firings to compute per entry")
	cmd.Flags().StringVar(&from, "from", "", "Compute from this RFC 3339 instant instead of now")
	return cmd
}

// nextFirings steps each entry count times from now and merges the results
// in time order.
func nextFirings(entries []*schedule.Entry, now time.Time, loc *time.Location, count int) []Upcoming {
	var out []Upcoming
	for _, e := range entries {
		t := now
		for i := 0; i < count; i++ {
			t = e.Next(t, loc)
			out = append(out, Upcoming{At: t.In(loc), Test: e.Test, Origin: e.Origin()})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	return out
}

func printUpcoming(w io.Writer, upcoming []Upcoming, now time.Time, loc *time.Location) {
	fmt.Fprintln(w, shared.Header.Render(fmt.Sprintf("From %s", now.In(loc).Format(time.RFC3339))))
	for _, u := range upcoming {
		fmt.Fprintf(w, "  %s  %-12s %s\n", u.At.Format(time.RFC3339), u.Test, shared.RenderLabel(u.Origin))
	}
}
