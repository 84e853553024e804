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

	"github.com/spf13/cobra"

	"github.com/tombee/measured/internal/commands/shared"
	"github.com/tombee/measured/internal/config"
	measuredlog "github.com/tombee/measured/internal/log"
	"github.com/tombee/measured/internal/schedule"
	"github.com/tombee/measured/internal/testreg"
)

// Report is the outcome of a validate run.
type Report struct {
	Valid   bool          `json:"valid"`
	Tests   []string      `json:"tests"`
	Files   []string      `json:"files"`
	Entries int           `json:"entries"`
	Skipped []SkippedLine `json:"skipped,omitempty"`
}

// SkippedLine is a schedule line the loader rejected.
type SkippedLine struct {
	File   string `json:"file"`
	Line   int    `json:"line"`
	Reason string `json:"reason"`
}

// NewCommand creates the validate command
func NewCommand() *cobra.Command {
	var strict bool

	cmd := &cobra.Command{
		Use:   "validate [schedule-file...]",
		Short: "Check configuration, tests and schedule files",
		Long: `Load the configuration, scan the test directory and parse the schedule
directory the way the daemon would, without running anything.

Given file arguments, only those files are parsed. Lines the daemon would
skip are listed; with --strict they make validation fail.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := shared.LoadConfig()
			if err != nil {
				return err
			}

			report, err := validate(cfg, args)
			if err != nil {
				return shared.NewInvalidConfigError("validation failed", err)
			}
			report.Valid = !strict || len(report.Skipped) == 0

			if shared.GetJSON() {
				if err := shared.EmitJSON(cmd.OutOrStdout(), report); err != nil {
					return err
				}
			} else {
				printReport(cmd.OutOrStdout(), report)
			}

			if !report.Valid {
				return shared.NewInvalidConfigError(fmt.Sprintf("%d schedule lines would be skipped", len(report.Skipped)), nil)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&strict, "strict", false, "Fail when any schedule line would be skipped")
	return cmd
}

// loadSchedule builds the test registry and parses the schedule the way a
// daemon reload does.
func loadSchedule(cfg *config.Config, files []string) (*testreg.Registry, *schedule.Result, error) {
	logger := measuredlog.Discard()

	registry := testreg.New(testreg.Config{
		Dir:       cfg.Tests.Dir,
		Prefix:    cfg.Tests.Prefix,
		Overrides: cfg.Tests.Overrides,
	}, logger)
	if err := registry.Reload(); err != nil {
		return nil, nil, err
	}

	loader := &schedule.Loader{
		Pattern: cfg.Schedule.Pattern,
		Known:   registry.Known,
		Logger:  logger,
	}
	if len(files) == 0 {
		res, err := loader.LoadDir(cfg.Schedule.Dir)
		return registry, res, err
	}

	all := &schedule.Result{}
	for _, f := range files {
		res, err := loader.LoadFile(f)
		if err != nil {
			return nil, nil, err
		}
		all.Entries = append(all.Entries, res.Entries...)
		all.Files = append(all.Files, res.Files...)
		all.Skipped = append(all.Skipped, res.Skipped...)
	}
	return registry, all, nil
}

func validate(cfg *config.Config, files []string) (*Report, error) {
	registry, res, err := loadSchedule(cfg, files)
	if err != nil {
		return nil, err
	}

	report := &Report{
		Files:   res.Files,
		Entries: len(res.Entries),
	}
	for _, t := range registry.Tests() {
		report.Tests = append(report.Tests, t.Name)
	}
	for _, pe := range res.Skipped {
		report.Skipped = append(report.Skipped, SkippedLine{File: pe.File, Line: pe.Line, Reason: pe.Reason})
	}
	return report, nil
}

func printReport(w io.Writer, r *Report) {
	fmt.Fprintf(w, "%s %d\n", shared.RenderLabel("tests:  "), len(r.Tests))
	fmt.Fprintf(w, "%s %d\n", shared.RenderLabel("files:  "), len(r.Files))
	fmt.Fprintf(w, "%s %d\n", shared.RenderLabel("entries:"), r.Entries)
	for _, s := range r.Skipped {
		fmt.Fprintln(w, shared.RenderWarn(fmt.Sprintf("%s:%d: %s", s.File, s.Line, s.Reason)))
	}
	if r.Valid {
		fmt.Fprintln(w, shared.RenderOK("schedule is valid"))
	} else {
		fmt.Fprintln(w, shared.RenderError("schedule has skipped lines"))
	}
}
