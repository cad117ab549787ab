package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/teranos/lector/display"
	"github.com/teranos/lector/errors"
	"github.com/teranos/lector/internal/util"
	"github.com/teranos/lector/logger"
	"github.com/teranos/lector/pulse/async"
	"github.com/teranos/lector/pulse/schedule"
	"github.com/teranos/lector/sym"
)

// JobsCmd manages stored job records
var JobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: sym.PrefixShort("jobs"),
	Long: sym.Crawl + ` jobs - stored crawl jobs

Job management commands:
  lector jobs ls                      # List all jobs
  lector jobs ls --state running      # List jobs some process is running
  lector jobs rm 42                   # Remove a job by id or name
  lector jobs run 42 43               # Run jobs now, in this process
  lector jobs add --file jobs.yaml    # Add jobs from a YAML list`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var jobsLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List stored jobs",
	RunE:  runJobsLs,
}

var jobsRmCmd = &cobra.Command{
	Use:   "rm <id|name>...",
	Short: "Remove jobs by id or name",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runJobsRm,
}

var jobsRunCmd = &cobra.Command{
	Use:   "run <id>...",
	Short: "Run jobs now and wait for them",
	Long: `Run the given jobs immediately in this process, regardless of their
schedule, and wait until they settled. Follow-up jobs they produce are stored
for the daemon.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runJobsRun,
}

var jobsAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add jobs from a YAML file",
	Long: `Add jobs from a YAML list of job requests. Names must be unique, requests
whose name already exists are skipped.

Example file:

  - name: toc-https://www.royalroad.com/fiction/21220
    type: toc
    arguments: '{"url":"https://www.royalroad.com/fiction/21220"}'
    interval: 24h
  - name: remap-after-toc
    type: remap_media_parts
    run_after:
      name: toc-https://www.royalroad.com/fiction/21220`,
	RunE: runJobsAdd,
}

func init() {
	jobsLsCmd.Flags().String("state", "", "Filter by state (waiting, running)")
	jobsLsCmd.Flags().Int("limit", 50, "Maximum number of jobs to display")
	jobsRunCmd.Flags().Duration("timeout", 10*time.Minute, "How long to wait for the jobs")
	jobsAddCmd.Flags().StringP("file", "f", "", "YAML file with job requests ('-' for stdin)")
	_ = jobsAddCmd.MarkFlagRequired("file")

	JobsCmd.AddCommand(jobsLsCmd)
	JobsCmd.AddCommand(jobsRmCmd)
	JobsCmd.AddCommand(jobsRunCmd)
	JobsCmd.AddCommand(jobsAddCmd)
}

func runJobsLs(cmd *cobra.Command, args []string) error {
	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	store := schedule.NewStore(database)
	state, _ := cmd.Flags().GetString("state")
	limit, _ := cmd.Flags().GetInt("limit")

	var items []schedule.JobItem
	switch schedule.JobState(state) {
	case "":
		items, err = store.GetJobs(cmd.Context(), false)
	case schedule.StateWaiting, schedule.StateRunning:
		items, err = store.GetJobsInState(cmd.Context(), schedule.JobState(state))
	default:
		return errors.NewInvalidRequestError("unknown state %q (waiting, running)", state)
	}
	if err != nil {
		return err
	}

	total := len(items)
	if limit > 0 && total > limit {
		items = items[:limit]
	}

	if display.ShouldOutputJSON(cmd) {
		views := make([]jobView, 0, len(items))
		for _, item := range items {
			views = append(views, newJobView(item))
		}
		return display.OutputJSON(views)
	}

	if total == 0 {
		fmt.Printf("%s No jobs found\n", sym.Crawl)
		return nil
	}

	if err := pterm.DefaultTable.WithHasHeader().WithData(jobTable(items)).Render(); err != nil {
		return err
	}
	fmt.Printf("\nTotal: %d job(s)\n", total)
	return nil
}

// jobView is the JSON shape of a stored job
type jobView struct {
	ID             int64      `json:"id"`
	Name           string     `json:"name"`
	Type           string     `json:"type"`
	State          string     `json:"state"`
	Arguments      string     `json:"arguments,omitempty"`
	IntervalSecs   int64      `json:"interval_seconds,omitempty"`
	DeleteAfterRun bool       `json:"delete_after_run"`
	RunAfterID     *int64     `json:"run_after_id,omitempty"`
	NextRun        *time.Time `json:"next_run,omitempty"`
	LastRun        *time.Time `json:"last_run,omitempty"`
	RunningSince   *time.Time `json:"running_since,omitempty"`
}

func newJobView(item schedule.JobItem) jobView {
	v := jobView{
		ID:             item.ID,
		Name:           item.Name,
		Type:           string(item.Type),
		State:          string(item.State),
		Arguments:      item.Arguments,
		DeleteAfterRun: item.DeleteAfterRun,
		RunAfterID:     item.RunAfterID,
		NextRun:        item.NextRun,
		LastRun:        item.LastRun,
		RunningSince:   item.RunningSince,
	}
	if item.Interval > 0 {
		v.IntervalSecs = int64(schedule.EffectiveInterval(item.Interval) / time.Second)
	}
	return v
}

func jobTable(items []schedule.JobItem) pterm.TableData {
	data := pterm.TableData{{"ID", "NAME", "TYPE", "STATE", "INTERVAL", "NEXT RUN", "LAST RUN"}}
	for _, item := range items {
		interval := "once"
		if item.Interval > 0 {
			interval = schedule.EffectiveInterval(item.Interval).String()
		}
		state := string(item.State)
		if item.State == schedule.StateRunning {
			state = pterm.LightGreen(state)
		}
		data = append(data, []string{
			strconv.FormatInt(item.ID, 10),
			util.Truncate(item.Name, 48),
			string(item.Type),
			state,
			interval,
			formatOptionalTime(item.NextRun),
			formatOptionalTime(item.LastRun),
		})
	}
	return data
}

func runJobsRm(cmd *cobra.Command, args []string) error {
	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	store := schedule.NewStore(database)
	for _, key := range args {
		if err := store.RemoveJob(cmd.Context(), key); err != nil {
			return err
		}
		pterm.Success.Printf("Removed job %s\n", key)
	}
	return nil
}

func runJobsRun(cmd *cobra.Command, args []string) error {
	ids := make([]int64, 0, len(args))
	for _, arg := range args {
		id, err := strconv.ParseInt(arg, 10, 64)
		if err != nil {
			return errors.NewInvalidRequestError("job id must be numeric: %s", arg)
		}
		ids = append(ids, id)
	}

	cfg, strategy, err := pulseConfig(cmd)
	if err != nil {
		return err
	}
	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	registry, err := newHookRegistry(database, cfg, newCrawlClient(cfg))
	if err != nil {
		return err
	}

	timeout, _ := cmd.Flags().GetDuration("timeout")
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	if err := registry.Load(ctx); err != nil {
		return err
	}

	// No Setup and no loop: a daemon may own the other jobs
	coordinator := newCoordinator(ctx, database, registry, cfg, strategy)
	queue := coordinator.Queue()
	queue.Start()
	if err := coordinator.RunJobs(ctx, ids...); err != nil {
		return err
	}
	if err := waitIdle(ctx, queue); err != nil {
		return errors.Wrap(err, "jobs did not finish in time")
	}
	pterm.Success.Printf("Ran %d job(s)\n", len(ids))
	return nil
}

// waitIdle returns once nothing is queued or running and every done hook
// returned.
func waitIdle(ctx context.Context, queue *async.Queue) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for !queue.IsEmpty() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return queue.Wait(ctx)
}

func runJobsAdd(cmd *cobra.Command, args []string) error {
	path, _ := cmd.Flags().GetString("file")
	var in io.Reader = os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return errors.Wrapf(err, "failed to open %s", path)
		}
		defer f.Close()
		in = f
	}

	reqs, err := parseJobRequests(in)
	if err != nil {
		return errors.WithDetailf(err, "File: %s", path)
	}

	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	// AddJobs only needs the store; it resolves run_after chains in order
	coordinator := schedule.NewCoordinator(cmd.Context(), schedule.NewStore(database), nil, nil, schedule.Config{}, logger.Logger)
	added, err := coordinator.AddJobs(cmd.Context(), reqs...)
	if err != nil {
		return err
	}

	for _, item := range added {
		pterm.Success.Printf("Added job %d %s\n", item.ID, item.Name)
	}
	if skipped := len(reqs) - len(added); skipped > 0 {
		pterm.Info.Printf("%d request(s) not added (existing name or unresolved run_after)\n", skipped)
	}
	return nil
}

// parseJobRequests decodes a YAML list of job requests and checks that
// every request decodes to a known job kind.
func parseJobRequests(r io.Reader) ([]schedule.JobRequest, error) {
	var reqs []schedule.JobRequest
	if err := yaml.NewDecoder(r).Decode(&reqs); err != nil {
		if err == io.EOF {
			return nil, errors.NewInvalidRequestError("no job requests in file")
		}
		return nil, errors.Wrap(err, "failed to parse job requests")
	}

	for i, req := range reqs {
		if req.Name == "" {
			return nil, errors.NewInvalidRequestError("request %d has no name", i+1)
		}
		item := schedule.JobItem{Name: req.Name, Type: req.Type, Arguments: req.Arguments}
		if _, err := schedule.DecodeKind(item); err != nil {
			return nil, errors.WithDetailf(err, "Request: %s", req.Name)
		}
	}
	return reqs, nil
}

func formatOptionalTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04")
}
