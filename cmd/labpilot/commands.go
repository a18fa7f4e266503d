package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"
)

const (
	defaultRequestTimeout = 30 * time.Second
	defaultEventTail      = 50
	jsonFlagDescription   = "output json"
)

var errHelp = errors.New("help requested")

type commonFlags struct {
	socketPath string
	jsonOutput bool
	timeout    time.Duration
}

func (c *commonFlags) bind(fs *flag.FlagSet) {
	fs.StringVar(&c.socketPath, "socket", c.socketPath, "path to labpilotd socket")
	fs.BoolVar(&c.jsonOutput, "json", c.jsonOutput, jsonFlagDescription)
	fs.DurationVar(&c.timeout, "timeout", c.timeout, "request timeout")
}

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func parseFlags(fs *flag.FlagSet, args []string, usage func(), help *bool) error {
	fs.Usage = usage
	if err := fs.Parse(args); err != nil {
		usage()
		return err
	}
	if help != nil && *help {
		usage()
		return errHelp
	}
	return nil
}

func runStatus(ctx context.Context, args []string, base commonFlags) error {
	fs := newFlagSet("status")
	opts := base
	opts.bind(fs)
	var help bool
	fs.BoolVar(&help, "help", false, "show help")
	if err := parseFlags(fs, args, printUsage, &help); err != nil {
		return err
	}

	client := newAPIClient(opts.socketPath, opts.timeout)
	payload, err := client.doJSON(ctx, http.MethodGet, "/v1/status", nil)
	if err != nil {
		return err
	}
	if opts.jsonOutput {
		return printRawJSON(payload)
	}
	var status statusResponse
	if err := json.Unmarshal(payload, &status); err != nil {
		return err
	}
	fmt.Printf("Version: %s\n", status.Version)
	fmt.Printf("Execution mode: %s\n", status.ExecutionMode)
	fmt.Printf("Read only: %t\n", status.ReadOnly)
	fmt.Printf("Audit head: %d (%d entries)\n", status.AuditHead, status.AuditEntries)
	fmt.Printf("Workers: %d online, %d offline\n", status.Workers["online"], status.Workers["offline"])
	if len(status.Tasks) == 0 {
		fmt.Println("Tasks: none")
		return nil
	}
	fmt.Println("Tasks:")
	for _, key := range []string{"QUEUED", "CLAIMED", "EXECUTING", "COMPLETED", "FAILED", "EXPIRED"} {
		if count, ok := status.Tasks[key]; ok {
			fmt.Printf("  %s: %d\n", key, count)
		}
	}
	return nil
}

func runWorkers(ctx context.Context, args []string, base commonFlags) error {
	fs := newFlagSet("workers")
	opts := base
	opts.bind(fs)
	var help bool
	fs.BoolVar(&help, "help", false, "show help")
	if err := parseFlags(fs, args, printUsage, &help); err != nil {
		return err
	}

	client := newAPIClient(opts.socketPath, opts.timeout)
	payload, err := client.doJSON(ctx, http.MethodGet, "/v1/workers", nil)
	if err != nil {
		return err
	}
	if opts.jsonOutput {
		return printRawJSON(payload)
	}
	var resp workersResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return err
	}
	if len(resp.Workers) == 0 {
		fmt.Println("No workers registered.")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 2, 8, 2, ' ', 0)
	fmt.Fprintln(w, "WORKER\tSITE\tSTATUS\tCAPABILITIES\tLAST SEEN")
	for _, worker := range resp.Workers {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			worker.WorkerID, worker.SiteName, worker.Status,
			orDash(strings.Join(worker.Capabilities, ",")), worker.LastSeen)
	}
	return w.Flush()
}

func runTaskCommand(ctx context.Context, args []string, base commonFlags) error {
	if len(args) == 0 {
		printUsage()
		return fmt.Errorf("task requires a subcommand (list, show, submit)")
	}
	switch args[0] {
	case "list":
		return runTaskList(ctx, args[1:], base)
	case "show":
		return runTaskShow(ctx, args[1:], base)
	case "submit":
		return runTaskSubmit(ctx, args[1:], base)
	default:
		printUsage()
		return fmt.Errorf("unknown task command %q", args[0])
	}
}

func runTaskList(ctx context.Context, args []string, base commonFlags) error {
	fs := newFlagSet("task list")
	opts := base
	opts.bind(fs)
	var status string
	var limit int
	var help bool
	fs.StringVar(&status, "status", "", "filter by status (QUEUED, CLAIMED, EXECUTING, COMPLETED, FAILED, EXPIRED)")
	fs.IntVar(&limit, "limit", 0, "maximum tasks to list")
	fs.BoolVar(&help, "help", false, "show help")
	if err := parseFlags(fs, args, printUsage, &help); err != nil {
		return err
	}

	path := "/v1/tasks"
	query := make([]string, 0, 2)
	if status != "" {
		query = append(query, "status="+strings.ToUpper(status))
	}
	if limit > 0 {
		query = append(query, "limit="+strconv.Itoa(limit))
	}
	if len(query) > 0 {
		path += "?" + strings.Join(query, "&")
	}

	client := newAPIClient(opts.socketPath, opts.timeout)
	payload, err := client.doJSON(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	if opts.jsonOutput {
		return printRawJSON(payload)
	}
	var resp tasksResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return err
	}
	if len(resp.Tasks) == 0 {
		fmt.Println("No tasks.")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 2, 8, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSITE\tTYPE\tSTATUS\tCLAIMED BY\tCREATED")
	for _, task := range resp.Tasks {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			task.ID, task.SiteName, task.PayloadType, task.Status, orDash(task.ClaimedBy), task.CreatedAt)
	}
	return w.Flush()
}

func runTaskShow(ctx context.Context, args []string, base commonFlags) error {
	fs := newFlagSet("task show")
	opts := base
	opts.bind(fs)
	var help bool
	fs.BoolVar(&help, "help", false, "show help")
	if err := parseFlags(fs, args, printUsage, &help); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		printUsage()
		return fmt.Errorf("task show requires exactly one task id")
	}

	client := newAPIClient(opts.socketPath, opts.timeout)
	payload, err := client.doJSON(ctx, http.MethodGet, "/v1/tasks/"+fs.Arg(0), nil)
	if err != nil {
		return err
	}
	if opts.jsonOutput {
		return printRawJSON(payload)
	}
	var task taskResponse
	if err := json.Unmarshal(payload, &task); err != nil {
		return err
	}
	printTask(task)
	return nil
}

func runTaskSubmit(ctx context.Context, args []string, base commonFlags) error {
	fs := newFlagSet("task submit")
	opts := base
	opts.bind(fs)
	var action, resource, target, actor, site, payloadType, payload, caps, key string
	var mutating, dangerous, testResource, help bool
	fs.StringVar(&action, "action", "", "action name (e.g. restart_container)")
	fs.StringVar(&resource, "resource", "", "resource kind (container, vm, node)")
	fs.StringVar(&target, "target", "", "target identifier")
	fs.StringVar(&actor, "actor", "", "requesting actor")
	fs.StringVar(&site, "site", "", "site name")
	fs.StringVar(&payloadType, "payload-type", "", "payload type (collect_facts, execute_script, execute_action)")
	fs.StringVar(&payload, "payload", "", "payload document (json)")
	fs.StringVar(&caps, "caps", "", "required capabilities (comma separated)")
	fs.StringVar(&key, "key", "", "idempotency key (generated when omitted)")
	fs.BoolVar(&mutating, "mutating", false, "action mutates state")
	fs.BoolVar(&dangerous, "dangerous", false, "action is destructive")
	fs.BoolVar(&testResource, "test-resource", false, "target is a designated test resource")
	fs.BoolVar(&help, "help", false, "show help")
	if err := parseFlags(fs, args, printUsage, &help); err != nil {
		return err
	}
	if action == "" || resource == "" || target == "" || site == "" || payloadType == "" {
		printUsage()
		return fmt.Errorf("action, resource, target, site, and payload-type are required")
	}

	req := taskSubmitRequest{
		ActionName:   action,
		Resource:     resource,
		Target:       target,
		Mutating:     mutating,
		Dangerous:    dangerous,
		TestResource: testResource,
		Actor:        actor,
		SiteName:     site,
		PayloadType:  payloadType,
		Payload:      payload,
	}
	if caps != "" {
		req.RequiredCapabilities = splitComma(caps)
	}
	if key != "" {
		req.IdempotencyKey = key
	}

	client := newAPIClient(opts.socketPath, opts.timeout)
	body, err := client.doJSON(ctx, http.MethodPost, "/v1/tasks", req)
	if err != nil {
		return err
	}
	if opts.jsonOutput {
		return printRawJSON(body)
	}
	var task taskResponse
	if err := json.Unmarshal(body, &task); err != nil {
		return err
	}
	fmt.Printf("Task %s queued for site %s.\n", task.ID, task.SiteName)
	return nil
}

func runEvents(ctx context.Context, args []string, base commonFlags) error {
	fs := newFlagSet("events")
	opts := base
	opts.bind(fs)
	var tail int
	var help bool
	fs.IntVar(&tail, "tail", defaultEventTail, "number of recent events")
	fs.BoolVar(&help, "help", false, "show help")
	if err := parseFlags(fs, args, printUsage, &help); err != nil {
		return err
	}

	client := newAPIClient(opts.socketPath, opts.timeout)
	payload, err := client.doJSON(ctx, http.MethodGet, "/v1/events?limit="+strconv.Itoa(tail), nil)
	if err != nil {
		return err
	}
	if opts.jsonOutput {
		return printRawJSON(payload)
	}
	var resp eventsResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return err
	}
	if len(resp.Events) == 0 {
		fmt.Println("No events.")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 2, 8, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tKIND\tTASK\tWORKER\tMESSAGE")
	for _, event := range resp.Events {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			event.Timestamp, event.Kind, orDash(event.TaskID), orDash(event.WorkerID), orDash(event.Message))
	}
	return w.Flush()
}

func runAuditCommand(ctx context.Context, args []string, base commonFlags) error {
	if len(args) == 0 {
		printUsage()
		return fmt.Errorf("audit requires a subcommand (entries, verify)")
	}
	switch args[0] {
	case "entries":
		return runAuditEntries(ctx, args[1:], base)
	case "verify":
		return runAuditVerify(ctx, args[1:], base)
	default:
		printUsage()
		return fmt.Errorf("unknown audit command %q", args[0])
	}
}

func runAuditEntries(ctx context.Context, args []string, base commonFlags) error {
	fs := newFlagSet("audit entries")
	opts := base
	opts.bind(fs)
	var from, to int64
	var help bool
	fs.Int64Var(&from, "from", 0, "first sequence number")
	fs.Int64Var(&to, "to", 0, "last sequence number")
	fs.BoolVar(&help, "help", false, "show help")
	if err := parseFlags(fs, args, printUsage, &help); err != nil {
		return err
	}

	path := "/v1/audit/entries"
	query := make([]string, 0, 2)
	if from > 0 {
		query = append(query, "from="+strconv.FormatInt(from, 10))
	}
	if to > 0 {
		query = append(query, "to="+strconv.FormatInt(to, 10))
	}
	if len(query) > 0 {
		path += "?" + strings.Join(query, "&")
	}

	client := newAPIClient(opts.socketPath, opts.timeout)
	payload, err := client.doJSON(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	if opts.jsonOutput {
		return printRawJSON(payload)
	}
	var resp auditEntriesResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return err
	}
	if len(resp.Entries) == 0 {
		fmt.Println("No audit entries.")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 2, 8, 2, ' ', 0)
	fmt.Fprintln(w, "SEQ\tTIME\tACTOR\tACTION\tTARGET\tSUMMARY")
	for _, entry := range resp.Entries {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n",
			entry.SequenceNum, entry.Timestamp, entry.Actor, entry.ActionType,
			orDash(entry.TargetResource), orDash(entry.ResultSummary))
	}
	return w.Flush()
}

func runAuditVerify(ctx context.Context, args []string, base commonFlags) error {
	fs := newFlagSet("audit verify")
	opts := base
	opts.bind(fs)
	var from, to int64
	var help bool
	fs.Int64Var(&from, "from", 0, "first sequence number")
	fs.Int64Var(&to, "to", 0, "last sequence number (default: chain head)")
	fs.BoolVar(&help, "help", false, "show help")
	if err := parseFlags(fs, args, printUsage, &help); err != nil {
		return err
	}

	client := newAPIClient(opts.socketPath, opts.timeout)
	payload, err := client.doJSON(ctx, http.MethodPost, "/v1/audit/verify", verifyRequest{From: from, To: to})
	if err != nil {
		return err
	}
	if opts.jsonOutput {
		return printRawJSON(payload)
	}
	var report verifyReport
	if err := json.Unmarshal(payload, &report); err != nil {
		return err
	}
	if report.IsValid {
		fmt.Printf("Audit chain valid: %d entries verified (seq %d..%d).\n", report.Entries, report.From, report.To)
		return nil
	}
	fmt.Printf("Audit chain INVALID: %d violation(s) in seq %d..%d.\n", len(report.Violations), report.From, report.To)
	w := tabwriter.NewWriter(os.Stdout, 2, 8, 2, ' ', 0)
	fmt.Fprintln(w, "SEQ\tTYPE\tDETAIL")
	for _, violation := range report.Violations {
		fmt.Fprintf(w, "%d\t%s\t%s\n", violation.SequenceNum, violation.Type, violation.Detail)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	return fmt.Errorf("audit verification failed")
}

func runPolicyCommand(ctx context.Context, args []string, base commonFlags) error {
	if len(args) == 0 {
		printUsage()
		return fmt.Errorf("policy requires a subcommand (show, reload)")
	}
	switch args[0] {
	case "show":
		return runPolicyShow(ctx, args[1:], base)
	case "reload":
		return runPolicyReload(ctx, args[1:], base)
	default:
		printUsage()
		return fmt.Errorf("unknown policy command %q", args[0])
	}
}

func runPolicyShow(ctx context.Context, args []string, base commonFlags) error {
	fs := newFlagSet("policy show")
	opts := base
	opts.bind(fs)
	var help bool
	fs.BoolVar(&help, "help", false, "show help")
	if err := parseFlags(fs, args, printUsage, &help); err != nil {
		return err
	}

	client := newAPIClient(opts.socketPath, opts.timeout)
	payload, err := client.doJSON(ctx, http.MethodGet, "/v1/policy", nil)
	if err != nil {
		return err
	}
	if opts.jsonOutput {
		return printRawJSON(payload)
	}
	var pol policyResponse
	if err := json.Unmarshal(payload, &pol); err != nil {
		return err
	}
	printPolicy(pol)
	return nil
}

func runPolicyReload(ctx context.Context, args []string, base commonFlags) error {
	fs := newFlagSet("policy reload")
	opts := base
	opts.bind(fs)
	var help bool
	fs.BoolVar(&help, "help", false, "show help")
	if err := parseFlags(fs, args, printUsage, &help); err != nil {
		return err
	}

	client := newAPIClient(opts.socketPath, opts.timeout)
	payload, err := client.doJSON(ctx, http.MethodPost, "/v1/policy/reload", nil)
	if err != nil {
		return err
	}
	if opts.jsonOutput {
		return printRawJSON(payload)
	}
	var pol policyResponse
	if err := json.Unmarshal(payload, &pol); err != nil {
		return err
	}
	fmt.Println("Policy reloaded.")
	printPolicy(pol)
	return nil
}

func runRetentionCommand(ctx context.Context, args []string, base commonFlags) error {
	if len(args) == 0 {
		printUsage()
		return fmt.Errorf("retention requires a subcommand (preview, run)")
	}
	switch args[0] {
	case "preview":
		return runRetentionPreview(ctx, args[1:], base)
	case "run":
		return runRetentionRun(ctx, args[1:], base)
	default:
		printUsage()
		return fmt.Errorf("unknown retention command %q", args[0])
	}
}

func runRetentionPreview(ctx context.Context, args []string, base commonFlags) error {
	fs := newFlagSet("retention preview")
	opts := base
	opts.bind(fs)
	var help bool
	fs.BoolVar(&help, "help", false, "show help")
	if err := parseFlags(fs, args, printUsage, &help); err != nil {
		return err
	}

	client := newAPIClient(opts.socketPath, opts.timeout)
	payload, err := client.doJSON(ctx, http.MethodGet, "/v1/retention/preview", nil)
	if err != nil {
		return err
	}
	if opts.jsonOutput {
		return printRawJSON(payload)
	}
	var stats retentionStatsResponse
	if err := json.Unmarshal(payload, &stats); err != nil {
		return err
	}
	printRetentionStats(stats)
	return nil
}

func runRetentionRun(ctx context.Context, args []string, base commonFlags) error {
	fs := newFlagSet("retention run")
	opts := base
	opts.bind(fs)
	var execute, force, help bool
	fs.BoolVar(&execute, "execute", false, "delete aged records instead of counting them")
	fs.BoolVar(&force, "force", false, "skip confirmation")
	fs.BoolVar(&help, "help", false, "show help")
	if err := parseFlags(fs, args, printUsage, &help); err != nil {
		return err
	}

	if execute {
		err := requireConfirmation(confirmOptions{
			action:     "delete aged records",
			force:      force,
			jsonOutput: opts.jsonOutput,
		})
		if err != nil {
			return err
		}
	}

	dryRun := !execute
	client := newAPIClient(opts.socketPath, opts.timeout)
	payload, err := client.doJSON(ctx, http.MethodPost, "/v1/retention/run", retentionRunRequest{DryRun: &dryRun})
	if err != nil {
		return err
	}
	if opts.jsonOutput {
		return printRawJSON(payload)
	}
	var stats retentionStatsResponse
	if err := json.Unmarshal(payload, &stats); err != nil {
		return err
	}
	printRetentionStats(stats)
	return nil
}

func printRetentionStats(stats retentionStatsResponse) {
	mode := "executed"
	verb := "deleted"
	if stats.DryRun {
		mode = "dry run"
		verb = "would delete"
	}
	fmt.Printf("Retention pass at %s (%s):\n", stats.RanAt, mode)
	fmt.Printf("  completed tasks %s: %d\n", verb, stats.CompletedTasks)
	fmt.Printf("  failed tasks %s: %d\n", verb, stats.FailedTasks)
	fmt.Printf("  expired tasks %s: %d\n", verb, stats.ExpiredTasks)
	fmt.Printf("  results %s: %d\n", verb, stats.Results)
	fmt.Printf("  events %s: %d\n", verb, stats.Events)
	fmt.Printf("  audit entries exported: %d, pruned: %d\n", stats.AuditExported, stats.AuditPruned)
	if stats.AuditExportPath != "" {
		fmt.Printf("  audit export: %s\n", stats.AuditExportPath)
	}
	fmt.Printf("  checkpoints retained: %d\n", stats.RetainedCheckpoints)
}

func printTask(task taskResponse) {
	fmt.Printf("ID: %s\n", task.ID)
	fmt.Printf("Site: %s\n", task.SiteName)
	fmt.Printf("Payload type: %s\n", task.PayloadType)
	fmt.Printf("Status: %s\n", task.Status)
	fmt.Printf("Claimed by: %s\n", orDash(task.ClaimedBy))
	fmt.Printf("Lease expires: %s\n", orDash(task.LeaseExpiresAt))
	fmt.Printf("Idempotency key: %s\n", task.IdempotencyKey)
	fmt.Printf("Capabilities: %s\n", orDash(strings.Join(task.RequiredCapabilities, ",")))
	fmt.Printf("Created: %s\n", task.CreatedAt)
	if task.Payload != "" {
		fmt.Printf("Payload: %s\n", task.Payload)
	}
}

func printPolicy(pol policyResponse) {
	fmt.Printf("Execution mode: %s\n", pol.ExecutionMode)
	fmt.Printf("Read only: %t\n", pol.ReadOnly)
	fmt.Printf("Allow dangerous ops: %t\n", pol.AllowDangerousOps)
	fmt.Printf("Container allowlist: %s\n", orDash(strings.Join(pol.ContainerAllowlist, ",")))
	fmt.Printf("VM allowlist: %s\n", orDash(strings.Join(pol.VMAllowlist, ",")))
	fmt.Printf("Node allowlist: %s\n", orDash(strings.Join(pol.NodeAllowlist, ",")))
}

func printRawJSON(payload []byte) error {
	var out json.RawMessage
	if err := json.Unmarshal(payload, &out); err != nil {
		return err
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func orDash(value string) string {
	if strings.TrimSpace(value) == "" {
		return "-"
	}
	return value
}

func splitComma(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
