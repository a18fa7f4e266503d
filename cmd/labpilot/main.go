package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/labpilot/labpilot/internal/buildinfo"
)

const usageText = `labpilot is the CLI for labpilotd.

Usage:
  labpilot --version
  labpilot [--socket PATH] [--json] [--timeout DURATION] status
  labpilot [--socket PATH] [--json] [--timeout DURATION] workers
  labpilot [--socket PATH] [--json] [--timeout DURATION] task list [--status <status>]
  labpilot [--socket PATH] [--json] [--timeout DURATION] task show <task_id>
  labpilot [--socket PATH] [--json] [--timeout DURATION] task submit --action <name> --resource <kind> --target <target> --site <site> --payload-type <type> [--payload <json>] [--caps <a,b>] [--mutating] [--dangerous] [--test-resource] [--key <idempotency_key>]
  labpilot [--socket PATH] [--json] [--timeout DURATION] events [--tail <n>]
  labpilot [--socket PATH] [--json] [--timeout DURATION] audit entries [--from <seq>] [--to <seq>]
  labpilot [--socket PATH] [--json] [--timeout DURATION] audit verify [--from <seq>] [--to <seq>]
  labpilot [--socket PATH] [--json] [--timeout DURATION] policy show
  labpilot [--socket PATH] [--json] [--timeout DURATION] policy reload
  labpilot [--socket PATH] [--json] [--timeout DURATION] retention preview
  labpilot [--socket PATH] [--json] [--timeout DURATION] retention run [--execute] [--force]

Global Flags:
  --socket PATH   Path to labpilotd socket (default /run/labpilot/labpilotd.sock)
  --json          Output json
  --timeout       Request timeout (e.g. 30s, 2m)
`

type globalOptions struct {
	socketPath  string
	jsonOutput  bool
	showVersion bool
	timeout     time.Duration
}

func main() {
	opts, args, err := parseGlobal(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		printUsage()
		os.Exit(2)
	}
	if opts.showVersion {
		fmt.Println(buildinfo.String())
		return
	}
	if len(args) == 0 || isHelpToken(args[0]) {
		printUsage()
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	base := commonFlags{socketPath: opts.socketPath, jsonOutput: opts.jsonOutput, timeout: opts.timeout}
	if err := dispatch(ctx, args, base); err != nil {
		if errors.Is(err, errHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func parseGlobal(args []string) (globalOptions, []string, error) {
	opts := globalOptions{socketPath: defaultSocketPath}
	fs := flag.NewFlagSet("labpilot", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&opts.socketPath, "socket", defaultSocketPath, "path to labpilotd socket")
	fs.BoolVar(&opts.jsonOutput, "json", false, jsonFlagDescription)
	fs.DurationVar(&opts.timeout, "timeout", defaultRequestTimeout, "request timeout (e.g. 30s, 2m)")
	fs.BoolVar(&opts.showVersion, "version", false, "print version and exit")
	if err := fs.Parse(args); err != nil {
		return opts, nil, err
	}
	if opts.socketPath == "" {
		opts.socketPath = defaultSocketPath
	}
	return opts, fs.Args(), nil
}

func dispatch(ctx context.Context, args []string, base commonFlags) error {
	switch args[0] {
	case "status":
		return runStatus(ctx, args[1:], base)
	case "workers":
		return runWorkers(ctx, args[1:], base)
	case "task":
		return runTaskCommand(ctx, args[1:], base)
	case "events":
		return runEvents(ctx, args[1:], base)
	case "audit":
		return runAuditCommand(ctx, args[1:], base)
	case "policy":
		return runPolicyCommand(ctx, args[1:], base)
	case "retention":
		return runRetentionCommand(ctx, args[1:], base)
	default:
		printUsage()
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func printUsage() {
	_, _ = fmt.Fprint(os.Stdout, usageText)
}

func isHelpToken(arg string) bool {
	switch strings.ToLower(strings.TrimSpace(arg)) {
	case "help", "-h", "--help":
		return true
	}
	return false
}
