package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/sqsd-gate/internal/config"
	"github.com/mattjoyce/sqsd-gate/internal/digest"
	"github.com/mattjoyce/sqsd-gate/internal/gate"
	"github.com/mattjoyce/sqsd-gate/internal/joblog"
	"github.com/mattjoyce/sqsd-gate/internal/storage"
)

var version = "0.1.0"

// stdin is swapped in tests.
var stdin io.Reader = os.Stdin

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) < 1 {
		printUsage(os.Stderr)
		return 1
	}

	cmd := args[0]
	rest := args[1:]

	switch cmd {
	// --- NOUNS ---
	case "system":
		return runSystemNoun(rest)
	case "config":
		return runConfigNoun(rest)
	case "digest":
		return runDigestNoun(rest)
	case "jobs":
		return runJobsNoun(rest)

	// --- ROOT ALIASES ---
	case "start":
		return runStart(rest)
	case "version":
		fmt.Printf("sqsd-gate version %s\n", version)
		return 0
	case "help", "--help", "-h":
		printUsage(os.Stdout)
		return 0

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage(os.Stderr)
		return 1
	}
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `sqsd-gate - Admission gate for aws-sqsd worker traffic

Usage:
  sqsd-gate <noun> <action> [flags]

Core Resources (Nouns):
  system    Gate lifecycle
  config    Configuration and integrity
  digest    Message digest tooling
  jobs      Execution ledger

System Commands:
  system start      Start the gate in the foreground

Config Commands:
  config check      Validate syntax, policy, and integrity
  config lock       Authorize the current config (update .checksums)
  config show       Print the resolved config with secrets redacted

Digest Commands:
  digest sign       Print the digest of a message body
  digest verify     Check a digest against a message body

Jobs Commands:
  jobs list         Show recent job and task executions
  jobs show <id>    Show one execution, including captured stderr

General:
  version           Show version information
  help              Show this help message

Use 'sqsd-gate <noun> help' for resource-specific flags.
`)
}

// --- NOUN DISPATCHERS ---

func runSystemNoun(args []string) int {
	if len(args) < 1 {
		printSystemNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printSystemNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "start":
		if hasHelpFlag(actionArgs) {
			printSystemStartHelp()
			return 0
		}
		return runStart(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown system action: %s\n", action)
		return 1
	}
}

func runConfigNoun(args []string) int {
	if len(args) < 1 {
		printConfigNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printConfigNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "check":
		if hasHelpFlag(actionArgs) {
			printConfigCheckHelp()
			return 0
		}
		return runConfigCheck(actionArgs)
	case "lock":
		if hasHelpFlag(actionArgs) {
			printConfigLockHelp()
			return 0
		}
		return runConfigLock(actionArgs)
	case "show":
		if hasHelpFlag(actionArgs) {
			printConfigShowHelp()
			return 0
		}
		return runConfigShow(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", action)
		return 1
	}
}

func runDigestNoun(args []string) int {
	if len(args) < 1 {
		printDigestNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printDigestNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "sign":
		if hasHelpFlag(actionArgs) {
			printDigestSignHelp()
			return 0
		}
		return runDigest(actionArgs, false)
	case "verify":
		if hasHelpFlag(actionArgs) {
			printDigestVerifyHelp()
			return 0
		}
		return runDigest(actionArgs, true)
	default:
		fmt.Fprintf(os.Stderr, "Unknown digest action: %s\n", action)
		return 1
	}
}

func runJobsNoun(args []string) int {
	if len(args) < 1 {
		printJobsNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printJobsNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "list":
		if hasHelpFlag(actionArgs) {
			printJobsListHelp()
			return 0
		}
		return runJobsList(actionArgs)
	case "show":
		if hasHelpFlag(actionArgs) {
			printJobsShowHelp()
			return 0
		}
		return runJobsShow(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown jobs action: %s\n", action)
		return 1
	}
}

func isHelpToken(token string) bool {
	return token == "help" || token == "--help" || token == "-h"
}

func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" {
			return true
		}
	}
	return false
}

func printSystemNounHelp(w io.Writer) {
	fmt.Fprintln(w, "Usage: sqsd-gate system <action>")
	fmt.Fprintln(w, "Actions: start")
}

func printConfigNounHelp(w io.Writer) {
	fmt.Fprintln(w, "Usage: sqsd-gate config <action> [flags]")
	fmt.Fprintln(w, "Actions: check, lock, show")
}

func printDigestNounHelp(w io.Writer) {
	fmt.Fprintln(w, "Usage: sqsd-gate digest <action> [flags]")
	fmt.Fprintln(w, "Actions: sign, verify")
}

func printJobsNounHelp(w io.Writer) {
	fmt.Fprintln(w, "Usage: sqsd-gate jobs <action> [flags]")
	fmt.Fprintln(w, "Actions: list, show")
}

func printSystemStartHelp() {
	fmt.Println("Usage: sqsd-gate system start [--config PATH]")
	fmt.Println("Start the gate in the foreground. SIGINT/SIGTERM drains, then stops.")
}

func printConfigCheckHelp() {
	fmt.Println("Usage: sqsd-gate config check [--config PATH] [--json]")
	fmt.Println("Validate configuration syntax, policy, and integrity.")
}

func printConfigLockHelp() {
	fmt.Println("Usage: sqsd-gate config lock [--config PATH] [--dry-run]")
	fmt.Println("Record the config file's BLAKE3 hash in .checksums beside it.")
}

func printConfigShowHelp() {
	fmt.Println("Usage: sqsd-gate config show [--config PATH] [--json]")
	fmt.Println("Print the resolved configuration. The digest secret is redacted.")
}

func printDigestSignHelp() {
	fmt.Println("Usage: sqsd-gate digest sign [--config PATH | --secret S] [--scheme S] [--file F]")
	fmt.Println("Print the digest of the body read from --file or stdin.")
}

func printDigestVerifyHelp() {
	fmt.Println("Usage: sqsd-gate digest verify --digest D [--config PATH | --secret S] [--scheme S] [--file F]")
	fmt.Println("Exit 0 when D is the digest of the body, 1 otherwise.")
}

func printJobsShowHelp() {
	fmt.Println("Usage: sqsd-gate jobs show <id> [--config PATH] [--json]")
	fmt.Println("Show one execution, including its last error and captured stderr.")
}

func printJobsListHelp() {
	fmt.Println("Usage: sqsd-gate jobs list [--config PATH] [--limit N] [--json]")
	fmt.Println("Show the most recent executions, newest first.")
}

// --- ACTION IMPLEMENTATIONS ---

func loadConfigForTool(configPath string) (*config.Config, string, error) {
	path, err := config.Discover(configPath)
	if err != nil {
		return nil, "", err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, path, err
	}
	return cfg, path, nil
}

// CheckResult is the `config check --json` output.
type CheckResult struct {
	Valid    bool     `json:"valid"`
	Path     string   `json:"path,omitempty"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

func runConfigCheck(args []string) int {
	var configPath string
	var jsonOut bool

	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	fs.StringVar(&configPath, "config", "", "Path to configuration")
	fs.BoolVar(&jsonOut, "json", false, "Output in JSON")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	result := checkConfig(configPath)

	if jsonOut {
		out, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "JSON format error: %v\n", err)
			return 1
		}
		fmt.Println(string(out))
	} else {
		if result.Path != "" {
			fmt.Printf("Config: %s\n", result.Path)
		}
		for _, e := range result.Errors {
			fmt.Printf("  ERROR %s\n", e)
		}
		for _, w := range result.Warnings {
			fmt.Printf("  WARN  %s\n", w)
		}
		if result.Valid {
			fmt.Println("Configuration OK")
		}
	}

	if !result.Valid {
		return 1
	}
	return 0
}

func checkConfig(configPath string) CheckResult {
	cfg, path, err := loadConfigForTool(configPath)
	result := CheckResult{Path: path}
	if err != nil {
		result.Errors = append(result.Errors, err.Error())
		return result
	}

	if _, err := gate.FromGlobalConfig(cfg.Gate); err != nil {
		result.Errors = append(result.Errors, err.Error())
	}
	if !cfg.Gate.Enabled {
		result.Warnings = append(result.Warnings, "gate is disabled: daemon traffic reaches the application unchecked")
	}
	if cfg.Upstream.URL == "" {
		result.Warnings = append(result.Warnings, "upstream.url is empty: passed-through requests get 404")
	}
	for _, name := range sortedHandlerNames(cfg.Jobs.Handlers) {
		if _, err := exec.LookPath(cfg.Jobs.Handlers[name].Command); err != nil {
			result.Warnings = append(result.Warnings, fmt.Sprintf("jobs.handlers.%s: %v", name, err))
		}
	}

	result.Valid = len(result.Errors) == 0
	return result
}

func runConfigLock(args []string) int {
	var configPath string
	var dryRun bool

	fs := flag.NewFlagSet("lock", flag.ContinueOnError)
	fs.StringVar(&configPath, "config", "", "Path to configuration")
	fs.BoolVar(&dryRun, "dry-run", false, "Dry run")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	path, err := config.Discover(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to discover config: %v\n", err)
		return 1
	}
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		path = filepath.Join(path, "config.yaml")
	}

	report, err := config.Lock(path, dryRun)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to lock config: %v\n", err)
		return 1
	}

	fmt.Printf("HASH %s: %s\n", report.ConfigPath, report.Hash)
	if report.Written {
		fmt.Printf("WROTE .checksums: %s\n", report.ChecksumPath)
	} else {
		fmt.Printf("DRY-RUN .checksums: %s (not written)\n", report.ChecksumPath)
	}
	return 0
}

func runConfigShow(args []string) int {
	var configPath string
	var jsonOut bool

	fs := flag.NewFlagSet("show", flag.ContinueOnError)
	fs.StringVar(&configPath, "config", "", "Path to configuration")
	fs.BoolVar(&jsonOut, "json", false, "Output in JSON")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	cfg, _, err := loadConfigForTool(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	out, err := yaml.Marshal(cfg.Redacted())
	if err != nil {
		fmt.Fprintf(os.Stderr, "YAML format error: %v\n", err)
		return 1
	}

	if jsonOut {
		// Round-trip through YAML so JSON keys match the config file.
		var tree map[string]any
		if err := yaml.Unmarshal(out, &tree); err != nil {
			fmt.Fprintf(os.Stderr, "JSON format error: %v\n", err)
			return 1
		}
		js, err := json.MarshalIndent(tree, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "JSON format error: %v\n", err)
			return 1
		}
		fmt.Println(string(js))
		return 0
	}
	fmt.Print(string(out))
	return 0
}

func runDigest(args []string, verify bool) int {
	var configPath, secret, scheme, file, claimed string

	fs := flag.NewFlagSet("digest", flag.ContinueOnError)
	fs.StringVar(&configPath, "config", "", "Read the secret and scheme from this configuration")
	fs.StringVar(&secret, "secret", "", "Digest secret (overrides --config)")
	fs.StringVar(&scheme, "scheme", "", "Digest scheme: hmac-sha256 or blake3-keyed")
	fs.StringVar(&file, "file", "", "Read the body from this file instead of stdin")
	if verify {
		fs.StringVar(&claimed, "digest", "", "Digest to check")
	}
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if verify && claimed == "" {
		fmt.Fprintln(os.Stderr, "Error: --digest is required")
		return 1
	}

	if secret == "" {
		cfg, _, err := loadConfigForTool(configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load config (or pass --secret): %v\n", err)
			return 1
		}
		secret = cfg.Gate.SecretKeyBase
		if scheme == "" {
			scheme = cfg.Gate.DigestScheme
		}
	}

	parsed, err := digest.ParseScheme(scheme)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	v, err := digest.New(secret, parsed)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	body, err := readBody(file)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read body: %v\n", err)
		return 1
	}

	if !verify {
		fmt.Println(v.Generate(body))
		return 0
	}
	if v.Verify(body, claimed) {
		fmt.Println("valid")
		return 0
	}
	fmt.Println("invalid")
	return 1
}

func readBody(file string) ([]byte, error) {
	if file != "" {
		return os.ReadFile(file)
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, stdin); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// executionView is the JSON shape of `jobs list` and `jobs show`.
type executionView struct {
	ID           string     `json:"id"`
	Kind         string     `json:"kind"`
	Name         string     `json:"name"`
	JobID        string     `json:"job_id"`
	MessageID    string     `json:"message_id,omitempty"`
	Queue        string     `json:"queue,omitempty"`
	ReceiveCount int        `json:"receive_count"`
	Status       string     `json:"status"`
	StartedAt    time.Time  `json:"started_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	DurationMS   int64      `json:"duration_ms"`
	LastError    string     `json:"last_error,omitempty"`
	Stderr       string     `json:"stderr,omitempty"`
}

func runJobsList(args []string) int {
	var configPath string
	var limit int
	var jsonOut bool

	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	fs.StringVar(&configPath, "config", "", "Path to configuration")
	fs.IntVar(&limit, "limit", 20, "Number of executions to show")
	fs.BoolVar(&jsonOut, "json", false, "Output in JSON")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	cfg, _, err := loadConfigForTool(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	ctx := context.Background()
	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open database: %v\n", err)
		return 1
	}
	defer db.Close()

	execs, err := joblog.New(db).Recent(ctx, limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to list executions: %v\n", err)
		return 1
	}

	if jsonOut {
		views := make([]executionView, 0, len(execs))
		for _, e := range execs {
			views = append(views, viewOf(e))
		}
		out, err := json.MarshalIndent(views, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "JSON format error: %v\n", err)
			return 1
		}
		fmt.Println(string(out))
		return 0
	}

	if len(execs) == 0 {
		fmt.Println("No executions recorded")
		return 0
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STARTED\tKIND\tNAME\tSTATUS\tDURATION\tMESSAGE")
	for _, e := range execs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			e.StartedAt.Format(time.RFC3339), e.Kind, e.Name, e.Status, e.Duration, e.MessageID)
	}
	_ = tw.Flush()
	return 0
}

func viewOf(e joblog.Execution) executionView {
	v := executionView{
		ID:           e.ID,
		Kind:         string(e.Kind),
		Name:         e.Name,
		JobID:        e.JobID,
		MessageID:    e.MessageID,
		Queue:        e.Queue,
		ReceiveCount: e.ReceiveCount,
		Status:       string(e.Status),
		StartedAt:    e.StartedAt,
		CompletedAt:  e.CompletedAt,
		DurationMS:   e.Duration.Milliseconds(),
	}
	if e.LastError != nil {
		v.LastError = *e.LastError
	}
	if e.Stderr != nil {
		v.Stderr = *e.Stderr
	}
	return v
}

func runJobsShow(args []string) int {
	// The id may come before or after the flags.
	var id string
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		id, args = args[0], args[1:]
	}

	var configPath string
	var jsonOut bool
	fs := flag.NewFlagSet("show", flag.ContinueOnError)
	fs.StringVar(&configPath, "config", "", "Path to configuration")
	fs.BoolVar(&jsonOut, "json", false, "Output in JSON")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if id == "" && fs.NArg() > 0 {
		id = fs.Arg(0)
	}
	if id == "" {
		fmt.Fprintln(os.Stderr, "Error: execution id is required")
		return 1
	}

	cfg, _, err := loadConfigForTool(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	ctx := context.Background()
	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open database: %v\n", err)
		return 1
	}
	defer db.Close()

	e, err := joblog.New(db).Get(ctx, id)
	if errors.Is(err, joblog.ErrExecutionNotFound) {
		fmt.Fprintf(os.Stderr, "Execution not found: %s\n", id)
		return 1
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load execution: %v\n", err)
		return 1
	}

	v := viewOf(*e)
	if jsonOut {
		out, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "JSON format error: %v\n", err)
			return 1
		}
		fmt.Println(string(out))
		return 0
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "ID:\t%s\n", v.ID)
	fmt.Fprintf(tw, "Kind:\t%s\n", v.Kind)
	fmt.Fprintf(tw, "Name:\t%s\n", v.Name)
	fmt.Fprintf(tw, "Job ID:\t%s\n", v.JobID)
	fmt.Fprintf(tw, "Message ID:\t%s\n", v.MessageID)
	fmt.Fprintf(tw, "Queue:\t%s\n", v.Queue)
	fmt.Fprintf(tw, "Receive count:\t%d\n", v.ReceiveCount)
	fmt.Fprintf(tw, "Status:\t%s\n", v.Status)
	fmt.Fprintf(tw, "Started:\t%s\n", v.StartedAt.Format(time.RFC3339))
	fmt.Fprintf(tw, "Duration:\t%s\n", e.Duration)
	if v.LastError != "" {
		fmt.Fprintf(tw, "Last error:\t%s\n", v.LastError)
	}
	_ = tw.Flush()
	if v.Stderr != "" {
		fmt.Printf("\nstderr:\n%s\n", v.Stderr)
	}
	return 0
}
