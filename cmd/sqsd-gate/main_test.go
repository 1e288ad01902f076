package main

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mattjoyce/sqsd-gate/internal/digest"
	"github.com/mattjoyce/sqsd-gate/internal/joblog"
	"github.com/mattjoyce/sqsd-gate/internal/storage"
)

func captureOutputWithExitCode(t *testing.T, run func() int) (int, string, string) {
	t.Helper()

	oldStdout := os.Stdout
	oldStderr := os.Stderr

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe stdout failed: %v", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe stderr failed: %v", err)
	}

	os.Stdout = stdoutW
	os.Stderr = stderrW

	code := run()

	_ = stdoutW.Close()
	_ = stderrW.Close()
	os.Stdout = oldStdout
	os.Stderr = oldStderr

	stdoutBytes, _ := io.ReadAll(stdoutR)
	stderrBytes, _ := io.ReadAll(stderrR)

	_ = stdoutR.Close()
	_ = stderrR.Close()

	return code, string(stdoutBytes), string(stderrBytes)
}

func captureRun(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	return captureOutputWithExitCode(t, func() int { return run(args) })
}

func withStdin(t *testing.T, body string) {
	t.Helper()
	old := stdin
	stdin = strings.NewReader(body)
	t.Cleanup(func() { stdin = old })
}

func writeConfig(t *testing.T, body string) (string, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return dir, path
}

func validConfig(dir string) string {
	return `
service:
  log_level: info
listen: 127.0.0.1:8080
gate:
  secret_key_base: s3krit
jobs:
  handlers:
    ReportJob:
      command: /bin/sh
state:
  path: ` + filepath.Join(dir, "gate.db") + `
`
}

func TestRunVersionAndHelp(t *testing.T) {
	code, stdout, _ := captureRun(t, "version")
	if code != 0 || !strings.Contains(stdout, "sqsd-gate version "+version) {
		t.Fatalf("version: code=%d stdout=%q", code, stdout)
	}

	code, stdout, _ = captureRun(t, "help")
	if code != 0 || !strings.Contains(stdout, "digest verify") {
		t.Fatalf("help: code=%d stdout=%q", code, stdout)
	}
}

func TestRunUnknownCommand(t *testing.T) {
	code, _, stderr := captureRun(t, "frobnicate")
	if code != 1 {
		t.Fatalf("code = %d, want 1", code)
	}
	if !strings.Contains(stderr, "Unknown command: frobnicate") {
		t.Fatalf("stderr = %q", stderr)
	}
}

func TestNounHelpAndUnknownAction(t *testing.T) {
	for _, noun := range []string{"system", "config", "digest", "jobs"} {
		code, stdout, _ := captureRun(t, noun, "help")
		if code != 0 || !strings.Contains(stdout, "Usage: sqsd-gate "+noun) {
			t.Errorf("%s help: code=%d stdout=%q", noun, code, stdout)
		}

		code, _, stderr := captureRun(t, noun)
		if code != 1 || !strings.Contains(stderr, "Usage: sqsd-gate "+noun) {
			t.Errorf("%s without action: code=%d stderr=%q", noun, code, stderr)
		}

		code, _, stderr = captureRun(t, noun, "bogus")
		if code != 1 || !strings.Contains(stderr, "Unknown "+noun+" action: bogus") {
			t.Errorf("%s bogus: code=%d stderr=%q", noun, code, stderr)
		}
	}
}

func TestActionHelpFlag(t *testing.T) {
	code, stdout, _ := captureRun(t, "system", "start", "--help")
	if code != 0 || !strings.Contains(stdout, "system start [--config PATH]") {
		t.Fatalf("code=%d stdout=%q", code, stdout)
	}
}

func TestConfigCheckValidJSON(t *testing.T) {
	dir := t.TempDir()
	_, path := writeConfig(t, validConfig(dir))

	code, stdout, stderr := captureRun(t, "config", "check", "--config", path, "--json")
	if code != 0 {
		t.Fatalf("code = %d, stdout=%s stderr=%s", code, stdout, stderr)
	}

	var result CheckResult
	if err := json.Unmarshal([]byte(stdout), &result); err != nil {
		t.Fatalf("unmarshal: %v (%s)", err, stdout)
	}
	if !result.Valid || len(result.Errors) != 0 {
		t.Fatalf("result = %+v", result)
	}
	// No upstream configured.
	if len(result.Warnings) != 1 || !strings.Contains(result.Warnings[0], "upstream.url") {
		t.Fatalf("warnings = %v", result.Warnings)
	}
}

func TestConfigCheckReportsInvalidConfig(t *testing.T) {
	_, path := writeConfig(t, "listen: 127.0.0.1:8080\n")

	code, stdout, _ := captureRun(t, "config", "check", "--config", path)
	if code != 1 {
		t.Fatalf("code = %d, want 1", code)
	}
	if !strings.Contains(stdout, "ERROR") || !strings.Contains(stdout, "secret_key_base") {
		t.Fatalf("stdout = %q", stdout)
	}
}

func TestConfigCheckWarnsOnMissingHandlerCommand(t *testing.T) {
	dir := t.TempDir()
	cfg := strings.Replace(validConfig(dir), "command: /bin/sh", "command: "+filepath.Join(dir, "missing"), 1)
	_, path := writeConfig(t, cfg)

	code, stdout, _ := captureRun(t, "config", "check", "--config", path)
	if code != 0 {
		t.Fatalf("code = %d, stdout=%s", code, stdout)
	}
	if !strings.Contains(stdout, "WARN  jobs.handlers.ReportJob") {
		t.Fatalf("stdout = %q", stdout)
	}
}

func TestConfigLockThenTamper(t *testing.T) {
	dir := t.TempDir()
	cfgDir, path := writeConfig(t, validConfig(dir))

	code, stdout, stderr := captureRun(t, "config", "lock", "--config", path, "--dry-run")
	if code != 0 || !strings.Contains(stdout, "DRY-RUN .checksums") {
		t.Fatalf("dry run: code=%d stdout=%q stderr=%q", code, stdout, stderr)
	}
	if _, err := os.Stat(filepath.Join(cfgDir, ".checksums")); !os.IsNotExist(err) {
		t.Fatalf("dry run wrote .checksums: %v", err)
	}

	code, stdout, stderr = captureRun(t, "config", "lock", "--config", cfgDir)
	if code != 0 || !strings.Contains(stdout, "WROTE .checksums") {
		t.Fatalf("lock: code=%d stdout=%q stderr=%q", code, stdout, stderr)
	}

	if code, _, _ := captureRun(t, "config", "check", "--config", path); code != 0 {
		t.Fatalf("check after lock: code = %d", code)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0)
	if err != nil {
		t.Fatal(err)
	}
	_, _ = f.WriteString("# edited\n")
	_ = f.Close()

	code, stdout, _ = captureRun(t, "config", "check", "--config", path)
	if code != 1 || !strings.Contains(stdout, "hash mismatch") {
		t.Fatalf("check after tamper: code=%d stdout=%q", code, stdout)
	}
}

func TestConfigShowRedactsSecret(t *testing.T) {
	dir := t.TempDir()
	_, path := writeConfig(t, validConfig(dir))

	code, stdout, _ := captureRun(t, "config", "show", "--config", path)
	if code != 0 {
		t.Fatalf("code = %d", code)
	}
	if strings.Contains(stdout, "s3krit") {
		t.Fatalf("secret leaked: %s", stdout)
	}
	if !strings.Contains(stdout, "[redacted]") {
		t.Fatalf("stdout = %s", stdout)
	}

	code, stdout, _ = captureRun(t, "config", "show", "--config", path, "--json")
	if code != 0 {
		t.Fatalf("json code = %d", code)
	}
	var tree map[string]any
	if err := json.Unmarshal([]byte(stdout), &tree); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	gateNode, ok := tree["gate"].(map[string]any)
	if !ok {
		t.Fatalf("gate node missing: %v", tree)
	}
	if gateNode["secret_key_base"] != "[redacted]" {
		t.Fatalf("secret_key_base = %v", gateNode["secret_key_base"])
	}
	if gateNode["digest_scheme"] != "hmac-sha256" {
		t.Fatalf("digest_scheme = %v", gateNode["digest_scheme"])
	}
}

func TestDigestSignAndVerify(t *testing.T) {
	body := `{"job_class":"ReportJob","job_id":"j-1"}`
	v, err := digest.New("s3krit", digest.SchemeHMACSHA256)
	if err != nil {
		t.Fatal(err)
	}
	want := v.Generate([]byte(body))

	withStdin(t, body)
	code, stdout, stderr := captureRun(t, "digest", "sign", "--secret", "s3krit")
	if code != 0 {
		t.Fatalf("sign: code=%d stderr=%q", code, stderr)
	}
	if strings.TrimSpace(stdout) != want {
		t.Fatalf("sign = %q, want %q", stdout, want)
	}

	withStdin(t, body)
	code, stdout, _ = captureRun(t, "digest", "verify", "--secret", "s3krit", "--digest", want)
	if code != 0 || strings.TrimSpace(stdout) != "valid" {
		t.Fatalf("verify: code=%d stdout=%q", code, stdout)
	}

	withStdin(t, body+" ")
	code, stdout, _ = captureRun(t, "digest", "verify", "--secret", "s3krit", "--digest", want)
	if code != 1 || strings.TrimSpace(stdout) != "invalid" {
		t.Fatalf("verify tampered: code=%d stdout=%q", code, stdout)
	}
}

func TestDigestSignFromConfigAndFile(t *testing.T) {
	dir := t.TempDir()
	cfg := strings.Replace(validConfig(dir), "secret_key_base: s3krit", "secret_key_base: s3krit\n  digest_scheme: blake3-keyed", 1)
	_, path := writeConfig(t, cfg)

	bodyPath := filepath.Join(dir, "body.json")
	if err := os.WriteFile(bodyPath, []byte("payload"), 0o600); err != nil {
		t.Fatal(err)
	}

	v, err := digest.New("s3krit", digest.SchemeBlake3Keyed)
	if err != nil {
		t.Fatal(err)
	}

	code, stdout, stderr := captureRun(t, "digest", "sign", "--config", path, "--file", bodyPath)
	if code != 0 {
		t.Fatalf("code=%d stderr=%q", code, stderr)
	}
	if strings.TrimSpace(stdout) != v.Generate([]byte("payload")) {
		t.Fatalf("sign = %q", stdout)
	}
}

func TestDigestVerifyRequiresDigest(t *testing.T) {
	code, _, stderr := captureRun(t, "digest", "verify", "--secret", "s3krit")
	if code != 1 || !strings.Contains(stderr, "--digest is required") {
		t.Fatalf("code=%d stderr=%q", code, stderr)
	}
}

func TestDigestRejectsUnknownScheme(t *testing.T) {
	withStdin(t, "x")
	code, _, stderr := captureRun(t, "digest", "sign", "--secret", "s3krit", "--scheme", "md5")
	if code != 1 || stderr == "" {
		t.Fatalf("code=%d stderr=%q", code, stderr)
	}
}

func TestJobsList(t *testing.T) {
	dir := t.TempDir()
	_, path := writeConfig(t, validConfig(dir))

	code, stdout, _ := captureRun(t, "jobs", "list", "--config", path)
	if code != 0 || !strings.Contains(stdout, "No executions recorded") {
		t.Fatalf("empty list: code=%d stdout=%q", code, stdout)
	}

	ctx := context.Background()
	db, err := storage.OpenSQLite(ctx, filepath.Join(dir, "gate.db"))
	if err != nil {
		t.Fatal(err)
	}
	store := joblog.New(db)
	id, err := store.Start(ctx, joblog.StartRequest{
		Kind:      joblog.KindJob,
		Name:      "ReportJob",
		JobID:     "j-1",
		MessageID: "msg-1",
		Queue:     "worker-queue",
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Complete(ctx, id, joblog.Result{Status: joblog.StatusFailed, LastError: "boom"}); err != nil {
		t.Fatal(err)
	}
	_ = db.Close()

	code, stdout, _ = captureRun(t, "jobs", "list", "--config", path)
	if code != 0 {
		t.Fatalf("code = %d", code)
	}
	if !strings.Contains(stdout, "ReportJob") || !strings.Contains(stdout, "failed") || !strings.Contains(stdout, "msg-1") {
		t.Fatalf("stdout = %q", stdout)
	}

	code, stdout, _ = captureRun(t, "jobs", "list", "--config", path, "--json", "--limit", "5")
	if code != 0 {
		t.Fatalf("json code = %d", code)
	}
	var rows []executionView
	if err := json.Unmarshal([]byte(stdout), &rows); err != nil {
		t.Fatalf("unmarshal: %v (%s)", err, stdout)
	}
	if len(rows) != 1 || rows[0].ID != id || rows[0].LastError != "boom" || rows[0].Status != "failed" {
		t.Fatalf("rows = %+v", rows)
	}
}

func TestJobsShow(t *testing.T) {
	dir := t.TempDir()
	_, path := writeConfig(t, validConfig(dir))

	ctx := context.Background()
	db, err := storage.OpenSQLite(ctx, filepath.Join(dir, "gate.db"))
	if err != nil {
		t.Fatal(err)
	}
	store := joblog.New(db)
	id, err := store.Start(ctx, joblog.StartRequest{Kind: joblog.KindTask, Name: "cleanup", JobID: "cleanup", MessageID: "msg-9"})
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Complete(ctx, id, joblog.Result{Status: joblog.StatusFailed, LastError: "disk full", Stderr: "no space left"}); err != nil {
		t.Fatal(err)
	}
	_ = db.Close()

	code, stdout, stderr := captureRun(t, "jobs", "show", id, "--config", path)
	if code != 0 {
		t.Fatalf("code = %d stderr=%q", code, stderr)
	}
	for _, want := range []string{id, "cleanup", "failed", "disk full", "no space left"} {
		if !strings.Contains(stdout, want) {
			t.Errorf("stdout missing %q: %q", want, stdout)
		}
	}

	code, stdout, _ = captureRun(t, "jobs", "show", "--config", path, "--json", id)
	if code != 0 {
		t.Fatalf("json code = %d", code)
	}
	var v executionView
	if err := json.Unmarshal([]byte(stdout), &v); err != nil {
		t.Fatalf("unmarshal: %v (%s)", err, stdout)
	}
	if v.ID != id || v.Kind != "task" || v.Stderr != "no space left" || v.MessageID != "msg-9" {
		t.Fatalf("view = %+v", v)
	}

	code, _, stderr = captureRun(t, "jobs", "show", "missing-id", "--config", path)
	if code != 1 || !strings.Contains(stderr, "Execution not found: missing-id") {
		t.Fatalf("missing: code=%d stderr=%q", code, stderr)
	}

	code, _, stderr = captureRun(t, "jobs", "show", "--config", path)
	if code != 1 || !strings.Contains(stderr, "execution id is required") {
		t.Fatalf("no id: code=%d stderr=%q", code, stderr)
	}
}

func TestBuildRunnerRegistersHandlers(t *testing.T) {
	dir := t.TempDir()
	_, path := writeConfig(t, validConfig(dir))
	cfg, _, err := loadConfigForTool(path)
	if err != nil {
		t.Fatal(err)
	}

	runner, err := buildRunner(cfg, nil, nil)
	if err != nil {
		t.Fatalf("buildRunner: %v", err)
	}
	if runner == nil {
		t.Fatal("runner is nil")
	}

	app, err := buildUpstream(cfg)
	if err != nil || app == nil {
		t.Fatalf("buildUpstream: %v", err)
	}
}
