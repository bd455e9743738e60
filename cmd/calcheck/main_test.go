package main

import (
	"bytes"
	"context"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/calcheck/internal/logging"
	"github.com/danmuck/calcheck/internal/procedure"
	"github.com/danmuck/calcheck/internal/testutil/testlog"
)

const simConfig = `
name = "sim-check"
session_log = "{log}"

[transport]
kind = "sim"

[uut]
settle = "0s"
deadline = "2s"
{uut}

[dmm]
deadline = "2s"

[check]
standby_settle = "0s"
output_settle = "0s"
`

func writeConfig(t *testing.T, dir, uutExtra string) string {
	t.Helper()
	path := filepath.Join(dir, "calcheck.toml")
	body := strings.NewReplacer(
		"{log}", filepath.ToSlash(filepath.Join(dir, "session.txt")),
		"{uut}", uutExtra,
	).Replace(simConfig)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func readReport(t *testing.T, path string) procedure.Report {
	t.Helper()
	var rep procedure.Report
	if _, err := toml.DecodeFile(path, &rep); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	return rep
}

func TestRunSimulatedBenchWritesReport(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	cfgPath := writeConfig(t, dir, "")
	reportPath := filepath.Join(dir, "report.toml")

	var out bytes.Buffer
	code := run(context.Background(), []string{
		"-config", cfgPath,
		"-env", "",
		"-yes",
		"-report", reportPath,
	}, strings.NewReader(""), &out)
	if code != 0 {
		t.Fatalf("exit=%d out=%s", code, out.String())
	}

	rep := readReport(t, reportPath)
	if !rep.Completed || rep.Name != "sim-check" || rep.RunID == "" {
		t.Fatalf("report header: %+v", rep)
	}
	if rep.UUT.Series != 2 || rep.UUT.Confidence != "99" || rep.UUT.Serial != "6566012" {
		t.Fatalf("uut: %+v", rep.UUT)
	}
	if math.Abs(rep.Check.DeviationPPM-0.8) > 0.01 || len(rep.Check.Samples) != 5 {
		t.Fatalf("check: %+v", rep.Check)
	}

	logText, err := os.ReadFile(filepath.Join(dir, "session.txt"))
	if err != nil {
		t.Fatalf("read session log: %v", err)
	}
	for _, want := range []string{"this is Series II unit", "10V test result", "program completed"} {
		if !strings.Contains(string(logText), want) {
			t.Fatalf("session log missing %q:\n%s", want, logText)
		}
	}
	logging.Logf("calcheck/run: report=%s ppm=%.4f", reportPath, rep.Check.DeviationPPM)
}

func TestRunExitsNonZeroOnIdentityMismatch(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	cfgPath := writeConfig(t, dir, `model = "5790A"`)
	reportPath := filepath.Join(dir, "report.toml")

	var out bytes.Buffer
	code := run(context.Background(), []string{"-config", cfgPath, "-env", "", "-yes", "-report", reportPath}, strings.NewReader(""), &out)
	if code != 1 {
		t.Fatalf("exit=%d, want 1", code)
	}
	rep := readReport(t, reportPath)
	if rep.Completed || !strings.Contains(rep.Error, "identity mismatch") || len(rep.Check.Samples) != 0 {
		t.Fatalf("report: %+v", rep)
	}
}

func TestRunOperatorAbort(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	cfgPath := writeConfig(t, dir, "")
	reportPath := filepath.Join(dir, "report.toml")

	var out bytes.Buffer
	code := run(context.Background(), []string{"-config", cfgPath, "-env", "", "-report", reportPath}, strings.NewReader("q\n"), &out)
	if code != 1 {
		t.Fatalf("exit=%d, want 1", code)
	}
	if !strings.Contains(out.String(), "Press Enter") {
		t.Fatalf("prompt not shown: %q", out.String())
	}
	if rep := readReport(t, reportPath); !strings.Contains(rep.Error, "aborted by operator") {
		t.Fatalf("report error=%q", rep.Error)
	}
}

func TestRunConfigAndFlagErrors(t *testing.T) {
	testlog.Start(t)
	var out bytes.Buffer
	if code := run(context.Background(), []string{"-config", filepath.Join(t.TempDir(), "missing.toml"), "-env", ""}, strings.NewReader(""), &out); code != 1 {
		t.Fatalf("missing config exit=%d", code)
	}
	if code := run(context.Background(), []string{"-bogus"}, strings.NewReader(""), &out); code != 2 {
		t.Fatalf("bad flag exit=%d", code)
	}
}

func TestLoadEnv(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	if err := loadEnv(filepath.Join(dir, "absent.env")); err != nil {
		t.Fatalf("absent env file should be ignored: %v", err)
	}
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("CALCHECK_TEST_ENV_VALUE=bench\n"), 0o600); err != nil {
		t.Fatalf("write env: %v", err)
	}
	t.Cleanup(func() { _ = os.Unsetenv("CALCHECK_TEST_ENV_VALUE") })
	if err := loadEnv(path); err != nil {
		t.Fatalf("load env: %v", err)
	}
	if got := os.Getenv("CALCHECK_TEST_ENV_VALUE"); got != "bench" {
		t.Fatalf("env value=%q", got)
	}
}
