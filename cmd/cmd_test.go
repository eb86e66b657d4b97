package cmd

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/marcus/csvmirror/internal/config"
	"github.com/marcus/csvmirror/internal/exitcode"
	"github.com/marcus/csvmirror/internal/ledger"
	"github.com/marcus/csvmirror/internal/manifest"
	"github.com/marcus/csvmirror/internal/remote"
	"github.com/marcus/csvmirror/internal/runlock"
)

const testMapping = `
prefix: 7H_
databases:
  tasks:
    title: Título
    properties:
      Categoria: select
targets:
  projects:
    name: Proyectos
    title: Nombre
relations:
  - collection: tasks
    field: Proyecto
    target: projects
    category: Categoria
`

// workspace lays out a workspace directory and routes the accessor to mem.
func workspace(t *testing.T, mem *remote.Memory) string {
	t.Helper()
	dir := t.TempDir()
	files := map[string]string{
		config.MappingFile:                  testMapping,
		config.DatasetDir + "/db_tasks.csv": "Título,Categoria\nA,Growth\nB,Ops\n",
	}
	for rel, content := range files {
		path := filepath.Join(dir, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}
	t.Setenv("NOTION_PARENT_PAGE_ID", "page-parent")

	orig := newAccessor
	newAccessor = func(*config.Config, *slog.Logger) (remote.Accessor, error) { return mem, nil }
	t.Cleanup(func() { newAccessor = orig })
	return dir
}

// resetFlags restores every flag to its default so invocations in one
// process do not leak into each other.
func resetFlags(c *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			sv.Replace(nil)
		} else {
			f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	c.Flags().VisitAll(reset)
	c.PersistentFlags().VisitAll(reset)
	for _, sub := range c.Commands() {
		resetFlags(sub)
	}
}

func execute(t *testing.T, args ...string) (int, string) {
	t.Helper()
	resetFlags(rootCmd)
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	code := run(context.Background(), args)
	return code, out.String()
}

func TestCommands_EndToEnd(t *testing.T) {
	mem := remote.NewMemory()
	dir := workspace(t, mem)

	if code, out := execute(t, "import", "--dir", dir); code != exitcode.OK {
		t.Fatalf("import exit %d:\n%s", code, out)
	}
	if code, out := execute(t, "run", "--dir", dir); code != exitcode.OK {
		t.Fatalf("run exit %d:\n%s", code, out)
	}
	if _, err := os.Stat(filepath.Join(dir, config.ReportFile)); err != nil {
		t.Errorf("verification report missing: %v", err)
	}

	mem.ResetCalls()
	code, out := execute(t, "verify", "--dir", dir)
	if code != exitcode.OK {
		t.Fatalf("verify exit %d:\n%s", code, out)
	}
	if !strings.Contains(out, "PASS") {
		t.Errorf("verify output = %q", out)
	}
	if n := mem.Calls(remote.OpCreate) + mem.Calls(remote.OpUpdate) + mem.Calls(remote.OpArchive); n != 0 {
		t.Errorf("verify wrote %d times", n)
	}

	m, err := manifest.Load(filepath.Join(dir, config.ManifestFile))
	if err != nil {
		t.Fatal(err)
	}
	id, _ := m.Get("tasks")
	if err := mem.Archive(context.Background(), mem.Live(id)[0].ID); err != nil {
		t.Fatal(err)
	}
	if code, out := execute(t, "verify", "--dir", dir); code != exitcode.Mismatch {
		t.Errorf("verify after archive exit %d, want %d:\n%s", code, exitcode.Mismatch, out)
	}

	led, err := ledger.Open(filepath.Join(dir, config.StateDir, ledger.FileName))
	if err != nil {
		t.Fatal(err)
	}
	defer led.Close()
	runs, err := led.Tail(10)
	if err != nil {
		t.Fatal(err)
	}
	var statuses []string
	for _, r := range runs {
		statuses = append(statuses, r.Command+":"+r.Status)
	}
	want := "import:ok run:ok verify:ok verify:mismatch"
	if got := strings.Join(statuses, " "); got != want {
		t.Errorf("ledger = %q, want %q", got, want)
	}
}

func TestCommands_MissingManifest(t *testing.T) {
	dir := workspace(t, remote.NewMemory())
	if code, out := execute(t, "upsert", "--dir", dir); code != exitcode.Config {
		t.Errorf("exit %d, want %d:\n%s", code, exitcode.Config, out)
	}
}

func TestCommands_MissingMapping(t *testing.T) {
	workspace(t, remote.NewMemory())
	if code, _ := execute(t, "run", "--dir", t.TempDir()); code != exitcode.Config {
		t.Errorf("exit %d, want %d", code, exitcode.Config)
	}
}

func TestCommands_DryRunImport(t *testing.T) {
	mem := remote.NewMemory()
	dir := workspace(t, mem)

	if code, out := execute(t, "import", "--dir", dir, "--dry-run"); code != exitcode.OK {
		t.Fatalf("exit %d:\n%s", code, out)
	}
	if got := mem.Titles(); len(got) != 0 {
		t.Errorf("dry run created collections %v", got)
	}
	if _, err := os.Stat(filepath.Join(dir, config.ManifestFile)); !os.IsNotExist(err) {
		t.Errorf("dry run wrote the manifest: %v", err)
	}
}

func TestCommands_Locked(t *testing.T) {
	dir := workspace(t, remote.NewMemory())
	if code, out := execute(t, "import", "--dir", dir); code != exitcode.OK {
		t.Fatalf("import exit %d:\n%s", code, out)
	}

	lock, err := runlock.Acquire(filepath.Join(dir, config.StateDir), "test", runlock.DefaultTimeout)
	if err != nil {
		t.Fatal(err)
	}
	defer lock.Release()

	if code, _ := execute(t, "upsert", "--dir", dir); code != exitcode.Hazard {
		t.Errorf("exit %d, want %d", code, exitcode.Hazard)
	}
}

func TestCommands_UnknownStage(t *testing.T) {
	dir := workspace(t, remote.NewMemory())
	if code, _ := execute(t, "run", "--dir", dir, "--stages", "upsert,nope"); code != exitcode.Unexpected {
		t.Errorf("exit %d, want %d", code, exitcode.Unexpected)
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"", slog.LevelInfo, false},
		{"DEBUG", slog.LevelDebug, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"loud", slog.LevelInfo, true},
	}
	for _, tc := range tests {
		got, err := parseLevel(tc.in)
		if (err != nil) != tc.wantErr || got != tc.want {
			t.Errorf("parseLevel(%q) = %v, %v", tc.in, got, err)
		}
	}
}

func TestNewLogger_File(t *testing.T) {
	dir := t.TempDir()
	c := &config.Config{Dir: dir, LogLevel: "info", LogFormat: "json", LogFile: "logs/run.log"}
	l, closer, err := newLogger(c, os.Stderr)
	if err != nil {
		t.Fatal(err)
	}
	l.Info("hello", "n", 1)
	if err := closer.Close(); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "logs", "run.log"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"msg":"hello"`) {
		t.Errorf("log file = %q", data)
	}
}

func TestNewLogger_BadFormat(t *testing.T) {
	c := &config.Config{LogFormat: "xml"}
	if _, _, err := newLogger(c, os.Stderr); err == nil {
		t.Error("expected error for unknown format")
	}
}
