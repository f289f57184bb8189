package main

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/dotsetgreg/dotmemory/pkg/config"
	"github.com/dotsetgreg/dotmemory/pkg/memory"
)

func runRootCommandForTest(args ...string) (string, error) {
	root := buildRootCommand()
	buf := &bytes.Buffer{}
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return buf.String(), err
}

// writeTestConfig points storage at a temp dir and silences logging.
func writeTestConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Storage.DBPath = filepath.Join(dir, "memory.db")
	cfg.Storage.IndexDir = filepath.Join(dir, "index")
	cfg.Logging.Level = "disabled"
	path := filepath.Join(dir, "config.json")
	if err := config.SaveConfig(path, cfg); err != nil {
		t.Fatalf("save config: %v", err)
	}
	return path
}

func TestCLIHelpListsCommands(t *testing.T) {
	t.Parallel()

	output, err := runRootCommandForTest("--help")
	if err != nil {
		t.Fatalf("help: %v\n%s", err, output)
	}
	for _, name := range []string{"serve", "chat", "memories", "session", "clear", "stats", "search", "reindex", "verify", "init", "version"} {
		if !strings.Contains(output, name) {
			t.Errorf("root help does not mention %q:\n%s", name, output)
		}
	}
	if !strings.Contains(output, "--config") {
		t.Errorf("root help does not show --config")
	}
}

func TestCLIRequiresSubcommand(t *testing.T) {
	t.Parallel()

	if _, err := runRootCommandForTest(); err == nil {
		t.Fatal("expected an error without a subcommand")
	}
}

func TestCLIVersion(t *testing.T) {
	t.Parallel()

	output, err := runRootCommandForTest("version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.HasPrefix(output, "dotmemory dev") {
		t.Fatalf("unexpected version output %q", output)
	}
}

func TestCLIInitRefusesOverwrite(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.json")
	if _, err := runRootCommandForTest("init", "--config", path); err != nil {
		t.Fatalf("init: %v", err)
	}
	if _, err := runRootCommandForTest("init", "--config", path); err == nil {
		t.Fatal("second init without --force should fail")
	}
	if _, err := runRootCommandForTest("init", "--config", path, "--force"); err != nil {
		t.Fatalf("init --force: %v", err)
	}
	cfg, err := config.LoadConfig(path)
	if err != nil {
		t.Fatalf("load written config: %v", err)
	}
	if cfg.Retrieval.MaxMemories != 5 {
		t.Fatalf("written config lost defaults: %+v", cfg.Retrieval)
	}
}

func TestCLIChatThenInspect(t *testing.T) {
	t.Parallel()
	cfgPath := writeTestConfig(t)

	out, err := runRootCommandForTest("--config", cfgPath, "chat", "--session", "cli:t", "--message", "My name is Asha")
	if err != nil {
		t.Fatalf("chat: %v\n%s", err, out)
	}
	if !strings.Contains(out, "Got it! I'll remember that.") {
		t.Fatalf("unexpected reply %q", out)
	}

	out, err = runRootCommandForTest("--config", cfgPath, "chat", "-s", "cli:t", "-m", "hello", "--verbose")
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if !strings.Contains(out, "Hello Asha!") || !strings.Contains(out, "recalled") {
		t.Fatalf("second turn did not use the memory: %q", out)
	}

	out, err = runRootCommandForTest("--config", cfgPath, "memories", "cli:t", "--type", "fact")
	if err != nil {
		t.Fatalf("memories: %v", err)
	}
	var listed struct {
		Total    int `json:"total_memories"`
		Memories []struct {
			Content string `json:"content"`
		} `json:"memories"`
	}
	if err := json.Unmarshal([]byte(out), &listed); err != nil {
		t.Fatalf("decode memories: %v\n%s", err, out)
	}
	if listed.Total != 1 || listed.Memories[0].Content != "User's name is Asha" {
		t.Fatalf("unexpected memories %+v", listed)
	}

	out, err = runRootCommandForTest("--config", cfgPath, "session", "cli:t")
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	if !strings.Contains(out, `"turn_number": 2`) {
		t.Fatalf("summary missing turn counter: %s", out)
	}

	if out, err = runRootCommandForTest("--config", cfgPath, "verify"); err != nil {
		t.Fatalf("verify: %v\n%s", err, out)
	}
	out, err = runRootCommandForTest("--config", cfgPath, "reindex")
	if err != nil || !strings.Contains(out, "Indexed ") {
		t.Fatalf("reindex: %v %q", err, out)
	}

	out, err = runRootCommandForTest("--config", cfgPath, "search", "name", "-s", "cli:t")
	if err != nil || !strings.Contains(out, "Asha") {
		t.Fatalf("search: %v %q", err, out)
	}

	out, err = runRootCommandForTest("--config", cfgPath, "clear", "cli:t")
	if err != nil || !strings.Contains(out, "Session cli:t cleared successfully") {
		t.Fatalf("clear: %v %q", err, out)
	}

	out, err = runRootCommandForTest("--config", cfgPath, "stats")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if !strings.Contains(out, `"total_memories": 0`) {
		t.Fatalf("stats after clear: %s", out)
	}
}

func TestCLIRejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Storage.DBPath = filepath.Join(dir, "memory.db")
	cfg.Retrieval.Weights.Access = 0.9
	path := filepath.Join(dir, "config.json")
	if err := config.SaveConfig(path, cfg); err != nil {
		t.Fatal(err)
	}

	_, err := runRootCommandForTest("--config", path, "stats")
	if err == nil || !strings.Contains(err.Error(), "invalid configuration") {
		t.Fatalf("expected invalid configuration error, got %v", err)
	}
}

func TestCLIMemoriesRejectsUnknownType(t *testing.T) {
	t.Parallel()

	_, err := runRootCommandForTest("--config", writeTestConfig(t), "memories", "s", "--type", "mood")
	if err == nil {
		t.Fatal("expected unknown type to fail")
	}
}

func TestRetrieverConfigCarriesEveryTunable(t *testing.T) {
	c := config.DefaultConfig().Retrieval
	c.RecentWindow = 7
	c.CriticalConfidence = 0.95
	c.HalfLifeTurns = 30
	c.CandidateLimit = 40

	rc := retrieverConfig(c)
	if rc.RecentWindow != 7 {
		t.Errorf("RecentWindow = %d, want 7", rc.RecentWindow)
	}
	if rc.CriticalConfidence != 0.95 {
		t.Errorf("CriticalConfidence = %v, want 0.95", rc.CriticalConfidence)
	}
	if rc.HalfLifeTurns != 30 || rc.CandidateLimit != 40 {
		t.Errorf("unexpected retriever config %+v", rc)
	}

	// Zero values keep the retriever defaults.
	rc = retrieverConfig(config.RetrievalConfig{})
	def := memory.DefaultRetrieverConfig()
	if rc.RecentWindow != def.RecentWindow || rc.CriticalConfidence != def.CriticalConfidence {
		t.Errorf("zero config should keep defaults, got %+v", rc)
	}
}
