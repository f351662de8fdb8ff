package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func runCommand(t *testing.T, args ...string) string {
	t.Helper()
	cmd := rootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	if err := cmd.Execute(); err != nil {
		t.Fatalf("execute %v: %v\n%s", args, err, out.String())
	}
	return out.String()
}

func TestInitCommandCreatesKey(t *testing.T) {
	keyPath := filepath.Join(t.TempDir(), "concourse.keys.yaml")

	out := runCommand(t, "init", "--project-key", "demo", "--keys-file", keyPath)
	if !strings.Contains(out, "demo") {
		t.Fatalf("unexpected output: %s", out)
	}

	data, err := os.ReadFile(keyPath)
	if err != nil {
		t.Fatalf("read keys file: %v", err)
	}
	if !bytes.Contains(data, []byte("demo")) {
		t.Fatal("expected project section to be written")
	}
}

func TestHealthCommand(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "concourse.db")

	out := runCommand(t, "health", "--db", dbPath)
	if !strings.Contains(out, "ok=true") {
		t.Fatalf("unexpected output: %s", out)
	}
}

func TestMigrateCommandPrintsVersion(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "concourse.db")

	out := runCommand(t, "migrate", "--db", dbPath)
	if !strings.Contains(out, "schema version") {
		t.Fatalf("unexpected output: %s", out)
	}
}

func TestReplayCommandRequiresProject(t *testing.T) {
	cmd := rootCmd()
	cmd.SetOut(new(bytes.Buffer))
	cmd.SetErr(new(bytes.Buffer))
	cmd.SetArgs([]string{"replay", "--db", filepath.Join(t.TempDir(), "x.db")})
	if err := cmd.Execute(); err == nil {
		t.Fatal("expected error without --project-key")
	}
}
