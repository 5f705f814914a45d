package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"

	"github.com/coral-mesh/coral-hook/internal/config"
)

func TestNewConfigCmd(t *testing.T) {
	cmd := NewConfigCmd()

	if cmd == nil {
		t.Fatal("NewConfigCmd() returned nil")
	}
	if cmd.Use != "config" {
		t.Errorf("Use = %q, want %q", cmd.Use, "config")
	}

	for _, name := range []string{"init", "view", "validate"} {
		found := false
		for _, c := range cmd.Commands() {
			if c.Name() == name {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("Subcommand %q not found", name)
		}
	}
}

func TestRunInit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	written, err := runInit(path, false)
	if err != nil {
		t.Fatalf("runInit() error = %v", err)
	}
	if written != path {
		t.Errorf("runInit() = %q, want %q", written, path)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load() of written config error = %v", err)
	}
	if len(cfg.Hooks) != len(config.DefaultHooks()) {
		t.Errorf("len(Hooks) = %d, want %d", len(cfg.Hooks), len(config.DefaultHooks()))
	}

	if _, err := runInit(path, false); err == nil {
		t.Error("runInit() over an existing file should fail without force")
	}
	if _, err := runInit(path, true); err != nil {
		t.Errorf("runInit(force) error = %v", err)
	}
}

func TestRunView(t *testing.T) {
	var buf bytes.Buffer
	if err := runView(&buf, config.Default(), "yaml"); err != nil {
		t.Fatalf("runView() error = %v", err)
	}

	var decoded config.Config
	if err := yaml.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("view output is not YAML: %v", err)
	}
	if decoded.Version != config.SchemaVersion {
		t.Errorf("Version = %q, want %q", decoded.Version, config.SchemaVersion)
	}
}

func TestRunValidate(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.yaml")
	bad := filepath.Join(dir, "bad.yaml")
	broken := filepath.Join(dir, "broken.yaml")
	missing := filepath.Join(dir, "missing.yaml")

	writeFile(t, good, "version: \"1\"\n")
	writeFile(t, bad, "version: \"1\"\nobserver:\n  buffer: 0\nsession:\n  stack_slots: 0\n")
	writeFile(t, broken, "hooks: [\n")

	results := runValidate([]string{good, bad, broken, missing})
	if len(results) != 4 {
		t.Fatalf("len(results) = %d, want 4", len(results))
	}

	if !results[0].Valid {
		t.Errorf("%s should be valid: %+v", good, results[0].Errors)
	}

	if results[1].Valid {
		t.Fatalf("%s should be invalid", bad)
	}
	fields := map[string]bool{}
	for _, p := range results[1].Errors {
		fields[p.Field] = true
	}
	for _, want := range []string{"observer.buffer", "session.stack_slots"} {
		if !fields[want] {
			t.Errorf("missing problem for %s in %+v", want, results[1].Errors)
		}
	}

	for _, r := range results[2:] {
		if r.Valid {
			t.Errorf("%s should be invalid", r.File)
			continue
		}
		if len(r.Errors) != 1 || r.Errors[0].Field != "-" {
			t.Errorf("%s: got %+v, want a single unscoped problem", r.File, r.Errors)
		}
	}
}

func TestOutputValidate(t *testing.T) {
	results := []validationResult{
		{File: "a.yaml", Valid: true},
		{File: "b.yaml", Errors: []problemRow{{Field: "hooks", Error: "at least one hook is required"}}},
	}

	var buf bytes.Buffer
	if err := outputValidate(&buf, results, "table"); err != nil {
		t.Fatalf("outputValidate() error = %v", err)
	}
	out := buf.String()
	for _, want := range []string{"a.yaml: valid", "b.yaml: 1 problems", "FIELD", "at least one hook is required", "1 valid, 1 invalid"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}

	buf.Reset()
	if err := outputValidate(&buf, results, "json"); err != nil {
		t.Fatalf("outputValidate(json) error = %v", err)
	}
	if !strings.Contains(buf.String(), `"valid": false`) {
		t.Errorf("json output missing validity: %s", buf.String())
	}
}

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
}
