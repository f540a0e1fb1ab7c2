package main

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tinyrange/appsnap/internal/snapshot"
)

func runCLI(t *testing.T, configYAML string, args ...string) (string, string, error) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "appsnap.yaml")
	if err := os.WriteFile(path, []byte("progress: never\n"+configYAML), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	var stdout, stderr bytes.Buffer
	err := run(append([]string{"-config", path}, args...), &stdout, &stderr)
	return stdout.String(), stderr.String(), err
}

func TestRunRequiresCommand(t *testing.T) {
	_, stderr, err := runCLI(t, "")
	if err == nil {
		t.Fatal("run without a command succeeded")
	}
	if !strings.Contains(stderr, "Commands:") {
		t.Errorf("usage not printed:\n%s", stderr)
	}
}

func TestRunUnknownCommand(t *testing.T) {
	if _, _, err := runCLI(t, "", "frobnicate"); err == nil || !strings.Contains(err.Error(), "frobnicate") {
		t.Fatalf("error = %v, want unknown command", err)
	}
}

func TestRunInvalidConfig(t *testing.T) {
	if _, _, err := runCLI(t, "log:\n  level: loud\n", "config"); err == nil {
		t.Fatal("run accepted an invalid log level")
	}
}

func TestExitCode(t *testing.T) {
	if got := exitCode(errors.New("boom")); got != exitError {
		t.Errorf("exitCode(plain) = %d, want %d", got, exitError)
	}
	wrapped := &snapshot.LoadError{Format: snapshot.FormatBlob, Path: "x", Err: errors.New("bad")}
	if got := exitCode(wrapped); got != exitError {
		t.Errorf("exitCode(LoadError) = %d, want %d", got, exitError)
	}
	compErr := &snapshot.CompilationError{Script: "main.dart", Err: errors.New("syntax")}
	if got := exitCode(compErr); got != exitCompilation {
		t.Errorf("exitCode(CompilationError) = %d, want %d", got, exitCompilation)
	}
}

func TestConfigCommand(t *testing.T) {
	stdout, _, err := runCLI(t, "compiler:\n  command: frontend\n", "config")
	if err != nil {
		t.Fatalf("config failed: %v", err)
	}
	for _, want := range []string{"command: frontend", "progress: never", "precompiled: true"} {
		if !strings.Contains(stdout, want) {
			t.Errorf("config output missing %q:\n%s", want, stdout)
		}
	}
}

func TestSniffCommand(t *testing.T) {
	dir := t.TempDir()
	aot := filepath.Join(dir, "app.so")
	jit := filepath.Join(dir, "app.jit")
	os.WriteFile(aot, []byte("\x7fELF\x02\x01\x01"), 0o644)
	os.WriteFile(jit, []byte("not elf"), 0o644)

	stdout, _, err := runCLI(t, "", "sniff", aot, jit)
	if err != nil {
		t.Fatalf("sniff failed: %v", err)
	}
	want := aot + ": aot\n" + jit + ": not aot\n"
	if stdout != want {
		t.Errorf("sniff output = %q, want %q", stdout, want)
	}
}

func TestInspectNotASnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notes.txt")
	os.WriteFile(path, []byte("plain text"), 0o644)

	stdout, _, err := runCLI(t, "load:\n  precompiled: false\n", "inspect", path)
	if err != nil {
		t.Fatalf("inspect failed: %v", err)
	}
	if stdout != path+": not a snapshot\n" {
		t.Errorf("inspect output = %q", stdout)
	}
}

func TestKernelWithoutCompiler(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "main.dart")
	os.WriteFile(script, []byte("void main() {}\n"), 0o644)

	_, _, err := runCLI(t, "", "kernel", "-o", filepath.Join(dir, "out.dill"), script)
	if exitCode(err) != exitCompilation {
		t.Fatalf("error = %v, want a compilation failure", err)
	}
}

func TestKernelCopiesBytecode(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "main.dill")
	kernel := []byte{0x90, 0xab, 0xcd, 0xef, 0, 0, 0, 1}
	os.WriteFile(script, kernel, 0o644)

	out := filepath.Join(dir, "out.dill")
	if _, _, err := runCLI(t, "", "kernel", "-o", out, script); err != nil {
		t.Fatalf("kernel failed: %v", err)
	}
	got, _ := os.ReadFile(out)
	if !bytes.Equal(got, kernel) {
		t.Errorf("kernel output = %x, want %x", got, kernel)
	}
}
