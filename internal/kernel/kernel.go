// Package kernel compiles scripts to kernel bytecode with an external
// front-end command.
package kernel

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Magic is the big-endian word every kernel bytecode file starts with.
const Magic uint32 = 0x90ABCDEF

// ErrNoCommand is returned by CompileScript when no compiler is configured.
var ErrNoCommand = errors.New("no kernel compiler command configured")

// IsKernel reports whether data starts with the kernel magic.
func IsKernel(data []byte) bool {
	return len(data) >= 4 && binary.BigEndian.Uint32(data) == Magic
}

// ExecCompiler runs a front-end command to compile scripts. The command is
// invoked as
//
//	Command Args... --output <file> [--packages <config>] <script>
//
// and must write kernel bytecode to <file>.
type ExecCompiler struct {
	Command string
	Args    []string
	// Packages is used when CompileScript is given no package config.
	Packages string
	Logger   *slog.Logger
}

func (c *ExecCompiler) log() *slog.Logger {
	if c.Logger == nil {
		return slog.Default()
	}
	return c.Logger
}

// ReadScript returns the contents of script when the file already holds
// kernel bytecode.
func (c *ExecCompiler) ReadScript(script string) ([]byte, bool) {
	data, err := os.ReadFile(script)
	if err != nil || !IsKernel(data) {
		return nil, false
	}
	return data, true
}

// CompileScript compiles script and returns the kernel bytecode.
func (c *ExecCompiler) CompileScript(script, packageConfig string) ([]byte, error) {
	if c.Command == "" {
		return nil, ErrNoCommand
	}
	if packageConfig == "" {
		packageConfig = c.Packages
	}

	dir, err := os.MkdirTemp("", "appsnap-kernel-*")
	if err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	out := filepath.Join(dir, "out.dill")
	args := append([]string{}, c.Args...)
	args = append(args, "--output", out)
	if packageConfig != "" {
		args = append(args, "--packages", packageConfig)
	}
	args = append(args, script)

	c.log().Debug("compile kernel", slog.String("command", c.Command), slog.Any("args", args))

	var stderr bytes.Buffer
	cmd := exec.Command(c.Command, args...)
	cmd.Stdout = &stderr
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("%s failed: %w\n%s", c.Command, err, msg)
		}
		return nil, fmt.Errorf("%s failed: %w", c.Command, err)
	}

	kernel, err := os.ReadFile(out)
	if err != nil {
		return nil, fmt.Errorf("read compiler output: %w", err)
	}
	if !IsKernel(kernel) {
		return nil, fmt.Errorf("%s did not produce kernel bytecode", c.Command)
	}
	return kernel, nil
}
