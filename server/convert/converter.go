// Package convert accepts user uploads and runs them through the
// configured conversion binary, tracking both the upload and the
// produced output so the retention sweeper can reclaim them.
package convert

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"syscall"
)

// Converter turns an uploaded file into the requested output file.
// Filter selection is inferred from the output extension.
type Converter interface {
	Convert(ctx context.Context, input, output string) error
}

// FFmpeg shells out to the configured converter binary.
type FFmpeg struct {
	BinaryPath string
}

func (f *FFmpeg) Convert(ctx context.Context, input, output string) error {
	cmd := exec.CommandContext(ctx, f.BinaryPath, "-y", "-i", input, output)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("conversion failed: %s", lastLine(stderr.String()))
	}

	return nil
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) == 0 {
		return "unknown error"
	}
	return strings.TrimSpace(lines[len(lines)-1])
}
