package audio

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
)

// CaptureConfig describes an external capture process that writes raw
// S16LE PCM to stdout.
type CaptureConfig struct {
	// Command is the executable name ("arecord" or "ffmpeg").
	Command string `json:"command"`
	// Device is the capture device identifier; empty uses the default.
	Device string `json:"device"`
	// Format is the PCM format requested from the capture tool.
	Format PCMFormat `json:"format"`
}

// BuildCaptureArgs returns the executable and arguments for cfg.
func BuildCaptureArgs(cfg CaptureConfig) (string, []string, error) {
	format, err := cfg.Format.Normalize()
	if err != nil {
		return "", nil, err
	}
	rate := strconv.Itoa(format.SampleRate)
	channels := strconv.Itoa(format.Channels)

	switch cfg.Command {
	case "", "arecord":
		device := cfg.Device
		if device == "" {
			device = "default"
		}
		return "arecord", []string{
			"-D", device,
			"-f", "S16_LE",
			"-r", rate,
			"-c", channels,
			"-t", "raw",
			"-q",
			"-",
		}, nil
	case "ffmpeg":
		device := cfg.Device
		if device == "" {
			device = "default"
		}
		return "ffmpeg", []string{
			"-hide_banner", "-loglevel", "error",
			"-f", "alsa", "-i", device,
			"-ac", channels,
			"-ar", rate,
			"-f", "s16le",
			"-",
		}, nil
	default:
		return "", nil, fmt.Errorf("%w: unknown capture command %q", ErrUnsupported, cfg.Command)
	}
}

// CommandFactory returns a Factory that starts the capture process on each
// acquisition. window is the number of samples kept for polling.
func CommandFactory(cfg CaptureConfig, window int) Factory {
	return func(ctx context.Context) (Source, error) {
		return OpenCommand(ctx, cfg, window)
	}
}

// OpenCommand starts the capture process and returns a Source reading its
// stdout. The process is killed when the Source is closed.
func OpenCommand(ctx context.Context, cfg CaptureConfig, window int) (*StreamSource, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	name, args, err := BuildCaptureArgs(cfg)
	if err != nil {
		return nil, err
	}
	format, _ := cfg.Format.Normalize()

	cmd := exec.Command(name, args...)
	cmd.Stderr = os.Stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, classifyStartError(name, err)
	}
	logf("capture started: %s (pid %d)", name, cmd.Process.Pid)

	src := NewStreamSource(stdout, format, window)
	src.onClose = func() error {
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
		// the exit status after Kill is expected to be non-zero
		_ = cmd.Wait()
		return nil
	}
	return src, nil
}

func classifyStartError(name string, err error) error {
	switch {
	case errors.Is(err, exec.ErrNotFound), errors.Is(err, os.ErrNotExist):
		return fmt.Errorf("%w: %s not available: %v", ErrUnsupported, name, err)
	case errors.Is(err, os.ErrPermission):
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	default:
		return fmt.Errorf("failed to start %s: %w", name, err)
	}
}
