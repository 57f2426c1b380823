package audio

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"go.bug.st/serial"
)

// SerialOptions describes a serial-attached microphone board that streams
// raw S16LE PCM at a fixed rate.
type SerialOptions struct {
	Path     string    `json:"path"`
	BaudRate int       `json:"baud_rate"`
	DataBits int       `json:"data_bits"`
	StopBits int       `json:"stop_bits"`
	Parity   string    `json:"parity"`
	Format   PCMFormat `json:"format"`
}

// Normalize validates the options and applies defaults for any unset values.
func (o SerialOptions) Normalize() (SerialOptions, error) {
	opts := o

	if opts.Path == "" {
		return opts, errors.New("serial path is required")
	}
	if opts.BaudRate <= 0 {
		opts.BaudRate = 921600
	}

	if opts.DataBits == 0 {
		opts.DataBits = 8
	}
	if opts.DataBits < 5 || opts.DataBits > 8 {
		return opts, fmt.Errorf("invalid data bits %d: must be between 5 and 8", opts.DataBits)
	}

	if opts.StopBits == 0 {
		opts.StopBits = 1
	}
	if opts.StopBits != 1 && opts.StopBits != 2 {
		return opts, fmt.Errorf("invalid stop bits %d: supported values are 1 or 2", opts.StopBits)
	}

	parity := strings.TrimSpace(strings.ToUpper(opts.Parity))
	switch parity {
	case "", "N", "NONE":
		parity = "N"
	case "E", "EVEN":
		parity = "E"
	case "O", "ODD":
		parity = "O"
	default:
		return opts, fmt.Errorf("unsupported parity %q: expected N, E, or O", opts.Parity)
	}
	opts.Parity = parity

	format, err := opts.Format.Normalize()
	if err != nil {
		return opts, err
	}
	opts.Format = format
	return opts, nil
}

// SerialMode converts the options into the serial.Mode required by
// go.bug.st/serial when opening a port.
func (o SerialOptions) SerialMode() (*serial.Mode, error) {
	opts, err := o.Normalize()
	if err != nil {
		return nil, err
	}

	mode := &serial.Mode{
		BaudRate: opts.BaudRate,
		DataBits: opts.DataBits,
	}
	if opts.StopBits == 2 {
		mode.StopBits = serial.TwoStopBits
	} else {
		mode.StopBits = serial.OneStopBit
	}

	switch opts.Parity {
	case "N":
		mode.Parity = serial.NoParity
	case "E":
		mode.Parity = serial.EvenParity
	case "O":
		mode.Parity = serial.OddParity
	}
	return mode, nil
}

// SerialFactory returns a Factory opening the serial microphone on each
// acquisition.
func SerialFactory(opts SerialOptions, window int) Factory {
	return func(ctx context.Context) (Source, error) {
		return OpenSerial(ctx, opts, window)
	}
}

// OpenSerial opens the serial port described by opts and streams PCM from it.
func OpenSerial(ctx context.Context, opts SerialOptions, window int) (*StreamSource, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	normalized, err := opts.Normalize()
	if err != nil {
		return nil, err
	}
	mode, err := normalized.SerialMode()
	if err != nil {
		return nil, err
	}

	port, err := serial.Open(normalized.Path, mode)
	if err != nil {
		return nil, classifySerialError(normalized.Path, err)
	}
	logf("serial microphone opened at %s (%d baud)", normalized.Path, normalized.BaudRate)
	return NewStreamSource(port, normalized.Format, window), nil
}

func classifySerialError(path string, err error) error {
	var portErr *serial.PortError
	if errors.As(err, &portErr) {
		switch portErr.Code() {
		case serial.PermissionDenied:
			return fmt.Errorf("%w: %s: %v", ErrPermissionDenied, path, err)
		case serial.PortNotFound, serial.InvalidSerialPort:
			return fmt.Errorf("%w: %s: %v", ErrUnsupported, path, err)
		}
	}
	switch {
	case errors.Is(err, os.ErrPermission):
		return fmt.Errorf("%w: %s: %v", ErrPermissionDenied, path, err)
	case errors.Is(err, os.ErrNotExist):
		return fmt.Errorf("%w: %s: %v", ErrUnsupported, path, err)
	}
	return fmt.Errorf("failed to open serial port %s: %w", path, err)
}
