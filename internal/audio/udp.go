package audio

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
)

// UDPFactory returns a Factory that listens on addr for datagrams whose
// payload is raw S16LE PCM, e.g. from a networked microphone node.
func UDPFactory(addr string, format PCMFormat, window int) Factory {
	return func(ctx context.Context) (Source, error) {
		return ListenUDP(ctx, addr, format, window)
	}
}

// ListenUDP binds addr and streams datagram payloads as PCM.
func ListenUDP(ctx context.Context, addr string, format PCMFormat, window int) (*StreamSource, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	format, err := format.Normalize()
	if err != nil {
		return nil, err
	}

	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid UDP address %q: %v", ErrUnsupported, addr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		if errors.Is(err, os.ErrPermission) {
			return nil, fmt.Errorf("%w: %v", ErrPermissionDenied, err)
		}
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	logf("listening for PCM datagrams on %s", conn.LocalAddr())
	return NewStreamSource(conn, format, window), nil
}
