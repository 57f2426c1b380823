package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// PCAPOptions configures replay of PCM datagrams captured to a pcap file.
type PCAPOptions struct {
	Path string `json:"path"`
	// Port filters UDP packets by destination port; 0 accepts all.
	Port int `json:"port"`
	// Loop restarts the capture from the beginning when it ends.
	Loop   bool      `json:"loop"`
	Format PCMFormat `json:"format"`
}

// PCAPFactory returns a Factory that replays opts on each acquisition.
func PCAPFactory(opts PCAPOptions, window int) Factory {
	return func(ctx context.Context) (Source, error) {
		return OpenPCAP(ctx, opts, window)
	}
}

// OpenPCAP replays the UDP payloads of a pcap file in real time, paced by
// the capture timestamps.
func OpenPCAP(ctx context.Context, opts PCAPOptions, window int) (*StreamSource, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	format, err := opts.Format.Normalize()
	if err != nil {
		return nil, err
	}

	// fail fast on a missing or unreadable capture
	f, err := os.Open(opts.Path)
	if err != nil {
		switch {
		case errors.Is(err, os.ErrPermission):
			return nil, fmt.Errorf("%w: %v", ErrPermissionDenied, err)
		case errors.Is(err, os.ErrNotExist):
			return nil, fmt.Errorf("%w: %v", ErrUnsupported, err)
		}
		return nil, err
	}
	if _, err := pcapgo.NewReader(f); err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: %s is not a pcap file: %v", ErrUnsupported, opts.Path, err)
	}
	f.Close()

	pr, pw := io.Pipe()
	replayCtx, cancel := context.WithCancel(context.Background())
	go func() {
		err := replayPCAP(replayCtx, opts, pw)
		pw.CloseWithError(err)
	}()

	src := NewStreamSource(pr, format, window)
	src.onClose = func() error {
		cancel()
		return nil
	}
	return src, nil
}

func replayPCAP(ctx context.Context, opts PCAPOptions, w io.Writer) error {
	for {
		if err := replayPCAPOnce(ctx, opts, w); err != nil {
			return err
		}
		if !opts.Loop {
			return io.EOF
		}
	}
}

func replayPCAPOnce(ctx context.Context, opts PCAPOptions, w io.Writer) error {
	f, err := os.Open(opts.Path)
	if err != nil {
		return err
	}
	defer f.Close()

	r, err := pcapgo.NewReader(f)
	if err != nil {
		return err
	}

	var prev time.Time
	packets := 0
	for {
		data, ci, err := r.ReadPacketData()
		if errors.Is(err, io.EOF) {
			logf("pcap replay of %s complete: %d packets", opts.Path, packets)
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read pcap packet: %w", err)
		}

		payload := udpPayload(gopacket.NewPacket(data, r.LinkType(), gopacket.Default), opts.Port)
		if len(payload) == 0 {
			continue
		}

		if !prev.IsZero() {
			if wait := ci.Timestamp.Sub(prev); wait > 0 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(wait):
				}
			}
		}
		prev = ci.Timestamp

		if _, err := w.Write(payload); err != nil {
			return err
		}
		packets++
	}
}

func udpPayload(packet gopacket.Packet, port int) []byte {
	udpLayer := packet.Layer(layers.LayerTypeUDP)
	if udpLayer == nil {
		return nil
	}
	udp, ok := udpLayer.(*layers.UDP)
	if !ok {
		return nil
	}
	if port != 0 && int(udp.DstPort) != port {
		return nil
	}
	return udp.Payload
}
