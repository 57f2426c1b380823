package audio

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTestPCAP(t *testing.T, port uint16, payloads ...[]byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mic.pcap")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	w := pcapgo.NewWriter(f)
	require.NoError(t, w.WriteFileHeader(65536, layers.LinkTypeEthernet))

	ts := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	for i, payload := range payloads {
		eth := &layers.Ethernet{
			SrcMAC:       net.HardwareAddr{0, 1, 2, 3, 4, 5},
			DstMAC:       net.HardwareAddr{0, 1, 2, 3, 4, 6},
			EthernetType: layers.EthernetTypeIPv4,
		}
		ip := &layers.IPv4{
			Version:  4,
			TTL:      64,
			Protocol: layers.IPProtocolUDP,
			SrcIP:    net.IPv4(10, 0, 0, 2),
			DstIP:    net.IPv4(10, 0, 0, 1),
		}
		udp := &layers.UDP{SrcPort: 40000, DstPort: layers.UDPPort(port)}
		require.NoError(t, udp.SetNetworkLayerForChecksum(ip))

		buf := gopacket.NewSerializeBuffer()
		opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
		require.NoError(t, gopacket.SerializeLayers(buf, opts, eth, ip, udp, gopacket.Payload(payload)))

		data := buf.Bytes()
		ci := gopacket.CaptureInfo{
			Timestamp:     ts.Add(time.Duration(i) * time.Millisecond),
			CaptureLength: len(data),
			Length:        len(data),
		}
		require.NoError(t, w.WritePacket(ci, data))
	}
	return path
}

func TestOpenPCAP(t *testing.T) {
	path := writeTestPCAP(t, 5004, s16le(8192, 8192), s16le(8192, 8192))

	src, err := OpenPCAP(context.Background(), PCAPOptions{Path: path, Port: 5004}, 16)
	require.NoError(t, err)
	defer src.Close()

	require.Eventually(t, func() bool { return src.written.Load() == 4 }, 2*time.Second, 5*time.Millisecond)
	dst := make([]float64, 4)
	n := src.ReadBlock(dst)
	require.Equal(t, 4, n)
	assert.InDelta(t, 0.25, dst[3], 1e-12)
}

func TestOpenPCAPPortFilter(t *testing.T) {
	path := writeTestPCAP(t, 6000, s16le(8192, 8192))

	src, err := OpenPCAP(context.Background(), PCAPOptions{Path: path, Port: 5004}, 16)
	require.NoError(t, err)
	defer src.Close()

	require.Eventually(t, func() bool { return src.Err() != nil }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(0), src.written.Load())
}

func TestOpenPCAPErrors(t *testing.T) {
	_, err := OpenPCAP(context.Background(), PCAPOptions{Path: filepath.Join(t.TempDir(), "missing.pcap")}, 16)
	assert.ErrorIs(t, err, ErrUnsupported)

	bogus := filepath.Join(t.TempDir(), "bogus.pcap")
	require.NoError(t, os.WriteFile(bogus, []byte("not a capture"), 0o644))
	_, err = OpenPCAP(context.Background(), PCAPOptions{Path: bogus}, 16)
	assert.ErrorIs(t, err, ErrUnsupported)
}
