package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/pierrec/lz4/v4"
)

var (
	ErrCompressionFailed   = errors.New("protocol: compression failed")
	ErrDecompressionFailed = errors.New("protocol: decompression failed")
)

// compressThreshold is the smallest body worth compressing.
const compressThreshold = 64

// compressorPool reuses LZ4 writers to reduce allocations.
var compressorPool = sync.Pool{
	New: func() interface{} {
		w := lz4.NewWriter(nil)
		_ = w.Apply(lz4.CompressionLevelOption(lz4.Fast))
		return w
	},
}

// decompressorPool reuses LZ4 readers.
var decompressorPool = sync.Pool{
	New: func() interface{} {
		return lz4.NewReader(nil)
	},
}

func compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := compressorPool.Get().(*lz4.Writer)
	defer compressorPool.Put(w)

	w.Reset(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, ErrCompressionFailed
	}
	if err := w.Close(); err != nil {
		return nil, ErrCompressionFailed
	}
	return buf.Bytes(), nil
}

func decompress(data []byte, limit int) ([]byte, error) {
	r := decompressorPool.Get().(*lz4.Reader)
	defer decompressorPool.Put(r)

	r.Reset(bytes.NewReader(data))
	var buf bytes.Buffer
	n, err := io.Copy(&buf, io.LimitReader(r, int64(limit)+1))
	if err != nil {
		return nil, ErrDecompressionFailed
	}
	if n > int64(limit) {
		return nil, ErrDataTooLarge
	}
	return buf.Bytes(), nil
}

// CompressPacket compresses the body of an unarmored packet and sets the
// compressed flag, but only when that makes the packet smaller. The returned
// slice is packet itself when nothing changed.
func CompressPacket(packet []byte) []byte {
	if len(packet) < MinPacketSize+compressThreshold || packet[VerbIndex]&VerbFlagCompressed != 0 {
		return packet
	}
	body := packet[MinPacketSize:]
	c, err := compress(body)
	if err != nil || len(c) >= len(body) {
		return packet
	}
	out := make([]byte, 0, MinPacketSize+len(c))
	out = append(out, packet[:MinPacketSize]...)
	out[VerbIndex] |= VerbFlagCompressed
	return append(out, c...)
}

// DecompressPacket reverses CompressPacket on a dearmored packet. Packets
// without the compressed flag are returned unchanged.
func DecompressPacket(packet []byte) ([]byte, error) {
	if len(packet) < MinPacketSize {
		return nil, Invalid("packet has no verb")
	}
	if packet[VerbIndex]&VerbFlagCompressed == 0 {
		return packet, nil
	}
	body, err := decompress(packet[MinPacketSize:], PayloadSizeMax-1)
	if err != nil {
		if errors.Is(err, ErrDataTooLarge) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrInvalidPacket, err)
	}
	out := make([]byte, 0, MinPacketSize+len(body))
	out = append(out, packet[:MinPacketSize]...)
	out[VerbIndex] &^= VerbFlagCompressed
	return append(out, body...), nil
}
