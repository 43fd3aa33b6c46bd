package cache

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/pierrec/lz4/v4"
)

// Compressed L2 values carry a 4-byte marker naming the codec, so a reader
// configured with a different algorithm still decodes what it finds. Raw JSON
// never begins with a zero byte, which makes the marker unambiguous.
var (
	magicLZ4  = []byte{0x00, 'L', 'Z', '4'}
	magicGzip = []byte{0x00, 'G', 'Z', 'P'}
)

func compress(algo string, data []byte) ([]byte, error) {
	switch algo {
	case "lz4":
		buf := make([]byte, lz4.CompressBlockBound(len(data)))
		var c lz4.Compressor
		n, err := c.CompressBlock(data, buf)
		if err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}
		out := make([]byte, 0, len(magicLZ4)+8+n)
		out = append(out, magicLZ4...)
		out = appendUint32(out, uint32(len(data)))
		out = append(out, buf[:n]...)
		return out, nil
	case "gzip":
		var buf bytes.Buffer
		buf.Write(magicGzip)
		w := gzip.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, fmt.Errorf("gzip compress: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("gzip close: %w", err)
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("unknown compression algorithm %q", algo)
	}
}

// decompress restores a stored value, detecting the codec from the marker.
// Unmarked values are returned as-is.
func decompress(data []byte) ([]byte, error) {
	switch {
	case bytes.HasPrefix(data, magicLZ4):
		rest := data[len(magicLZ4):]
		if len(rest) < 4 {
			return nil, fmt.Errorf("lz4 decompress: truncated header")
		}
		size := readUint32(rest)
		out := make([]byte, size)
		n, err := lz4.UncompressBlock(rest[4:], out)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		return out[:n], nil
	case bytes.HasPrefix(data, magicGzip):
		r, err := gzip.NewReader(bytes.NewReader(data[len(magicGzip):]))
		if err != nil {
			return nil, fmt.Errorf("gzip decompress: %w", err)
		}
		defer r.Close()
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("gzip decompress: %w", err)
		}
		return out, nil
	default:
		return data, nil
	}
}

func appendUint32(b []byte, v uint32) []byte {
	return append(b, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

func readUint32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}
