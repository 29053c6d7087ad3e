package relic

import (
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
)

// Container framing: 4 magic bytes, 1 compression tag, 3 reserved zero
// bytes, uint32 root position, uint64 uncompressed payload size, then the
// payload. The root position travels with the bytes because an archive's
// header is found at the end of the buffer, not at a fixed position.
const (
	containerMagic      = "rlc1"
	containerHeaderSize = 20
)

// Compression selects the container payload encoding.
type Compression byte

const (
	// CompressionNone stores the archive bytes as written.
	CompressionNone Compression = 0

	// CompressionZstd compresses the archive with zstandard.
	CompressionZstd Compression = 1
)

// DefaultMaxContainerSize caps decoded payloads at 1 GiB unless overridden.
const DefaultMaxContainerSize = 1 << 30

type containerConfig struct {
	compression Compression
	maxSize     int
	logger      *slog.Logger
}

// ContainerOption configures container reads and writes.
type ContainerOption func(*containerConfig)

// WithCompression selects the payload encoding for writes.
func WithCompression(c Compression) ContainerOption {
	return func(cfg *containerConfig) {
		cfg.compression = c
	}
}

// WithMaxContainerSize bounds the decoded payload size accepted on reads.
func WithMaxContainerSize(n int) ContainerOption {
	return func(cfg *containerConfig) {
		if n > 0 {
			cfg.maxSize = n
		}
	}
}

// WithContainerLogger sets the logger for container diagnostics. Logging is
// discarded by default.
func WithContainerLogger(logger *slog.Logger) ContainerOption {
	return func(cfg *containerConfig) {
		cfg.logger = logger
	}
}

func newContainerConfig(opts []ContainerOption) containerConfig {
	cfg := containerConfig{
		compression: CompressionZstd,
		maxSize:     DefaultMaxContainerSize,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

func (cfg containerConfig) log() *slog.Logger {
	if cfg.logger != nil {
		return cfg.logger
	}
	return slog.New(slog.DiscardHandler)
}

// WriteBuffer frames an archive buffer and its root position into a
// self-describing container.
func WriteBuffer(buf []byte, root int, opts ...ContainerOption) ([]byte, error) {
	cfg := newContainerConfig(opts)
	if root < 0 || root > len(buf) {
		return nil, fmt.Errorf("%w: root %d in %d bytes", ErrOutOfBounds, root, len(buf))
	}
	if root > math.MaxUint32 {
		return nil, fmt.Errorf("%w: root %d", ErrLayoutOverflow, root)
	}

	out := make([]byte, containerHeaderSize, containerHeaderSize+len(buf))
	copy(out[0:4], containerMagic)
	out[4] = byte(cfg.compression)
	binary.LittleEndian.PutUint32(out[8:12], uint32(root))
	binary.LittleEndian.PutUint64(out[12:20], uint64(len(buf)))

	switch cfg.compression {
	case CompressionNone:
		out = append(out, buf...)
	case CompressionZstd:
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1))
		if err != nil {
			return nil, fmt.Errorf("create encoder: %w", err)
		}
		out = enc.EncodeAll(buf, out)
		if err := enc.Close(); err != nil {
			return nil, fmt.Errorf("close encoder: %w", err)
		}
	default:
		return nil, fmt.Errorf("%w: tag %d", ErrUnknownCompression, cfg.compression)
	}

	cfg.log().Debug("container written",
		"payload", len(buf), "framed", len(out), "compression", cfg.compression)
	return out, nil
}

// ReadBuffer unframes a container and returns the archive buffer and its
// root position. The declared payload size is checked against the read
// limit before any decompression happens, so a hostile header cannot force
// a huge allocation.
func ReadBuffer(data []byte, opts ...ContainerOption) ([]byte, int, error) {
	cfg := newContainerConfig(opts)
	if len(data) < containerHeaderSize {
		return nil, 0, fmt.Errorf("%w: %d bytes", ErrBadMagic, len(data))
	}
	if string(data[0:4]) != containerMagic {
		return nil, 0, fmt.Errorf("%w: %q", ErrBadMagic, data[0:4])
	}
	size := binary.LittleEndian.Uint64(data[12:20])
	if size > uint64(cfg.maxSize) {
		return nil, 0, fmt.Errorf("%w: %d bytes, limit %d", ErrTooLarge, size, cfg.maxSize)
	}
	root := int(binary.LittleEndian.Uint32(data[8:12]))
	payload := data[containerHeaderSize:]

	var buf []byte
	switch Compression(data[4]) {
	case CompressionNone:
		if uint64(len(payload)) != size {
			return nil, 0, fmt.Errorf("%w: declared %d bytes, stored %d", ErrCorruptContainer, size, len(payload))
		}
		buf = payload
	case CompressionZstd:
		dec, err := zstd.NewReader(nil,
			zstd.WithDecoderConcurrency(1),
			zstd.WithDecoderMaxMemory(uint64(cfg.maxSize)))
		if err != nil {
			return nil, 0, fmt.Errorf("create decoder: %w", err)
		}
		defer dec.Close()
		buf, err = dec.DecodeAll(payload, make([]byte, 0, size))
		if err != nil {
			return nil, 0, fmt.Errorf("%w: %v", ErrCorruptContainer, err)
		}
		if uint64(len(buf)) != size {
			return nil, 0, fmt.Errorf("%w: declared %d bytes, decoded %d", ErrCorruptContainer, size, len(buf))
		}
	default:
		return nil, 0, fmt.Errorf("%w: tag %d", ErrUnknownCompression, data[4])
	}

	if root > len(buf) {
		return nil, 0, fmt.Errorf("%w: root %d in %d bytes", ErrOutOfBounds, root, len(buf))
	}
	cfg.log().Debug("container read", "payload", len(buf), "root", root)
	return buf, root, nil
}

// SaveFile writes a framed archive to path. The write is atomic: a temp
// file in the target directory is renamed over path, so readers never see
// a partial container. Parent directories are created as needed.
func SaveFile(path string, buf []byte, root int, opts ...ContainerOption) error {
	framed, err := WriteBuffer(buf, root, opts...)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}
	if err := writeFileAtomic(path, framed); err != nil {
		return fmt.Errorf("write container: %w", err)
	}
	return nil
}

// LoadFile reads a framed archive from path.
func LoadFile(path string, opts ...ContainerOption) ([]byte, int, error) {
	cfg := newContainerConfig(opts)
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("open container: %w", err)
	}
	defer f.Close()

	limit := int64(cfg.maxSize) + containerHeaderSize
	data, err := io.ReadAll(io.LimitReader(f, limit+1))
	if err != nil {
		return nil, 0, fmt.Errorf("read container: %w", err)
	}
	if int64(len(data)) > limit {
		return nil, 0, fmt.Errorf("%w: file exceeds %d bytes", ErrTooLarge, limit)
	}
	return ReadBuffer(data, opts...)
}

// writeFileAtomic writes data to a temp file then renames it over target.
func writeFileAtomic(target string, data []byte) error {
	dir := filepath.Dir(target)
	tmp, err := os.CreateTemp(dir, ".relic-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, target); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}
