package endpoint

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/billm/fanout/pkg/types"
)

// DefaultMaxFrameSize caps a single frame read from the wire
const DefaultMaxFrameSize = 16 << 20

const frameHeaderSize = 4

// WriteFrame writes p as one frame: a big-endian uint32 length followed by
// the bytes of p. Header and body go out in a single Write.
func WriteFrame(w io.Writer, p []byte) error {
	if uint64(len(p)) > uint64(^uint32(0)) {
		return types.NewError(types.ErrCodeInvalidArgument, "frame too large")
	}

	buf := make([]byte, frameHeaderSize+len(p))
	binary.BigEndian.PutUint32(buf, uint32(len(p)))
	copy(buf[frameHeaderSize:], p)

	if _, err := w.Write(buf); err != nil {
		return types.WrapError(types.ErrCodeTransport, "failed to write frame", err)
	}
	return nil
}

// ReadFrame reads one frame. A clean end of stream before the header
// returns io.EOF unwrapped so callers can tell a disconnect apart from a
// broken frame. maxSize <= 0 uses DefaultMaxFrameSize.
func ReadFrame(r io.Reader, maxSize int) ([]byte, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}

	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, types.WrapError(types.ErrCodeTransport, "failed to read frame header", err)
	}

	size := binary.BigEndian.Uint32(header[:])
	if uint64(size) > uint64(maxSize) {
		return nil, types.NewError(types.ErrCodeInvalid,
			fmt.Sprintf("frame of %d bytes exceeds limit of %d", size, maxSize))
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, types.WrapError(types.ErrCodeTransport, "failed to read frame body", err)
	}
	return body, nil
}
