package net

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// PreHeadSize is the length prefix in front of every stream frame: a
// big-endian uint32 payload length.
const PreHeadSize = 4

// EncodePreHead appends the length prefix for an n-byte payload to dst.
func EncodePreHead(dst []byte, n int) []byte {
	return binary.BigEndian.AppendUint32(dst, uint32(n))
}

// DecodePreHead reads the payload length from buf.
func DecodePreHead(buf []byte) (uint32, error) {
	if len(buf) < PreHeadSize {
		return 0, errors.New("buff too small")
	}
	return binary.BigEndian.Uint32(buf), nil
}

// AppendFrame appends prefix and payload to dst.
func AppendFrame(dst, payload []byte) []byte {
	dst = EncodePreHead(dst, len(payload))
	return append(dst, payload...)
}

// ReadFrame reads one length-prefixed frame from r. hdr is scratch space of
// at least PreHeadSize bytes. A declared length above maxLen fails with
// ErrFrameTooLarge before anything is allocated for the payload.
//
// An error before the first header byte is returned unchanged (io.EOF for a
// clean close, a timeout for an idle connection). An error after it is
// wrapped with errPartialFrame.
func ReadFrame(r io.Reader, hdr []byte, maxLen int) ([]byte, error) {
	hdr = hdr[:PreHeadSize]
	n, err := io.ReadFull(r, hdr)
	if err != nil {
		if n == 0 {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", errPartialFrame, err)
	}

	size, _ := DecodePreHead(hdr)
	if uint64(size) > uint64(maxLen) {
		return nil, fmt.Errorf("%w: declared %d bytes, max %d", ErrFrameTooLarge, size, maxLen)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("%w: %w", errPartialFrame, err)
	}
	return payload, nil
}

// NextFrame splits the first frame off data, for transports whose messages
// carry one or more frames back to back.
func NextFrame(data []byte, maxLen int) (payload, rest []byte, err error) {
	size, err := DecodePreHead(data)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %d trailing bytes", errPartialFrame, len(data))
	}
	if uint64(size) > uint64(maxLen) {
		return nil, nil, fmt.Errorf("%w: declared %d bytes, max %d", ErrFrameTooLarge, size, maxLen)
	}
	end := PreHeadSize + int(size)
	if end > len(data) {
		return nil, nil, fmt.Errorf("%w: declared %d bytes, have %d", errPartialFrame, size, len(data)-PreHeadSize)
	}
	return data[PreHeadSize:end], data[end:], nil
}
