package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
)

// MaxFrameSize bounds a single frame. A stream that accumulates this many
// bytes without a frame boundary is considered fatally broken: resync is
// impossible because the boundary itself is lost.
const MaxFrameSize = 1 << 20 // 1MB

// ErrFrameTooLarge signals an unterminated frame exceeding MaxFrameSize.
// Unlike *ProtocolError this is not recoverable; the connection must be
// torn down.
var ErrFrameTooLarge = errors.New("protocol: frame exceeds maximum size")

// ProtocolError reports a malformed frame. The decoder has already consumed
// the bad frame and resynchronized at the next boundary, so callers may keep
// decoding after surfacing the error.
type ProtocolError struct {
	Frame []byte // the offending bytes, truncated for logging
	Err   error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol: malformed frame: %v", e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// IsMalformed reports whether err is a recoverable malformed-frame error.
func IsMalformed(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}

// Encoder writes envelopes as JSON lines. Safe for concurrent use.
type Encoder struct {
	mu sync.Mutex
	w  io.Writer
}

// NewEncoder creates an encoder for the given writer.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Encode writes one envelope as a single frame.
func (e *Encoder) Encode(env *Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	_, err = e.w.Write(append(data, '\n'))
	return err
}

// Send builds and encodes an envelope in one step.
func (e *Encoder) Send(msgType MessageType, corr string, payload any) error {
	env, err := NewEnvelope(msgType, corr, payload)
	if err != nil {
		return err
	}
	return e.Encode(env)
}

// Decoder turns a byte stream back into envelopes.
//
// Decoding is resumable: input may arrive split at arbitrary points and the
// decoder buffers partial frames across calls. Feeding the same bytes in any
// split pattern yields the same envelope sequence. It can be driven two ways:
//
//   - pull: NewDecoder(r) + Decode(), which reads from r as needed;
//   - push: NewStreamDecoder() + Feed(p) + Next(), for callers that own
//     the transport reads.
type Decoder struct {
	r   io.Reader
	buf []byte
	tmp []byte
	max int
}

// NewDecoder creates a pull decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: r, tmp: make([]byte, 32*1024), max: MaxFrameSize}
}

// NewStreamDecoder creates a push decoder fed via Feed.
func NewStreamDecoder() *Decoder {
	return &Decoder{max: MaxFrameSize}
}

// Feed appends raw transport bytes to the decode buffer.
func (d *Decoder) Feed(p []byte) {
	d.buf = append(d.buf, p...)
}

// Buffered returns the number of bytes awaiting a frame boundary.
func (d *Decoder) Buffered() int { return len(d.buf) }

// Next returns the next complete envelope from the buffer, or (nil, nil)
// when no complete frame is buffered yet. A malformed frame is consumed and
// returned as *ProtocolError; the next call resumes at the following frame.
func (d *Decoder) Next() (*Envelope, error) {
	for {
		i := bytes.IndexByte(d.buf, '\n')
		if i < 0 {
			if len(d.buf) > d.max {
				return nil, ErrFrameTooLarge
			}
			return nil, nil
		}

		line := d.buf[:i]
		// Retain the tail; the frame bytes must survive the buffer reslice
		// when returned inside a ProtocolError.
		frame := make([]byte, len(line))
		copy(frame, line)
		d.buf = d.buf[i+1:]

		if len(bytes.TrimSpace(frame)) == 0 {
			continue // tolerate blank lines between frames
		}
		return decodeFrame(frame)
	}
}

// Decode returns the next envelope, reading from the underlying reader as
// needed. Returns io.EOF at clean end of stream, io.ErrUnexpectedEOF if the
// stream ends mid-frame, *ProtocolError for malformed frames (recoverable),
// and ErrFrameTooLarge when resync is impossible.
func (d *Decoder) Decode() (*Envelope, error) {
	if d.r == nil {
		return nil, errors.New("protocol: Decode on push decoder, use Next")
	}
	for {
		env, err := d.Next()
		if env != nil || err != nil {
			return env, err
		}

		n, err := d.r.Read(d.tmp)
		if n > 0 {
			d.Feed(d.tmp[:n])
			continue
		}
		if err == io.EOF {
			if len(bytes.TrimSpace(d.buf)) > 0 {
				d.buf = nil
				return nil, io.ErrUnexpectedEOF
			}
			return nil, io.EOF
		}
		if err != nil {
			return nil, err
		}
	}
}

func decodeFrame(frame []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, &ProtocolError{Frame: clip(frame, 256), Err: err}
	}
	if env.Type == "" {
		return nil, &ProtocolError{Frame: clip(frame, 256), Err: errors.New("missing type")}
	}
	return &env, nil
}

func clip(b []byte, max int) []byte {
	if len(b) <= max {
		return b
	}
	return b[:max]
}
