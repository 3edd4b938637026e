// Package protocol implements the framed JSON protocol spoken by the
// payment terminal: STX/ETX byte framing, the command envelope, and the
// per-command TCP session engine with layered timeouts.
package protocol

import "bytes"

// Framing control bytes. The JSON payload between STX and ETX is pure
// ASCII and never legally contains any of these.
const (
	STX byte = 0x02
	ETX byte = 0x03
	LF  byte = 0x0A
	CR  byte = 0x0D
	NUL byte = 0x00
)

// EncodeFrame wraps an ASCII JSON payload into a single wire frame:
// STX LF <json> LF ETX LF. Callers write the result to the socket in
// one call so a frame is never interleaved with another.
func EncodeFrame(payload []byte) []byte {
	frame := make([]byte, 0, len(payload)+4)
	frame = append(frame, STX, LF)
	frame = append(frame, payload...)
	frame = append(frame, LF, ETX, LF)
	return frame
}

// Frame is one decoded wire unit.
type Frame struct {
	// Raw is the byte span from STX through ETX inclusive, as received.
	Raw []byte
	// Payload is the inner JSON with framing/control bytes scrubbed.
	Payload []byte
}

// Decoder is a streaming frame decoder. Feed it byte chunks as they
// arrive; it buffers partial frames and returns every frame the chunk
// completes. Bytes before the first STX are discarded, so inter-frame
// LF fillers and line noise are tolerated. The decoder never
// desynchronizes: a frame whose inner JSON later fails to parse is
// skipped by the caller and decoding resumes at the byte after its ETX.
type Decoder struct {
	buf []byte
}

// Feed appends a chunk and returns all frames completed by it.
func (d *Decoder) Feed(chunk []byte) []Frame {
	d.buf = append(d.buf, chunk...)

	var frames []Frame
	for {
		start := bytes.IndexByte(d.buf, STX)
		if start < 0 {
			// No frame start anywhere; drop the noise.
			d.buf = d.buf[:0]
			return frames
		}
		end := bytes.IndexByte(d.buf[start:], ETX)
		if end < 0 {
			// Partial frame: retain from STX onward and wait for more.
			d.buf = append(d.buf[:0], d.buf[start:]...)
			return frames
		}
		end += start

		raw := make([]byte, end-start+1)
		copy(raw, d.buf[start:end+1])
		frames = append(frames, Frame{
			Raw:     raw,
			Payload: scrub(d.buf[start+1 : end]),
		})

		d.buf = append(d.buf[:0], d.buf[end+1:]...)
	}
}

// Pending reports how many bytes sit buffered awaiting frame completion.
func (d *Decoder) Pending() int {
	return len(d.buf)
}

// scrub copies the payload with stray framing/control bytes removed.
// Some terminals embed an extra LF inside the payload; the JSON itself
// never contains these bytes, so dropping them is lossless.
func scrub(payload []byte) []byte {
	out := make([]byte, 0, len(payload))
	for _, b := range payload {
		switch b {
		case STX, ETX, LF, CR, NUL:
			continue
		}
		out = append(out, b)
	}
	return out
}
