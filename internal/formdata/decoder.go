// Package formdata implements streaming multipart/form-data encoding and
// decoding for the files API. The decoder is an incremental push parser: the
// server streams file contents of arbitrary size, so we cannot hand the body
// to a reader that buffers unboundedly while hunting for a terminator.
package formdata

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"mime"
	"net/textproto"
)

// DefaultMaxHeaderBytes bounds how far the decoder will look ahead for a
// part's header terminator before giving up.
const DefaultMaxHeaderBytes = 8 * 1024

// Header describes one decoded part.
type Header struct {
	// Name is the Content-Disposition form field name.
	Name string
	// Filename is the Content-Disposition filename, unescaped. Empty for
	// non-file parts.
	Filename string
	// ContentType is the part's Content-Type header, if any.
	ContentType string
}

// Sink receives decoded parts. PartData may be called many times between
// PartBegin and PartEnd; the chunks joined together are the exact part body.
type Sink interface {
	PartBegin(h Header) error
	PartData(b []byte) error
	PartEnd() error
}

type decoderState int

const (
	stateSeekBoundary decoderState = iota
	stateAfterBoundary
	stateParseHeader
	stateParseBody
	stateDone
)

var (
	crlf             = []byte("\r\n")
	headerTerminator = []byte("\r\n\r\n")
)

// Decoder incrementally parses a multipart/form-data stream. Feed it the raw
// body in chunks of any size; parse results are identical whether the stream
// arrives one byte at a time or all at once.
type Decoder struct {
	sink  Sink
	state decoderState

	// delimiter is "\r\n--" + boundary. The buffer is seeded with a
	// virtual CRLF so the first boundary line, which the stream may emit
	// without a preceding CRLF, matches the same needle.
	delimiter []byte
	buf       []byte

	maxHeaderBytes int
}

// DecoderOption customizes a Decoder.
type DecoderOption func(*Decoder)

// WithMaxHeaderBytes overrides the header lookahead bound.
func WithMaxHeaderBytes(n int) DecoderOption {
	return func(d *Decoder) {
		d.maxHeaderBytes = n
	}
}

// NewDecoder returns a decoder for the given boundary token, delivering parts
// to sink.
func NewDecoder(boundary string, sink Sink, opts ...DecoderOption) *Decoder {
	d := &Decoder{
		sink:           sink,
		delimiter:      []byte("\r\n--" + boundary),
		buf:            append([]byte(nil), crlf...),
		maxHeaderBytes: DefaultMaxHeaderBytes,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// MaxBoundaryLength reports the number of trailing bytes the decoder holds
// back while in a part body: the longest prefix of data that could still turn
// out to be the start of the next boundary line.
func (d *Decoder) MaxBoundaryLength() int {
	return len(d.delimiter)
}

// Feed consumes the next chunk of the stream, invoking the sink for any parts
// or part data that become complete.
func (d *Decoder) Feed(b []byte) error {
	d.buf = append(d.buf, b...)
	for {
		progressed, err := d.step()
		if err != nil {
			return err
		}
		if !progressed {
			return nil
		}
	}
}

// Close signals end of stream. It is an error if the terminal boundary was
// never seen.
func (d *Decoder) Close() error {
	if d.state != stateDone {
		return errors.New("multipart stream truncated before terminal boundary")
	}
	return nil
}

func (d *Decoder) step() (bool, error) {
	switch d.state {
	case stateSeekBoundary:
		return d.seekBoundary()
	case stateAfterBoundary:
		return d.afterBoundary()
	case stateParseHeader:
		return d.parseHeader()
	case stateParseBody:
		return d.parseBody()
	case stateDone:
		// Epilogue bytes are ignored.
		d.buf = nil
		return false, nil
	}
	return false, fmt.Errorf("internal error: unknown decoder state %d", d.state)
}

// seekBoundary discards preamble bytes until the first boundary line.
func (d *Decoder) seekBoundary() (bool, error) {
	i := bytes.Index(d.buf, d.delimiter)
	if i < 0 {
		// Keep only a possible partial delimiter suffix.
		if keep := len(d.delimiter) - 1; len(d.buf) > keep {
			d.buf = d.buf[len(d.buf)-keep:]
		}
		return false, nil
	}
	d.buf = d.buf[i+len(d.delimiter):]
	d.state = stateAfterBoundary
	return true, nil
}

// afterBoundary consumes what follows a boundary token: either "--" ending
// the stream, or optional linear whitespace and a CRLF starting a part.
func (d *Decoder) afterBoundary() (bool, error) {
	rest := d.buf
	if len(rest) >= 2 && rest[0] == '-' && rest[1] == '-' {
		d.buf = rest[2:]
		d.state = stateDone
		return true, nil
	}
	if len(rest) == 1 && rest[0] == '-' {
		return false, nil // need one more byte to decide
	}
	// Skip transport padding (RFC 2046 permits LWS before the CRLF).
	j := 0
	for j < len(rest) && (rest[j] == ' ' || rest[j] == '\t') {
		j++
	}
	if j == len(rest) || (rest[j] == '\r' && j == len(rest)-1) {
		return false, nil
	}
	if rest[j] != '\r' || rest[j+1] != '\n' {
		return false, fmt.Errorf("malformed boundary line: unexpected byte %q", rest[j])
	}
	d.buf = rest[j+2:]
	d.state = stateParseHeader
	return true, nil
}

func (d *Decoder) parseHeader() (bool, error) {
	var raw []byte
	if bytes.HasPrefix(d.buf, crlf) {
		// Part with no headers at all.
		d.buf = d.buf[2:]
	} else {
		i := bytes.Index(d.buf, headerTerminator)
		if i < 0 {
			if len(d.buf) > d.maxHeaderBytes {
				return false, fmt.Errorf("part header exceeds %d bytes without terminator", d.maxHeaderBytes)
			}
			return false, nil
		}
		raw = d.buf[:i+2]
		d.buf = d.buf[i+4:]
	}

	hdr, err := parsePartHeader(raw)
	if err != nil {
		return false, err
	}
	if err := d.sink.PartBegin(hdr); err != nil {
		return false, err
	}
	d.state = stateParseBody
	return true, nil
}

func (d *Decoder) parseBody() (bool, error) {
	i := bytes.Index(d.buf, d.delimiter)
	if i >= 0 {
		if i > 0 {
			if err := d.sink.PartData(d.buf[:i]); err != nil {
				return false, err
			}
		}
		if err := d.sink.PartEnd(); err != nil {
			return false, err
		}
		d.buf = d.buf[i+len(d.delimiter):]
		d.state = stateAfterBoundary
		return true, nil
	}
	// Flush everything except a tail that might be the start of the next
	// boundary, so boundary bytes are never emitted as content.
	safe := len(d.buf) - d.MaxBoundaryLength()
	if safe > 0 {
		if err := d.sink.PartData(d.buf[:safe]); err != nil {
			return false, err
		}
		d.buf = d.buf[safe:]
	}
	return false, nil
}

func parsePartHeader(raw []byte) (Header, error) {
	var h Header
	if len(raw) == 0 {
		return h, nil
	}
	tp := textproto.NewReader(bufio.NewReader(bytes.NewReader(append(raw, crlf...))))
	mimeHeader, err := tp.ReadMIMEHeader()
	if err != nil {
		return h, fmt.Errorf("parsing part headers: %w", err)
	}
	h.ContentType = mimeHeader.Get("Content-Type")
	disposition := mimeHeader.Get("Content-Disposition")
	if disposition == "" {
		return h, nil
	}
	kind, params, err := mime.ParseMediaType(disposition)
	if err != nil {
		return h, fmt.Errorf("parsing Content-Disposition: %w", err)
	}
	if kind != "form-data" {
		return h, fmt.Errorf("unexpected Content-Disposition %q", kind)
	}
	h.Name = params["name"]
	h.Filename = params["filename"]
	return h, nil
}
