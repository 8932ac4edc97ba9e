// Package stream turns an ordered byte stream into first-chunk, chunk and end events.
// It holds no message state of its own; consumers decide what the events mean.
//
// Chunk boundaries are not content: the backend pads some chunks with a space, so a
// lone space ending one chunk followed by a lone space starting the next is read as a
// single space. Any run of two or more spaces, within a chunk or on either side of a
// boundary, is kept as sent. A genuine double space split exactly one-and-one across
// a boundary is indistinguishable from padding and loses a space.
package stream

import (
	"context"
	"errors"
	"io"
	"strings"
	"unicode"
	"unicode/utf8"
)

// ErrEnded is returned by Write once the stream has been finalized.
var ErrEnded = errors.New("stream: write after end")

const readBufSize = 4 << 10

// Handler consumes decoder events. FirstChunk fires at most once, End exactly once.
type Handler interface {
	FirstChunk(text string)
	Chunk(text string)
	End(final string)
}

// HandlerFuncs adapts plain functions to Handler. Nil funcs are skipped.
type HandlerFuncs struct {
	OnFirstChunk func(text string)
	OnChunk      func(text string)
	OnEnd        func(final string)
}

func (h HandlerFuncs) FirstChunk(text string) {
	if h.OnFirstChunk != nil {
		h.OnFirstChunk(text)
	}
}

func (h HandlerFuncs) Chunk(text string) {
	if h.OnChunk != nil {
		h.OnChunk(text)
	}
}

func (h HandlerFuncs) End(final string) {
	if h.OnEnd != nil {
		h.OnEnd(final)
	}
}

// Decoder accumulates text across Write calls. Each Write is one decode step.
// A Decoder is not safe for concurrent use.
type Decoder struct {
	h        Handler
	fallback string

	acc     strings.Builder
	pending []byte // trailing bytes of an incomplete rune
	started bool
	ended   bool
	final   string
}

// NewDecoder returns a decoder reporting to h. fallback is the text End carries when the
// stream produced no visible content.
func NewDecoder(h Handler, fallback string) *Decoder {
	return &Decoder{h: h, fallback: fallback}
}

// Write decodes p and emits the resulting events.
func (d *Decoder) Write(p []byte) (int, error) {
	if d.ended {
		return 0, ErrEnded
	}
	d.step(d.decode(p, false))
	return len(p), nil
}

// Close finalizes the stream. Calling it again is a no-op.
func (d *Decoder) Close() error {
	if d.ended {
		return nil
	}
	if len(d.pending) > 0 {
		d.step(d.decode(nil, true))
	}
	d.ended = true
	final := strings.TrimSpace(d.acc.String())
	if final == "" {
		final = d.fallback
	}
	d.final = final
	d.h.End(final)
	return nil
}

// Started reports whether FirstChunk has fired.
func (d *Decoder) Started() bool { return d.started }

// Final returns the finalized text once End has fired.
func (d *Decoder) Final() (string, bool) { return d.final, d.ended }

// Text returns what has been accumulated so far.
func (d *Decoder) Text() string { return d.acc.String() }

func (d *Decoder) decode(p []byte, flush bool) string {
	buf := make([]byte, 0, len(d.pending)+len(p))
	buf = append(buf, d.pending...)
	buf = append(buf, p...)
	d.pending = d.pending[:0]

	cut := len(buf)
	if !flush {
		for i := len(buf) - 1; i >= 0 && i >= len(buf)-utf8.UTFMax; i-- {
			if utf8.RuneStart(buf[i]) {
				if !utf8.FullRune(buf[i:]) {
					cut = i
				}
				break
			}
		}
		d.pending = append(d.pending, buf[cut:]...)
	}
	return strings.ToValidUTF8(string(buf[:cut]), string(utf8.RuneError))
}

func (d *Decoder) step(text string) {
	if text == "" {
		return
	}
	if !d.started {
		d.acc.WriteString(text)
		if strings.TrimSpace(d.acc.String()) == "" {
			return
		}
		first := strings.TrimLeftFunc(d.acc.String(), unicode.IsSpace)
		d.acc.Reset()
		d.acc.WriteString(first)
		d.started = true
		d.h.FirstChunk(first)
		return
	}
	if loneTrailingSpace(d.acc.String()) && loneLeadingSpace(text) {
		text = text[1:]
		if text == "" {
			return
		}
	}
	d.acc.WriteString(text)
	d.h.Chunk(text)
}

func loneTrailingSpace(s string) bool {
	n := len(s)
	return n > 0 && s[n-1] == ' ' && (n == 1 || s[n-2] != ' ')
}

func loneLeadingSpace(s string) bool {
	return len(s) > 0 && s[0] == ' ' && (len(s) == 1 || s[1] != ' ')
}

// Decode pumps r into d until EOF, a read error or ctx cancellation. The decoder is
// always closed on return, so End fires with whatever was accumulated.
// io.EOF is not reported as an error.
func Decode(ctx context.Context, r io.Reader, d *Decoder) error {
	defer d.Close()
	buf := make([]byte, readBufSize)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := r.Read(buf)
		if n > 0 {
			if _, werr := d.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			if cerr := ctx.Err(); cerr != nil {
				return cerr
			}
			return err
		}
	}
}
