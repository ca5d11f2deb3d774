package probe

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"vpp-ping/callback"
	"vpp-ping/codec"
	"vpp-ping/message"
)

// Output formats.
const (
	FormatText = "text"
	FormatJSON = "json"
)

// Printer writes one line per probe event. It is a ControlPingCallback, so it
// can sit behind a Recorder and print replies and errors as they arrive.
//
// In json format every line is a JSON object: progress lines are omitted,
// events carry an "event" field, and the final report is written as is.
type Printer struct {
	w      io.Writer
	json   bool
	codec  codec.Codec
	prefix string
	mu     *sync.Mutex // Shared by printers derived with For
}

func NewPrinter(w io.Writer, format string) *Printer {
	return &Printer{
		w:     w,
		json:  format == FormatJSON,
		codec: codec.GetCodec(codec.CodecTypeJSON),
		mu:    &sync.Mutex{},
	}
}

// For returns a printer that labels its text lines with endpoint. Used when
// several engines are probed at once.
func (p *Printer) For(endpoint string) *Printer {
	cp := *p
	cp.prefix = "[" + endpoint + "] "
	return &cp
}

// Progress prints a text progress line.
func (p *Printer) Progress(format string, args ...any) {
	if p.json {
		return
	}
	p.line(p.prefix + fmt.Sprintf(format, args...))
}

// Track prints one outcome together with its context id.
func (p *Printer) Track(ctxID uint32, reply message.Message, err *callback.Error) {
	switch {
	case err != nil:
		p.OnError(err)
	case p.json:
		p.event("reply", &message.Envelope{Message: reply, Context: ctxID})
	default:
		if r, ok := reply.(*message.ControlPingReply); ok {
			p.OnControlPingReply(r)
			return
		}
		p.line(fmt.Sprintf("%sReceived %s, context=%d", p.prefix, reply.GetMessageName(), ctxID))
	}
}

func (p *Printer) OnControlPingReply(reply *message.ControlPingReply) {
	if p.json {
		p.event("reply", &message.Envelope{Message: reply})
		return
	}
	p.line(fmt.Sprintf("%sReceived ControlPingReply: %s", p.prefix, reply))
}

func (p *Printer) OnError(err *callback.Error) {
	if p.json {
		p.event("error", err)
		return
	}
	p.line(fmt.Sprintf("%sReceived onError exception: call=%s, reply=%d, context=%d",
		p.prefix, err.MethodName, err.ErrorCode, err.CtxID))
}

// Report prints the verdict of a run.
func (p *Printer) Report(r *Report) {
	if p.json {
		data, err := p.codec.Encode(r)
		if err == nil {
			p.line(string(data))
		}
		return
	}
	verdict := "OK"
	if !r.OK() {
		verdict = "FAILED"
	}
	p.line(fmt.Sprintf("%sProbe %s: %s", p.prefix, r.RunID, verdict))
}

func (p *Printer) event(kind string, v any) {
	body, err := p.codec.Encode(v)
	if err != nil {
		return
	}
	data, err := p.codec.Encode(struct {
		Event    string          `json:"event"`
		Endpoint string          `json:"endpoint,omitempty"`
		Data     json.RawMessage `json:"data"`
	}{kind, p.endpoint(), body})
	if err == nil {
		p.line(string(data))
	}
}

func (p *Printer) endpoint() string {
	if p.prefix == "" {
		return ""
	}
	return p.prefix[1 : len(p.prefix)-2]
}

func (p *Printer) line(s string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.w, s)
}
