package bridge

import (
	"bytes"
	"encoding/json"
)

// FramedLine is one decoded JSON line together with the exact bytes it came
// from, so subscribers that want a verbatim passthrough (§4.2 "All events
// are also emitted verbatim on a generic event channel") don't lose
// information to re-marshaling.
type FramedLine struct {
	Raw []byte
	Env inboundEnvelope
}

// Framer splits an incoming byte stream into complete lines, tolerating
// partial chunks across Feed calls, and decodes each line as JSON (§4.1).
// Blank lines are skipped. Lines that fail to parse as JSON are silently
// dropped — the protocol tolerates interleaved non-JSON noise on stdout.
//
// Framer is not safe for concurrent use; each Bridge owns exactly one, for
// its stdout stream (stderr is read line by line without a Framer).
type Framer struct {
	residual []byte
}

// Feed appends chunk to the residual buffer and returns every complete,
// successfully-parsed JSON line found so far. The remainder (a partial line,
// or nothing) stays buffered for the next Feed call.
func (f *Framer) Feed(chunk []byte) []FramedLine {
	f.residual = append(f.residual, chunk...)

	var out []FramedLine
	for {
		idx := bytes.IndexByte(f.residual, '\n')
		if idx < 0 {
			break
		}
		line := f.residual[:idx]
		f.residual = f.residual[idx+1:]
		if fl, ok := decodeLine(line); ok {
			out = append(out, fl)
		}
	}
	return out
}

// Flush decodes any residual bytes as a final, newline-less line (called on
// EOF) and clears the buffer.
func (f *Framer) Flush() []FramedLine {
	if len(f.residual) == 0 {
		return nil
	}
	line := f.residual
	f.residual = nil
	if fl, ok := decodeLine(line); ok {
		return []FramedLine{fl}
	}
	return nil
}

func decodeLine(line []byte) (FramedLine, bool) {
	line = bytes.TrimRight(line, "\r")
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 {
		return FramedLine{}, false
	}
	var env inboundEnvelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return FramedLine{}, false
	}
	return FramedLine{Raw: append([]byte(nil), trimmed...), Env: env}, true
}
