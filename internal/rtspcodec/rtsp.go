// Package rtspcodec implements the line-oriented RTSP parser/serialiser
// of spec.md §4.2: request/response framing, the mandatory CSeq
// header, and the Key=Value / opaque-blob body shape used by ANNOUNCE
// and DESCRIBE.
//
// The line-reading idiom (bufio.Reader, ReadString('\n'), manual
// header split on ": ") follows
// _examples/zalo-moonparty/moonlight-common-go/rtsp/rtsp.go's
// readResponse, inverted here into a parser that accepts both
// requests and responses since this package serves the RTSP server
// role rather than the client role the teacher exemplifies.
package rtspcodec

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Pair is an ordered (key, value) body line. An empty Key means the
// line had no "=" separator (an opaque blob line).
type Pair struct {
	Key   string
	Value string
}

// Message is a parsed RTSP request or response frame.
type Message struct {
	// Request fields; Method is empty for a response.
	Method string
	Target string

	// Response fields; StatusCode is 0 for a request.
	StatusCode int
	StatusText string

	Headers []HeaderField
	Body    []Pair

	// RawBody is the body exactly as received, before splitting into
	// Pairs; needed because ANNOUNCE bodies are a blob of SDP-style
	// lines that must also be preserved verbatim for logging/tests.
	RawBody string
}

// HeaderField preserves header ordering and duplicate headers, unlike
// a map.
type HeaderField struct {
	Key   string
	Value string
}

// Header returns the first header value matching key
// (case-insensitive), and whether it was found.
func (m *Message) Header(key string) (string, bool) {
	for _, h := range m.Headers {
		if strings.EqualFold(h.Key, key) {
			return h.Value, true
		}
	}
	return "", false
}

// CSeq returns the parsed CSeq header, or an error if missing or
// non-numeric (CSeq is mandatory per spec.md §4.2).
func (m *Message) CSeq() (int, error) {
	v, ok := m.Header("CSeq")
	if !ok {
		return 0, fmt.Errorf("rtspcodec: missing CSeq header")
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("rtspcodec: malformed CSeq: %w", err)
	}
	return n, nil
}

// ReadMessage reads one RTSP request frame from r following the
// receive-buffering rule in spec.md §4.2: headers are read line by
// line until the blank separator line, then exactly Content-Length
// further bytes are read as the body regardless of how many TCP reads
// that requires. Returns io.EOF if the connection closes before a
// request line is read.
func ReadMessage(r *bufio.Reader) (*Message, error) {
	line, err := readLine(r)
	if err != nil {
		return nil, err
	}

	msg := &Message{}
	if err := parseFirstLine(line, msg); err != nil {
		return nil, err
	}

	contentLength := 0
	for {
		line, err := readLine(r)
		if err != nil {
			return nil, err
		}
		if line == "" {
			break
		}

		key, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, fmt.Errorf("rtspcodec: malformed header %q", line)
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		msg.Headers = append(msg.Headers, HeaderField{Key: key, Value: value})

		if strings.EqualFold(key, "Content-Length") {
			n, err := strconv.Atoi(value)
			if err != nil {
				return nil, fmt.Errorf("rtspcodec: malformed Content-Length: %w", err)
			}
			contentLength = n
		}
	}

	if contentLength > 0 {
		body := make([]byte, contentLength)
		if _, err := io.ReadFull(r, body); err != nil {
			return nil, fmt.Errorf("rtspcodec: short body: %w", err)
		}
		msg.RawBody = string(body)
		msg.Body = parseBody(msg.RawBody)
	}

	return msg, nil
}

// readLine reads a single CRLF- or LF-terminated line, with the
// terminator stripped. An EOF after a partial line returns that
// partial line without error; an EOF before any byte is read returns
// io.EOF, and other read errors are returned as they are.
func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		if err == io.EOF && line != "" {
			return strings.TrimRight(line, "\r\n"), nil
		}
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func parseFirstLine(line string, msg *Message) error {
	if strings.HasPrefix(line, "RTSP/1.0 ") {
		rest := strings.TrimPrefix(line, "RTSP/1.0 ")
		code, text, ok := strings.Cut(rest, " ")
		if !ok {
			return fmt.Errorf("rtspcodec: malformed status line %q", line)
		}
		n, err := strconv.Atoi(code)
		if err != nil {
			return fmt.Errorf("rtspcodec: malformed status code: %w", err)
		}
		msg.StatusCode = n
		msg.StatusText = text
		return nil
	}

	parts := strings.SplitN(line, " ", 3)
	if len(parts) != 3 || parts[2] != "RTSP/1.0" {
		return fmt.Errorf("rtspcodec: malformed request line %q", line)
	}
	msg.Method = parts[0]
	msg.Target = parts[1]
	return nil
}

// parseBody splits a raw RTSP body into ordered Key=Value pairs,
// treating any line without "=" as an opaque blob line with an empty
// key (spec.md §4.2).
func parseBody(raw string) []Pair {
	lines := strings.Split(strings.ReplaceAll(raw, "\r\n", "\n"), "\n")
	pairs := make([]Pair, 0, len(lines))
	for _, line := range lines {
		if line == "" {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			pairs = append(pairs, Pair{Value: line})
			continue
		}
		pairs = append(pairs, Pair{Key: key, Value: value})
	}
	return pairs
}

// WriteResponse serialises an RTSP response onto w: status line,
// headers in order, blank separator, then the raw body bytes. The
// caller is responsible for setting a Content-Length header matching
// len(body) when a body is present.
func WriteResponse(w io.Writer, statusCode int, statusText string, headers []HeaderField, body string) error {
	bw := bufio.NewWriter(w)

	if _, err := fmt.Fprintf(bw, "RTSP/1.0 %d %s\r\n", statusCode, statusText); err != nil {
		return err
	}
	for _, h := range headers {
		if _, err := fmt.Fprintf(bw, "%s: %s\r\n", h.Key, h.Value); err != nil {
			return err
		}
	}
	if _, err := bw.WriteString("\r\n"); err != nil {
		return err
	}
	if body != "" {
		if _, err := bw.WriteString(body); err != nil {
			return err
		}
	}

	return bw.Flush()
}

// SerialiseRequest renders msg back into wire form; used by the
// round-trip invariant in spec.md §8 item 1 (parse(serialise(parse(x)))
// == parse(x)).
func SerialiseRequest(msg *Message) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s RTSP/1.0\r\n", msg.Method, msg.Target)
	for _, h := range msg.Headers {
		fmt.Fprintf(&b, "%s: %s\r\n", h.Key, h.Value)
	}
	b.WriteString("\r\n")
	b.WriteString(msg.RawBody)
	return b.String()
}

// StreamTarget describes a parsed `streamid=<type><params>` SETUP
// target, e.g. "streamid=video/0/0" or "streamid=control/13/0".
type StreamTarget struct {
	Type   string // "audio", "video", or "control"
	Params string
}

// ParseStreamTarget parses the Target of a SETUP request. It accepts
// the three target shapes from spec.md §4.2: an rtsp:// URL (returns
// ok=false, not a streamid target), a bare "/" (ok=false), or
// "streamid=<type><params>".
func ParseStreamTarget(target string) (StreamTarget, bool) {
	rest, ok := strings.CutPrefix(target, "streamid=")
	if !ok {
		return StreamTarget{}, false
	}

	idx := strings.IndexAny(rest, "/=")
	if idx < 0 {
		return StreamTarget{Type: rest}, true
	}
	return StreamTarget{Type: rest[:idx], Params: rest[idx:]}, true
}
