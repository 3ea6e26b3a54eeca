package message

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"strconv"
	"strings"
)

const (
	maxMessageSize = 65536
	maxHeaders     = 100
)

// Parse parses one complete message. The body must be announced by a
// Content-Length header; bytes past Content-Length are ignored.
func Parse(data []byte) (Message, error) {
	if len(data) == 0 {
		return nil, malformed(ErrInvalidStartLine, "empty message")
	}
	if len(data) > maxMessageSize {
		return nil, malformed(ErrMessageTooLarge, "%d bytes", len(data))
	}

	head, body, ok := splitHead(data)
	if !ok {
		return nil, malformed(ErrUnterminated, "no empty line after headers")
	}

	lines := unfold(head)
	if len(lines) == 0 {
		return nil, malformed(ErrInvalidStartLine, "empty start line")
	}
	if len(lines)-1 > maxHeaders {
		return nil, malformed(ErrTooManyHeaders, "%d headers", len(lines)-1)
	}

	headers := NewHeaders()
	for _, line := range lines[1:] {
		name, value, found := strings.Cut(line, ":")
		if !found || strings.TrimSpace(name) == "" {
			return nil, malformed(ErrInvalidHeader, "%q", line)
		}
		headers.Add(name, strings.TrimSpace(value))
	}

	body, err := sizeBody(headers, body)
	if err != nil {
		return nil, err
	}

	start := lines[0]
	if strings.HasPrefix(start, "SIP/") {
		return parseStatusLine(start, headers, body)
	}
	return parseRequestLine(start, headers, body)
}

func splitHead(data []byte) (head, body []byte, ok bool) {
	// Tolerate leading keep-alive CRLFs.
	data = bytes.TrimLeft(data, "\r\n")
	if i := bytes.Index(data, []byte("\r\n\r\n")); i >= 0 {
		return data[:i], data[i+4:], true
	}
	if i := bytes.Index(data, []byte("\n\n")); i >= 0 {
		return data[:i], data[i+2:], true
	}
	return nil, nil, false
}

func unfold(head []byte) []string {
	raw := strings.Split(strings.ReplaceAll(string(head), "\r\n", "\n"), "\n")
	lines := make([]string, 0, len(raw))
	for _, l := range raw {
		if len(lines) > 0 && (strings.HasPrefix(l, " ") || strings.HasPrefix(l, "\t")) {
			lines[len(lines)-1] += " " + strings.TrimSpace(l)
			continue
		}
		lines = append(lines, l)
	}
	return lines
}

func sizeBody(h *Headers, body []byte) ([]byte, error) {
	cl := strings.TrimSpace(h.Get("Content-Length"))
	if cl == "" {
		if len(bytes.TrimSpace(body)) > 0 {
			return nil, malformed(ErrContentLength, "body without Content-Length")
		}
		return nil, nil
	}
	n, err := strconv.Atoi(cl)
	if err != nil || n < 0 {
		return nil, malformed(ErrContentLength, "%q", cl)
	}
	if n > len(body) {
		return nil, malformed(ErrContentLength, "announced %d bytes, got %d", n, len(body))
	}
	if n == 0 {
		return nil, nil
	}
	return body[:n], nil
}

func parseRequestLine(line string, h *Headers, body []byte) (*Request, error) {
	parts := strings.Split(line, " ")
	if len(parts) != 3 || parts[0] == "" {
		return nil, malformed(ErrInvalidStartLine, "%q", line)
	}
	if parts[2] != sipVersion {
		return nil, malformed(ErrInvalidSIPVersion, "%q", parts[2])
	}
	for _, c := range parts[0] {
		if c < 'A' || c > 'Z' {
			return nil, malformed(ErrInvalidStartLine, "method %q", parts[0])
		}
	}
	uri, err := ParseURI(parts[1])
	if err != nil {
		return nil, err
	}
	req := &Request{Method: parts[0], RequestURI: uri, Headers: h, body: body}
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	return req, nil
}

func parseStatusLine(line string, h *Headers, body []byte) (*Response, error) {
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 2 {
		return nil, malformed(ErrInvalidStartLine, "%q", line)
	}
	if parts[0] != sipVersion {
		return nil, malformed(ErrInvalidSIPVersion, "%q", parts[0])
	}
	code, err := strconv.Atoi(parts[1])
	if err != nil || code < 100 || code > 699 {
		return nil, malformed(ErrInvalidStatusCode, "%q", parts[1])
	}
	res := &Response{StatusCode: code, Headers: h, body: body}
	if len(parts) == 3 {
		res.ReasonPhrase = parts[2]
	}
	if _, err := h.CSeq(); err != nil {
		return nil, err
	}
	if _, err := h.TopVia(); err != nil {
		return nil, err
	}
	return res, nil
}

func validateRequest(req *Request) error {
	for _, name := range []string{"Call-ID", "From", "To", "Via"} {
		if !req.Headers.Has(name) {
			return malformed(ErrMissingHeader, "%s", name)
		}
	}
	cseq, err := req.Headers.CSeq()
	if err != nil {
		return err
	}
	if cseq.Method != req.Method {
		return malformed(ErrInvalidHeader, "CSeq method %s does not match %s", cseq.Method, req.Method)
	}
	return nil
}

// ReadMessage reads one message from a stream. Content-Length is mandatory on
// streams so the reader knows where the next message starts.
func ReadMessage(r *bufio.Reader) (Message, error) {
	var head bytes.Buffer
	contentLength := -1
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) && head.Len() == 0 && line == "" {
				return nil, io.EOF
			}
			return nil, err
		}
		if head.Len()+len(line) > maxMessageSize {
			return nil, malformed(ErrMessageTooLarge, "header block")
		}
		trimmed := strings.TrimRight(line, "\r\n")
		if trimmed == "" {
			if head.Len() == 0 {
				// keep-alive
				continue
			}
			break
		}
		if name, value, ok := strings.Cut(trimmed, ":"); ok && CanonicalName(name) == "Content-Length" {
			n, err := strconv.Atoi(strings.TrimSpace(value))
			if err != nil || n < 0 || n > maxMessageSize {
				return nil, malformed(ErrContentLength, "%q", value)
			}
			contentLength = n
		}
		head.WriteString(trimmed)
		head.WriteString("\r\n")
	}
	if contentLength < 0 {
		return nil, malformed(ErrContentLength, "missing on stream transport")
	}
	head.WriteString("\r\n")
	body := make([]byte, contentLength)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	head.Write(body)
	return Parse(head.Bytes())
}
