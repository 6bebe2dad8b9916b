package rtsp

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"sort"
	"strconv"
	"strings"
)

const (
	protocol      = "RTSP/1.0"
	maxBodyLength = 64 * 1024
)

var errMalformed = errors.New("malformed rtsp request")

// Request is one RTSP request from a client.
type Request struct {
	Method string
	URL    string
	Header textproto.MIMEHeader
	Body   []byte
}

// CSeq returns the request's sequence header.
func (r *Request) CSeq() string { return r.Header.Get("CSeq") }

// Session returns the session id without its parameters.
func (r *Request) Session() string {
	s := r.Header.Get("Session")
	if i := strings.IndexByte(s, ';'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}

// readRequest reads the next request. Interleaved frames sent by the client,
// typically RTCP receiver reports, are skipped.
func readRequest(br *bufio.Reader) (*Request, error) {
	for {
		b, err := br.Peek(1)
		if err != nil {
			return nil, err
		}
		if b[0] != '$' {
			break
		}
		var hdr [4]byte
		if _, err := io.ReadFull(br, hdr[:]); err != nil {
			return nil, err
		}
		if _, err := br.Discard(int(binary.BigEndian.Uint16(hdr[2:]))); err != nil {
			return nil, err
		}
	}

	tp := textproto.NewReader(br)
	line, err := tp.ReadLine()
	if err != nil {
		return nil, err
	}
	parts := strings.Fields(line)
	if len(parts) != 3 || parts[2] != protocol {
		return nil, fmt.Errorf("%w: %q", errMalformed, line)
	}
	h, err := tp.ReadMIMEHeader()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errMalformed, err)
	}
	req := &Request{Method: parts[0], URL: parts[1], Header: h}

	if cl := h.Get("Content-Length"); cl != "" {
		n, err := strconv.Atoi(cl)
		if err != nil || n < 0 || n > maxBodyLength {
			return nil, fmt.Errorf("%w: content length %q", errMalformed, cl)
		}
		req.Body = make([]byte, n)
		if _, err := io.ReadFull(br, req.Body); err != nil {
			return nil, err
		}
	}
	return req, nil
}

// Response is one RTSP response.
type Response struct {
	Status int
	Header map[string]string
	Body   []byte
}

func newResponse(status int) *Response {
	return &Response{Status: status, Header: make(map[string]string)}
}

var statusText = map[int]string{
	200: "OK",
	400: "Bad Request",
	404: "Not Found",
	405: "Method Not Allowed",
	454: "Session Not Found",
	455: "Method Not Valid in This State",
	459: "Aggregate Operation Not Allowed",
	461: "Unsupported Transport",
	500: "Internal Server Error",
}

// marshal renders the response echoing cseq. Headers are sorted so output
// is stable.
func (r *Response) marshal(cseq string) []byte {
	var b bytes.Buffer
	text := statusText[r.Status]
	if text == "" {
		text = "Unknown"
	}
	fmt.Fprintf(&b, "%s %d %s\r\n", protocol, r.Status, text)
	if cseq != "" {
		fmt.Fprintf(&b, "CSeq: %s\r\n", cseq)
	}
	keys := make([]string, 0, len(r.Header))
	for k := range r.Header {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %s\r\n", k, r.Header[k])
	}
	if len(r.Body) > 0 {
		fmt.Fprintf(&b, "Content-Length: %d\r\n", len(r.Body))
	}
	b.WriteString("\r\n")
	b.Write(r.Body)
	return b.Bytes()
}

// TransportSpec is the parsed value of a Transport header.
type TransportSpec struct {
	TCP         bool
	Multicast   bool
	Interleaved [2]int // -1 when not requested
	ClientPorts [2]int // 0 when not requested
}

// parseTransport reads the first transport the client offers.
func parseTransport(value string) (TransportSpec, error) {
	spec := TransportSpec{Interleaved: [2]int{-1, -1}}
	if i := strings.IndexByte(value, ','); i >= 0 {
		value = value[:i]
	}
	fields := strings.Split(value, ";")
	switch strings.ToUpper(strings.TrimSpace(fields[0])) {
	case "RTP/AVP", "RTP/AVP/UDP":
	case "RTP/AVP/TCP":
		spec.TCP = true
	default:
		return spec, fmt.Errorf("unsupported profile %q", fields[0])
	}

	for _, f := range fields[1:] {
		k, v, _ := strings.Cut(strings.TrimSpace(f), "=")
		switch strings.ToLower(k) {
		case "multicast":
			spec.Multicast = true
		case "interleaved":
			lo, hi, err := parseRange(v)
			if err != nil || lo > 255 || hi > 255 {
				return spec, fmt.Errorf("bad interleaved %q", v)
			}
			spec.Interleaved = [2]int{lo, hi}
		case "client_port":
			lo, hi, err := parseRange(v)
			if err != nil || lo > 65535 || hi > 65535 {
				return spec, fmt.Errorf("bad client_port %q", v)
			}
			spec.ClientPorts = [2]int{lo, hi}
		}
	}
	if !spec.TCP && !spec.Multicast && spec.ClientPorts[0] == 0 {
		return spec, errors.New("client_port is required for udp")
	}
	return spec, nil
}

// parseRange parses "a-b" or "a", in which case b is a+1.
func parseRange(v string) (int, int, error) {
	a, b, found := strings.Cut(v, "-")
	lo, err := strconv.Atoi(a)
	if err != nil || lo < 0 {
		return 0, 0, errMalformed
	}
	if !found {
		return lo, lo + 1, nil
	}
	hi, err := strconv.Atoi(b)
	if err != nil || hi < 0 {
		return 0, 0, errMalformed
	}
	return lo, hi, nil
}

// trackFromURL extracts the track index from a SETUP url ending in
// trackID=<n>.
func trackFromURL(u string) (int, bool) {
	i := strings.LastIndex(u, "trackID=")
	if i < 0 {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSuffix(u[i+len("trackID="):], "/"))
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

func parseIP(host string) net.IP {
	return net.ParseIP(strings.Trim(host, "[]"))
}
