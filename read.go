package courier

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httputil"
	"net/textproto"
	"strconv"
	"strings"
)

const readBufferSize = 32 * 1024

// readStatusLine parses "HTTP/1.x code reason".
func readStatusLine(tp *textproto.Reader) (minor, code int, reason string, err error) {
	var line string
	// tolerate stray CRLFs left after a previous body
	for i := 0; i < 4 && line == ""; i++ {
		if line, err = tp.ReadLine(); err != nil {
			return 0, 0, "", err
		}
	}
	proto, status, ok := strings.Cut(line, " ")
	if !ok {
		return 0, 0, "", fmt.Errorf("%w: status line %q", ErrMalformed, line)
	}
	major, minor, ok := http.ParseHTTPVersion(proto)
	if !ok || major != 1 {
		return 0, 0, "", fmt.Errorf("%w: version %q", ErrMalformed, proto)
	}
	codeStr, reason, _ := strings.Cut(strings.TrimLeft(status, " "), " ")
	if len(codeStr) != 3 {
		return 0, 0, "", fmt.Errorf("%w: status code %q", ErrMalformed, codeStr)
	}
	code, err = strconv.Atoi(codeStr)
	if err != nil || code < 100 {
		return 0, 0, "", fmt.Errorf("%w: status code %q", ErrMalformed, codeStr)
	}
	return minor, code, strings.TrimSpace(reason), nil
}

func readHeader(tp *textproto.Reader) (http.Header, error) {
	mh, err := tp.ReadMIMEHeader()
	if err != nil {
		return nil, readError(err)
	}
	return http.Header(mh), nil
}

// bodyFraming decides how the body of a response to method is delimited.
// length is -1 when the body runs until the connection closes. Chunked
// transfer coding takes precedence over Content-Length.
func bodyFraming(method string, code int, h http.Header) (length int64, chunked bool, err error) {
	if method == http.MethodHead || method == http.MethodConnect || code/100 == 1 ||
		code == http.StatusNoContent || code == http.StatusResetContent || code == http.StatusNotModified {
		return 0, false, nil
	}
	if te := h.Values("Transfer-Encoding"); len(te) > 0 {
		codings := strings.Split(te[len(te)-1], ",")
		if strings.EqualFold(strings.TrimSpace(codings[len(codings)-1]), "chunked") {
			return -1, true, nil
		}
		return -1, false, nil
	}

	var value string
	for _, v := range h.Values("Content-Length") {
		for _, item := range strings.Split(v, ",") {
			item = strings.TrimSpace(item)
			if value != "" && item != value {
				return 0, false, fmt.Errorf("%w: conflicting Content-Length", ErrMalformed)
			}
			value = item
		}
	}
	if value == "" {
		return -1, false, nil
	}
	length, err = strconv.ParseInt(value, 10, 64)
	if err != nil || length < 0 {
		return 0, false, fmt.Errorf("%w: Content-Length %q", ErrMalformed, value)
	}
	return length, false, nil
}

// readBody reads a body framed as bodyFraming decided, passing each piece
// to onChunk, and returns the number of bytes read. before is called
// before every read so that deadlines can be extended.
func readBody(br *bufio.Reader, length int64, chunked bool, before func(), onChunk func([]byte)) (int64, error) {
	var r io.Reader
	switch {
	case chunked:
		r = httputil.NewChunkedReader(br)
	case length >= 0:
		r = io.LimitReader(br, length)
	default:
		r = br
	}
	buf := make([]byte, readBufferSize)
	var total int64
	for {
		before()
		n, err := r.Read(buf)
		if n > 0 {
			total += int64(n)
			onChunk(buf[:n])
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return total, readError(err)
		}
	}
	if length >= 0 && !chunked && total < length {
		return total, io.ErrUnexpectedEOF
	}
	if chunked {
		// trailer fields are read and dropped
		if _, err := textproto.NewReader(br).ReadMIMEHeader(); err != nil {
			return total, readError(err)
		}
	}
	return total, nil
}

// readError keeps I/O failures as they are and marks everything else as a
// malformed response.
func readError(err error) error {
	var netErr net.Error
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) || errors.As(err, &netErr) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrMalformed, err)
}
