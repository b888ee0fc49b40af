package serializer

import (
	"bufio"
	"bytes"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	responseTimeHeaderName = "Courier-Response-Time"
	dateHeaderName         = "Courier-Date"
)

// StoredResponse is the head of a cached response: everything but the body.
type StoredResponse struct {
	StatusCode int
	Reason     string
	Header     http.Header
	// The value of the clock at the time the response was received.
	ResponseTime time.Time
	// The instant the response was generated, as captured when it was stored.
	// Needed for age calculation.
	Date time.Time
}

// StoredResponseToBytes encodes the response head in HTTP/1.1 form. The
// timestamps travel as extra header fields.
func StoredResponseToBytes(sRes StoredResponse) ([]byte, error) {
	if sRes.StatusCode < 100 || sRes.StatusCode > 999 {
		return nil, fmt.Errorf("invalid status code %d", sRes.StatusCode)
	}
	buf := &bytes.Buffer{}
	reason := sRes.Reason
	if reason == "" {
		reason = http.StatusText(sRes.StatusCode)
	}
	fmt.Fprintf(buf, "HTTP/1.1 %03d %s\r\n", sRes.StatusCode, reason)

	header := sRes.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	header.Set(responseTimeHeaderName, strconv.FormatInt(sRes.ResponseTime.Unix(), 10))
	header.Set(dateHeaderName, strconv.FormatInt(sRes.Date.Unix(), 10))
	if err := header.Write(buf); err != nil {
		return nil, err
	}
	buf.WriteString("\r\n")
	return buf.Bytes(), nil
}

// BytesToStoredResponse decodes what StoredResponseToBytes produced.
func BytesToStoredResponse(b []byte) (StoredResponse, error) {
	sRes := StoredResponse{}
	res, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(b)), nil)
	if err != nil {
		return sRes, err
	}
	res.Body.Close()

	resTimeInt, err := strconv.ParseInt(res.Header.Get(responseTimeHeaderName), 10, 64)
	if err != nil {
		return sRes, err
	}
	dateInt, err := strconv.ParseInt(res.Header.Get(dateHeaderName), 10, 64)
	if err != nil {
		return sRes, err
	}
	// delete extra headers
	res.Header.Del(responseTimeHeaderName)
	res.Header.Del(dateHeaderName)

	sRes.StatusCode = res.StatusCode
	sRes.Reason = strings.TrimPrefix(res.Status, strconv.Itoa(res.StatusCode)+" ")
	sRes.Header = res.Header
	sRes.ResponseTime = time.Unix(resTimeInt, 0)
	sRes.Date = time.Unix(dateInt, 0)
	return sRes, nil
}
