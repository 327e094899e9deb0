package serializer

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

const storedAtHeaderName = "Offline-Stored-At"

// StoredResponse is a fully read response as kept in a store.
type StoredResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	// The value of the clock at the time the response was written to the store.
	StoredAt time.Time
}

// FromResponse reads the whole response body and returns a StoredResponse.
// The body of res is consumed and closed.
// A response is never stored partially: if the body cannot be read completely, an error is returned.
func FromResponse(res *http.Response) (StoredResponse, error) {
	sRes := StoredResponse{
		StatusCode: res.StatusCode,
		Header:     res.Header.Clone(),
	}
	if sRes.Header == nil {
		sRes.Header = http.Header{}
	}
	if res.Body != nil {
		defer res.Body.Close()
		body, err := io.ReadAll(res.Body)
		if err != nil {
			return sRes, fmt.Errorf("read response body: %w", err)
		}
		sRes.Body = body
	}
	// the body is complete now, a stale length would be wrong after header rewrites
	sRes.Header.Del("Content-Length")
	return sRes, nil
}

// Response creates a new http.Response from the stored response.
// Every call returns an independent response with its own body reader.
func (s StoredResponse) Response(req *http.Request) *http.Response {
	header := s.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", s.StatusCode, http.StatusText(s.StatusCode)),
		StatusCode:    s.StatusCode,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(s.Body)),
		ContentLength: int64(len(s.Body)),
		Request:       req,
	}
}

// Success reports whether the status code is in the 2xx range.
func (s StoredResponse) Success() bool {
	return s.StatusCode >= 200 && s.StatusCode < 300
}

// StoredResponseToBytes returns the HTTP/1.1 representation of the stored response.
// The insertion time is kept in an extra header.
func StoredResponseToBytes(sRes StoredResponse) ([]byte, error) {
	res := sRes.Response(nil)
	res.Header.Set(storedAtHeaderName, strconv.FormatInt(sRes.StoredAt.Unix(), 10))
	buf := &bytes.Buffer{}
	if err := res.Write(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// BytesToStoredResponse parses bytes written by StoredResponseToBytes.
func BytesToStoredResponse(b []byte) (StoredResponse, error) {
	sRes := StoredResponse{}
	res, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(b)), nil)
	if err != nil {
		return sRes, err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return sRes, err
	}
	storedAt, err := strconv.ParseInt(res.Header.Get(storedAtHeaderName), 10, 64)
	if err != nil {
		return sRes, fmt.Errorf("stored response time: %w", err)
	}
	// delete extra headers
	res.Header.Del(storedAtHeaderName)
	res.Header.Del("Content-Length")
	sRes.StatusCode = res.StatusCode
	sRes.Header = res.Header
	sRes.Body = body
	sRes.StoredAt = time.Unix(storedAt, 0)
	return sRes, nil
}
