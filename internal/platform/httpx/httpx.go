package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
)

const maxErrorBodyBytes = 1024

type Kind string

const (
	KindTimeout   Kind = "timeout"
	KindTransport Kind = "transport"
	KindStatus    Kind = "status"
	KindEncode    Kind = "encode"
	KindDecode    Kind = "decode"
)

// CallError is the common failure shape for outbound JSON calls. Stages use
// Timeout to decide between degrading and failing.
type CallError struct {
	Service    string
	Op         string
	Kind       Kind
	StatusCode int
	Body       string
	Err        error
}

func (e *CallError) Error() string {
	var b strings.Builder
	b.WriteString(e.Service)
	b.WriteString(" ")
	b.WriteString(e.Op)
	b.WriteString(": ")
	b.WriteString(string(e.Kind))
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " status=%d", e.StatusCode)
	}
	if e.Body != "" {
		fmt.Fprintf(&b, " body=%q", e.Body)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *CallError) Unwrap() error { return e.Err }

func (e *CallError) Timeout() bool { return e.Kind == KindTimeout }

// Retryable reports whether the call may succeed on another attempt:
// timeouts, transport failures, 429, and 5xx.
func (e *CallError) Retryable() bool {
	switch e.Kind {
	case KindTimeout, KindTransport:
		return true
	case KindStatus:
		return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
	default:
		return false
	}
}

// IsTimeout reports whether err, anywhere in its chain, is a deadline or
// network timeout.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var callErr *CallError
	if errors.As(err, &callErr) && callErr.Timeout() {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// Classify wraps a transport-level error with timeout detection.
func Classify(service, op string, err error) error {
	if err == nil {
		return nil
	}
	kind := KindTransport
	if errors.Is(err, context.DeadlineExceeded) {
		kind = KindTimeout
	} else {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			kind = KindTimeout
		}
	}
	return &CallError{Service: service, Op: op, Kind: kind, Err: err}
}

// DoJSON performs a JSON request/response round trip. A non-2xx status is a
// CallError carrying the truncated body; decoding happens only into out when
// it is non-nil.
func DoJSON(ctx context.Context, hc *http.Client, service, op, method, url string, header http.Header, in, out any) error {
	var body io.Reader
	if in != nil {
		var buf bytes.Buffer
		if err := json.NewEncoder(&buf).Encode(in); err != nil {
			return &CallError{Service: service, Op: op, Kind: KindEncode, Err: err}
		}
		body = &buf
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return &CallError{Service: service, Op: op, Kind: KindTransport, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, vals := range header {
		for _, v := range vals {
			req.Header.Set(k, v)
		}
	}

	resp, err := hc.Do(req)
	if err != nil {
		return Classify(service, op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return &CallError{
			Service:    service,
			Op:         op,
			Kind:       KindStatus,
			StatusCode: resp.StatusCode,
			Body:       string(raw),
		}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBodyBytes))
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &CallError{Service: service, Op: op, Kind: KindDecode, Err: err}
	}
	return nil
}
