package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
)

// maxBodyBytes caps how much of an upstream body is read into memory.
const maxBodyBytes = 8 << 20

// errorParser pulls the backend's code, message and retry hint out of an
// error body. Each adapter supplies its own.
type errorParser func(body []byte) upstreamError

// call is the request/response plumbing the adapters share. It returns
// the raw 2xx body, or a classified *Error.
type call struct {
	client   *http.Client
	provider string
	model    string
	secret   string
	headers  map[string]string
	parseErr errorParser
}

func (c call) do(ctx context.Context, method, url string, body any) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshaling request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	// http.NewRequestWithContext ties the call to ctx: when the router's
	// per-call deadline fires, the request is aborted.
	httpReq, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	for k, v := range c.headers {
		httpReq.Header.Set(k, v)
	}

	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, c.transportError(ctx, err)
	}
	// The connection can only be reused once the body is read and closed.
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(httpResp.Body, maxBodyBytes))
	if err != nil {
		return nil, c.transportError(ctx, err)
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		ue := c.parseErr(raw)
		ue.Message = redact(ue.Message, c.secret)
		return nil, classify(c.provider, c.model, httpResp.StatusCode, httpResp.Header, ue)
	}
	return raw, nil
}

// transportError classifies failures that never produced an HTTP status.
// Deadlines are timeouts; anything else (refused, reset, DNS) is treated
// as a server-side problem another credential or provider may not share.
func (c call) transportError(ctx context.Context, err error) *Error {
	msg := redact(err.Error(), c.secret)

	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) ||
		(errors.As(err, &netErr) && netErr.Timeout()) {
		e := newError(KindTimeout, c.provider, c.model, 0, "", msg)
		e.Err = err
		return e
	}
	e := newError(KindServerError, c.provider, c.model, 0, "", msg)
	e.Err = err
	return e
}

// decodeBody unmarshals a success body, reporting garbage as a server
// error: the backend answered 2xx but broke its own contract.
func (c call) decodeBody(raw []byte, out any) error {
	if err := json.Unmarshal(raw, out); err != nil {
		e := newError(KindServerError, c.provider, c.model, http.StatusOK, "", "decoding response: "+err.Error())
		e.Err = err
		return e
	}
	return nil
}
