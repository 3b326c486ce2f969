package pdp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// maxSidecarResponse bounds how much of a policy service reply is read.
const maxSidecarResponse = 1 << 20

// sidecar posts decision inputs to an out-of-process policy service. Every
// failure is reported as a deny reason code, never as an error.
type sidecar struct {
	name   string // reason code infix, e.g. "OPA"
	url    string
	token  string
	client *http.Client
}

func newSidecar(name, base, path string, timeout time.Duration) sidecar {
	return sidecar{
		name:   name,
		url:    base + path,
		client: &http.Client{Timeout: timeout},
	}
}

// call encodes in, posts it and decodes the reply into out. On failure it
// returns the deny code and whether a retry could succeed.
func (s sidecar) call(ctx context.Context, in, out any) (code string, transient bool) {
	payload, err := json.Marshal(in)
	if err != nil {
		return "DENY_MARSHAL_ERROR", false
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return "DENY_REQUEST_ERROR", true
	}
	req.Header.Set("Content-Type", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return s.code("TIMEOUT"), true
		}
		return s.code("UNREACHABLE"), true
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return s.code(fmt.Sprintf("HTTP_%d", resp.StatusCode)), true
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxSidecarResponse))
	if err != nil {
		return s.code("READ_ERROR"), true
	}
	if err := json.Unmarshal(body, out); err != nil {
		return s.code("PARSE_ERROR"), true
	}
	return "", false
}

func (s sidecar) code(suffix string) string {
	return "DENY_" + s.name + "_" + suffix
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}
