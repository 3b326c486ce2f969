package rest

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"strings"

	"github.com/Mindburn-Labs/arbiter/pkg/adapter"
	"github.com/Mindburn-Labs/arbiter/pkg/contracts"
)

const maxLine = 1 << 20

// InvokeStreaming performs the operation and delivers the response body in
// pieces: one chunk per server-sent event, per NDJSON line, or per read for
// any other content type.
func (a *Adapter) InvokeStreaming(ctx context.Context, req contracts.InvocationRequest, fn adapter.ChunkFunc) error {
	httpReq, client, err := a.buildRequest(ctx, req, "text/event-stream, application/x-ndjson;q=0.9, */*;q=0.5")
	if err != nil {
		return err
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return &adapter.Error{Kind: adapter.KindConnection, Adapter: Protocol, CapabilityID: req.CapabilityID, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &adapter.Error{Kind: adapter.KindInvocation, Adapter: Protocol, CapabilityID: req.CapabilityID,
			Message: fmt.Sprintf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))}
	}

	s := &stream{fn: fn}
	mt, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	switch mt {
	case "text/event-stream":
		err = s.events(resp.Body)
	case "application/x-ndjson", "application/jsonl", "application/json-seq":
		err = s.lines(resp.Body)
	default:
		err = s.raw(resp.Body)
	}
	if err != nil {
		return &adapter.Error{Kind: adapter.KindStreaming, Adapter: Protocol, CapabilityID: req.CapabilityID, ChunksDelivered: s.delivered, Err: err}
	}
	return nil
}

type stream struct {
	fn        adapter.ChunkFunc
	delivered int
}

func (s *stream) emit(v any) error {
	if err := s.fn(v); err != nil {
		return err
	}
	s.delivered++
	return nil
}

// events parses text/event-stream. Data lines of one event are joined
// with newlines; the payload is decoded as JSON when it parses. An event
// named "error" ends the stream with its payload as the error.
func (s *stream) events(r io.Reader) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64<<10), maxLine)
	var data []string
	event := ""
	flush := func() error {
		if len(data) == 0 {
			event = ""
			return nil
		}
		payload := strings.Join(data, "\n")
		kind := event
		data, event = data[:0], ""
		if kind == "error" {
			return fmt.Errorf("server sent error event: %s", payload)
		}
		if payload == "[DONE]" {
			return nil
		}
		return s.emit(jsonOrString(payload))
	}
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if err := flush(); err != nil {
				return err
			}
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		}
	}
	if err := sc.Err(); err != nil {
		return err
	}
	return flush()
}

func (s *stream) lines(r io.Reader) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64<<10), maxLine)
	for sc.Scan() {
		line := strings.TrimSpace(strings.TrimPrefix(sc.Text(), "\x1e"))
		if line == "" {
			continue
		}
		if err := s.emit(jsonOrString(line)); err != nil {
			return err
		}
	}
	return sc.Err()
}

func (s *stream) raw(r io.Reader) error {
	buf := make([]byte, 32<<10)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if ferr := s.emit(string(buf[:n])); ferr != nil {
				return ferr
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func jsonOrString(s string) any {
	var v any
	if json.Unmarshal([]byte(s), &v) == nil {
		return v
	}
	return s
}
