package worker

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/dop251/goja"

	"github.com/fluxionhq/fluxion/internal/protocol"
)

// responseSink is the in-memory capture of one handler run: status, headers,
// and body bytes accumulate here and are serialized into a single Result
// message once the handler completes. Every write is counted against
// maxResponseBytes; once the cap is crossed the whole request fails, even if
// the handler swallowed the write error.
type responseSink struct {
	status   int
	headers  map[string]string
	body     bytes.Buffer
	max      int64
	wrote    bool
	ended    bool
	overflow bool
}

func newResponseSink(max int64) *responseSink {
	return &responseSink{headers: make(map[string]string), max: max}
}

func (s *responseSink) setStatus(code int) { s.status = code }

func (s *responseSink) setHeader(name, value string) { s.headers[name] = value }

func (s *responseSink) getHeader(name string) (string, bool) {
	v, ok := s.headers[name]
	return v, ok
}

func (s *responseSink) tooLarge() error {
	return protocol.NewCodedError(protocol.CodeResponseTooLarge,
		"worker response too large: limit %d bytes", s.max)
}

// failure picks the error to report for a failed handler run. A crossed
// body cap always wins, whether the handler caught the thrown write error
// or let it propagate: the coded failure must not degrade into a plain one.
func (s *responseSink) failure(fallback error) error {
	if s.overflow {
		return s.tooLarge()
	}
	return fallback
}

func (s *responseSink) write(chunk []byte) error {
	if s.ended {
		return fmt.Errorf("worker: response already ended")
	}
	if s.overflow {
		return s.tooLarge()
	}
	if s.max > 0 && int64(s.body.Len()+len(chunk)) > s.max {
		s.overflow = true
		return s.tooLarge()
	}
	s.wrote = true
	s.body.Write(chunk)
	return nil
}

func (s *responseSink) end(chunk []byte) error {
	if len(chunk) > 0 {
		if err := s.write(chunk); err != nil {
			return err
		}
	}
	s.ended = true
	return nil
}

// finalize closes the sink and produces the serialized response. When the
// handler never wrote a body, a non-null return value becomes the body:
// strings as text, raw buffers verbatim, everything else as JSON.
func (s *responseSink) finalize(ret goja.Value) (*protocol.HandlerResponse, error) {
	if s.overflow {
		return nil, s.tooLarge()
	}
	if !s.wrote && ret != nil && !goja.IsUndefined(ret) && !goja.IsNull(ret) {
		if err := s.writeReturnValue(ret); err != nil {
			return nil, err
		}
	}
	if s.overflow {
		return nil, s.tooLarge()
	}
	status := s.status
	if status == 0 {
		status = 200
	}
	return &protocol.HandlerResponse{
		Status:  status,
		Headers: s.headers,
		Body:    append([]byte(nil), s.body.Bytes()...),
	}, nil
}

func (s *responseSink) writeReturnValue(ret goja.Value) error {
	s.ended = false
	switch v := ret.Export().(type) {
	case string:
		s.defaultHeader("content-type", "text/plain; charset=utf-8")
		return s.write([]byte(v))
	case []byte:
		return s.write(v)
	case goja.ArrayBuffer:
		return s.write(v.Bytes())
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("worker: encode handler return value: %w", err)
		}
		s.defaultHeader("content-type", "application/json; charset=utf-8")
		return s.write(encoded)
	}
}

func (s *responseSink) defaultHeader(name, value string) {
	if _, ok := s.headers[name]; !ok {
		s.headers[name] = value
	}
}
