package proxy

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"onemcp/internal/filter"
	"onemcp/pkg/logging"
)

// maxStdioLine bounds one newline-delimited JSON-RPC message on the stdio
// transport.
const maxStdioLine = 10 << 20

// ServeStdio runs a single inbound session over newline-delimited JSON-RPC
// on the given pipes. tags pre-filters the outbound set; stdio has no query
// string to carry one. Returns when the reader closes or ctx is cancelled.
func (s *Server) ServeStdio(ctx context.Context, in io.Reader, out io.Writer, tags []string) error {
	fctx := filter.None()
	if len(tags) > 0 {
		var err error
		if fctx, err = filter.Simple(tags); err != nil {
			return fmt.Errorf("invalid stdio tag filter: %w", err)
		}
	}

	sess, err := s.createSession("", fctx, s.defaultPaginate, nil)
	if err != nil {
		return err
	}
	defer s.sessions.remove(sess.ID)
	logging.Info("Proxy", "Serving stdio session %s", sess.ID)

	var writeMu sync.Mutex
	write := func(msg any) {
		data, err := json.Marshal(msg)
		if err != nil {
			logging.Warn("Proxy", "Dropping unmarshalable stdio message: %v", err)
			return
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		if _, err := out.Write(append(data, '\n')); err != nil {
			logging.Warn("Proxy", "Failed to write stdio message: %v", err)
		}
	}

	// Notifications flow out on the same pipe as responses.
	go func() {
		for {
			select {
			case <-sess.Context().Done():
				return
			case msg, ok := <-sess.Outbox():
				if !ok {
					return
				}
				writeMu.Lock()
				if _, err := out.Write(append(msg, '\n')); err != nil {
					logging.Warn("Proxy", "Failed to write stdio notification: %v", err)
				}
				writeMu.Unlock()
			}
		}
	}()

	lines := make(chan []byte)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		scanner.Buffer(make([]byte, 0, 64*1024), maxStdioLine)
		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}
			// The scanner reuses its buffer across lines.
			select {
			case lines <- append([]byte(nil), line...):
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					return err
				default:
					return nil
				}
			}
			if resp := s.HandleMessage(ctx, sess, line); resp != nil {
				write(resp)
			}
		}
	}
}
