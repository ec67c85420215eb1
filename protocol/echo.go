// File: protocol/echo.go
// Package protocol holds api.Protocol implementations run by the workers.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package protocol

import (
	"bytes"
	"context"
	"fmt"

	"github.com/go-logr/logr"

	"github.com/momentics/hioload-ftp/api"
	"github.com/momentics/hioload-ftp/internal/logging"
)

// Echo writes every control message back to its sender and mirrors the
// data channel the same way. A line equal to Quit, if set, is answered
// with Goodbye and closes the session once the reply is flushed. A failed
// data-channel dial is answered with DataFailed.
type Echo struct {
	Quit       string
	Goodbye    string
	DataFailed string
}

var _ api.Protocol = Echo{}

// NewEcho returns an Echo that closes on "QUIT".
func NewEcho() Echo {
	return Echo{Quit: "QUIT", Goodbye: "221 Goodbye.\r\n", DataFailed: "425 Can't open data connection.\r\n"}
}

// Handle implements api.Protocol.
func (e Echo) Handle(ctx context.Context, s api.Session) error {
	log := logr.FromContextOrDiscard(ctx).WithValues("session", s.ID())

	if msg := s.GetMsg(); len(msg) > 0 {
		log.V(logging.TRACE).Info("Echo control", "len", len(msg))
		if e.Quit != "" && bytes.Equal(bytes.TrimSpace(msg), []byte(e.Quit)) {
			if err := s.Send([]byte(e.Goodbye)); err != nil {
				return fmt.Errorf("send goodbye: %w", err)
			}
			s.Close()
			return nil
		}
		if err := s.Send(msg); err != nil {
			return fmt.Errorf("echo control: %w", err)
		}
	}

	if err := s.DataErr(); err != nil {
		log.V(logging.DEBUG).Info("Data channel failed", "err", err.Error())
		if e.DataFailed != "" {
			if err := s.Send([]byte(e.DataFailed)); err != nil {
				return fmt.Errorf("report data channel: %w", err)
			}
		}
	}

	if data := s.GetDataMsg(); len(data) > 0 {
		log.V(logging.TRACE).Info("Echo data", "len", len(data))
		if _, ok := s.DataFD(); ok {
			if err := s.SendData(data); err != nil {
				return fmt.Errorf("echo data: %w", err)
			}
		}
	}
	return nil
}
