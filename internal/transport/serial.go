// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.bug.st/serial"

	"github.com/Thermoquad/ventd/pkg/fanproto"
)

// pollInterval bounds how long a serial read blocks before ctx is rechecked.
const pollInterval = 50 * time.Millisecond

var openPort = serial.Open

// Serial is a transport over a local serial device.
type Serial struct {
	path string
	baud int

	port     serial.Port
	splitter fanproto.Splitter
	pending  [][]byte
	buf      []byte

	closeOnce sync.Once
	closeErr  error
}

// OpenSerial opens path at baud, 8N1.
func OpenSerial(path string, baud int) (*Serial, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := openPort(path, mode)
	if err != nil {
		return nil, transportErr("open "+path, err)
	}
	if err := port.SetReadTimeout(pollInterval); err != nil {
		port.Close()
		return nil, transportErr("configure "+path, err)
	}
	_ = port.ResetInputBuffer()

	return &Serial{path: path, baud: baud, port: port, buf: make([]byte, 128)}, nil
}

// SerialOpener returns an Opener for a fixed device path.
func SerialOpener(path string, baud int) Opener {
	return func(ctx context.Context) (Transport, error) {
		s, err := OpenSerial(path, baud)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}

// WriteFrame writes frame, giving up when ctx ends. A write still blocked at
// that point closes the port, since a stalled USB link never recovers on its
// own and the write cannot be abandoned any other way.
func (s *Serial) WriteFrame(ctx context.Context, frame []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() {
		for len(frame) > 0 {
			n, err := s.port.Write(frame)
			if err != nil {
				done <- err
				return
			}
			frame = frame[n:]
		}
		done <- nil
	}()

	select {
	case err := <-done:
		if err != nil {
			return transportErr("write "+s.path, err)
		}
		return nil
	case <-ctx.Done():
		s.Close()
		return transportErr("write "+s.path, ctx.Err())
	}
}

func (s *Serial) ReadFrame(ctx context.Context) ([]byte, error) {
	for {
		if len(s.pending) > 0 {
			f := s.pending[0]
			s.pending = s.pending[1:]
			return f, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		// A timed-out read returns (0, nil).
		n, err := s.port.Read(s.buf)
		if err != nil {
			return nil, transportErr("read "+s.path, err)
		}
		if n > 0 {
			s.pending = append(s.pending, s.splitter.Feed(s.buf[:n])...)
		}
	}
}

// ReadRaw returns whatever bytes arrive within one poll interval. It is used
// by passive sniffing, which decodes the stream itself.
func (s *Serial) ReadRaw(p []byte) (int, error) {
	n, err := s.port.Read(p)
	if err != nil {
		return n, transportErr("read "+s.path, err)
	}
	return n, nil
}

func (s *Serial) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.port.Close()
	})
	return s.closeErr
}

func (s *Serial) String() string {
	return fmt.Sprintf("serial:%s@%d", s.path, s.baud)
}
