// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package fanproto

// Splitter cuts a byte stream into raw frames (START..END inclusive, still
// stuffed). Bytes outside a frame are dropped. A START inside a frame
// restarts it, which resynchronizes after line noise.
type Splitter struct {
	buf     []byte
	inFrame bool
	dropped int
}

// Feed appends p to the stream and returns every frame it completes.
func (s *Splitter) Feed(p []byte) [][]byte {
	var frames [][]byte
	for _, b := range p {
		switch {
		case b == StartByte:
			if s.inFrame {
				s.dropped += len(s.buf)
			}
			s.buf = append(s.buf[:0], b)
			s.inFrame = true
		case !s.inFrame:
			s.dropped++
		case b == EndByte:
			frame := make([]byte, len(s.buf)+1)
			copy(frame, s.buf)
			frame[len(s.buf)] = b
			frames = append(frames, frame)
			s.buf = s.buf[:0]
			s.inFrame = false
		default:
			s.buf = append(s.buf, b)
			if len(s.buf) > 2*MaxFrameSize+1 {
				s.dropped += len(s.buf)
				s.buf = s.buf[:0]
				s.inFrame = false
			}
		}
	}
	return frames
}

// Dropped returns the number of bytes discarded so far.
func (s *Splitter) Dropped() int {
	return s.dropped
}

// Reset discards any partial frame.
func (s *Splitter) Reset() {
	s.buf = s.buf[:0]
	s.inFrame = false
}
