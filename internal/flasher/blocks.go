package flasher

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"

	"github.com/bigbag/snapmaker-flasher/internal/protocol"
)

// Block layout: command, sequence number, payload.
const (
	BlockPrefixSize  = 4
	BlockPayloadSize = 512
	BlockBufferSize  = BlockPrefixSize + BlockPayloadSize
)

// BlockSender streams an image to the bootloader in numbered blocks.
// Each block is sent as one frame and must be acknowledged before the next
// one is filled. Errors are not retried.
type BlockSender struct {
	rw     io.ReadWriter
	buf    [BlockBufferSize]byte
	fill   int
	seq    uint16
	blocks int

	// OnBlock is called after each acknowledged block with its payload size.
	OnBlock func(seq, size int)
}

// NewBlockSender creates a sender writing to rw.
func NewBlockSender(rw io.ReadWriter) *BlockSender {
	s := &BlockSender{rw: rw, fill: BlockPrefixSize}
	s.buf[0] = protocol.GroupBootloader
	s.buf[1] = protocol.CmdBlock
	return s
}

// Write buffers p, sending every block that fills up.
func (s *BlockSender) Write(p []byte) (int, error) {
	written := 0
	for len(p) > 0 {
		n := copy(s.buf[s.fill:], p)
		s.fill += n
		p = p[n:]
		written += n

		if s.fill == BlockBufferSize {
			if err := s.flush(); err != nil {
				return written, err
			}
		}
	}
	return written, nil
}

// ReadFrom reads r until EOF, sending every block that fills up.
func (s *BlockSender) ReadFrom(r io.Reader) (int64, error) {
	var total int64
	for {
		n, err := r.Read(s.buf[s.fill:])
		s.fill += n
		total += int64(n)

		if s.fill == BlockBufferSize {
			if ferr := s.flush(); ferr != nil {
				return total, ferr
			}
		}
		if err == io.EOF {
			return total, nil
		}
		if err != nil {
			return total, errors.Wrap(err, "failed to read image")
		}
	}
}

// Finish sends the pending partial block, if any.
func (s *BlockSender) Finish() error {
	if s.fill == BlockPrefixSize {
		return nil
	}
	return s.flush()
}

// Blocks returns the number of acknowledged blocks.
func (s *BlockSender) Blocks() int {
	return s.blocks
}

func (s *BlockSender) flush() error {
	seq := s.seq
	size := s.fill - BlockPrefixSize
	binary.BigEndian.PutUint16(s.buf[2:4], seq)
	s.seq++

	if _, err := protocol.SendAndReceive(s.rw, s.buf[:s.fill]); err != nil {
		return errors.Wrapf(err, "block %d failed", seq)
	}
	s.fill = BlockPrefixSize
	s.blocks++

	if s.OnBlock != nil {
		s.OnBlock(int(seq), size)
	}
	return nil
}
