package rpc

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"
	"sync"
)

// DefaultMaxMessageSize bounds a single encoded message.
const DefaultMaxMessageSize = 8 * 1024 * 1024

// ErrMessageTooLarge is returned when a peer sends an oversized message.
var ErrMessageTooLarge = errors.New("rpc message too large")

// Codec reads and writes newline-delimited JSON messages. Writes are
// serialized; reads must come from a single goroutine.
type Codec struct {
	wmu sync.Mutex
	w   io.Writer

	r       *bufio.Reader
	maxSize int
}

// NewCodec creates a Codec over rw.
func NewCodec(rw io.ReadWriter, maxSize int) *Codec {
	if maxSize <= 0 {
		maxSize = DefaultMaxMessageSize
	}
	return &Codec{
		w:       rw,
		r:       bufio.NewReaderSize(rw, 64*1024),
		maxSize: maxSize,
	}
}

// Write encodes msg as one line.
func (c *Codec) Write(msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if len(data) > c.maxSize {
		return ErrMessageTooLarge
	}
	data = append(data, '\n')

	c.wmu.Lock()
	defer c.wmu.Unlock()
	_, err = c.w.Write(data)
	return err
}

// Read decodes the next message. Blank lines are skipped.
func (c *Codec) Read() (*Message, error) {
	for {
		line, err := c.readLine()
		if err != nil {
			return nil, err
		}
		if len(line) == 0 {
			continue
		}

		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil {
			return nil, err
		}
		return &msg, nil
	}
}

func (c *Codec) readLine() ([]byte, error) {
	var line []byte
	for {
		chunk, isPrefix, err := c.r.ReadLine()
		if err != nil {
			return nil, err
		}
		line = append(line, chunk...)
		if len(line) > c.maxSize {
			return nil, ErrMessageTooLarge
		}
		if !isPrefix {
			return line, nil
		}
	}
}
