package comm

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"sync"
)

var (
	// ErrNotConnected is generated when the connection is nil and Send or Recv is called.
	ErrNotConnected = errors.New("conn is nil, not connected to remote")

	// ErrTerminatorNotFound is generated when the termination byte is not found in a response
	ErrTerminatorNotFound = errors.New("termination byte not found")
)

// Terminator wraps a connection with message framing: every transmission has
// Tx appended and every receipt is read up to and stripped of Rx.
//
// the mutex serializes SendRecv so a reply is always paired with its request
type Terminator struct {
	sync.Mutex

	// Rx is the receipt termination byte
	Rx byte

	// Tx is the transmission termination byte
	Tx byte

	conn io.ReadWriteCloser
	br   *bufio.Reader
}

// NewTerminator wraps conn with the given receipt and transmission terminators
func NewTerminator(conn io.ReadWriteCloser, rx, tx byte) *Terminator {
	return &Terminator{Rx: rx, Tx: tx, conn: conn, br: bufio.NewReader(conn)}
}

// Send writes b to the remote, followed by the Tx terminator
func (t *Terminator) Send(b []byte) error {
	if t.conn == nil {
		return ErrNotConnected
	}
	msg := make([]byte, 0, len(b)+1)
	msg = append(msg, b...)
	msg = append(msg, t.Tx)
	_, err := t.conn.Write(msg)
	return err
}

// Recv reads from the remote until the Rx terminator and returns the data
// without it
func (t *Terminator) Recv() ([]byte, error) {
	if t.conn == nil {
		return nil, ErrNotConnected
	}
	buf, err := t.br.ReadBytes(t.Rx)
	if err != nil {
		if err == io.EOF && len(buf) > 0 {
			return buf, ErrTerminatorNotFound
		}
		return nil, err
	}
	return bytes.TrimSuffix(buf, []byte{t.Rx}), nil
}

// RecvMessage is Recv, but aware of IEEE 488.2 definite length blocks, which
// may contain the terminator within their payload.  A block response is
// returned with its header intact, to be taken apart with DecodeBlock.
func (t *Terminator) RecvMessage() ([]byte, error) {
	if t.conn == nil {
		return nil, ErrNotConnected
	}
	first, err := t.br.Peek(1)
	if err != nil {
		return nil, err
	}
	if first[0] != '#' {
		return t.Recv()
	}
	msg, err := ReadBlock(t.br)
	if err != nil {
		return nil, err
	}
	// the message terminator trails the block
	if _, err := t.br.ReadBytes(t.Rx); err != nil && err != io.EOF {
		return nil, err
	}
	return msg, nil
}

// SendRecv sends a message, then returns the response with the Rx terminator stripped
func (t *Terminator) SendRecv(b []byte) ([]byte, error) {
	t.Lock()
	defer t.Unlock()
	if err := t.Send(b); err != nil {
		return nil, err
	}
	return t.Recv()
}

// Close the underlying connection.  Closing twice is not an error.
func (t *Terminator) Close() error {
	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	t.conn = nil
	return err
}
