/*Package comm provides the transport plumbing shared by the stage and the
oscilloscope: opening serial and TCP links with retry, terminated message
framing, and IEEE 488.2 definite length binary blocks.

Most usages of this package boil down to:
	1.  build a CreationFunc with SerialConnMaker or TCPConnMaker
	2.  Open it, which retries with an exponential backoff
	3.  wrap the connection in a Terminator to send and receive messages

	conn, err := comm.Open("/dev/ttyUSB0", comm.SerialConnMaker(comm.SerialConf("/dev/ttyUSB0", 9600, time.Second)))
	if err != nil {
		return err
	}
	t := comm.NewTerminator(conn, 0x03, '\r')
	defer t.Close()
	resp, err := t.SendRecv([]byte("TP"))
*/
package comm

import (
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/tarm/serial"
)

// CreationFunc is a function which returns a new "connection" to something
// a closure should be used to encapsulate the variables and functions needed
type CreationFunc func() (io.ReadWriteCloser, error)

// ConnectionError is generated when a transport to a device cannot be opened
type ConnectionError struct {
	Addr string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection to %s failed: %v", e.Addr, e.Err)
}

// Unwrap returns the underlying transport error
func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// SerialConf makes a new serial.Config with 8N1 framing at the given baud rate
func SerialConf(addr string, baud int, timeout time.Duration) *serial.Config {
	return &serial.Config{
		Name:        addr,
		Baud:        baud,
		Size:        8,
		Parity:      serial.ParityNone,
		StopBits:    serial.Stop1,
		ReadTimeout: timeout}
}

// SerialConnMaker returns a CreationFunc which opens the serial port described by conf
func SerialConnMaker(conf *serial.Config) CreationFunc {
	return func() (io.ReadWriteCloser, error) {
		return serial.OpenPort(conf)
	}
}

// TCPConnMaker returns a CreationFunc which dials addr.  Every read and write
// on the returned connection must complete within timeout.
func TCPConnMaker(addr string, timeout time.Duration) CreationFunc {
	return func() (io.ReadWriteCloser, error) {
		conn, err := net.DialTimeout("tcp", addr, timeout)
		if err != nil {
			return nil, err
		}
		return &deadlineConn{Conn: conn, timeout: timeout}, nil
	}
}

// deadlineConn refreshes the deadline before every operation, so the timeout
// bounds a single exchange rather than the life of the connection
type deadlineConn struct {
	net.Conn
	timeout time.Duration
}

func (c *deadlineConn) Read(b []byte) (int, error) {
	c.Conn.SetReadDeadline(time.Now().Add(c.timeout))
	return c.Conn.Read(b)
}

func (c *deadlineConn) Write(b []byte) (int, error) {
	c.Conn.SetWriteDeadline(time.Now().Add(c.timeout))
	return c.Conn.Write(b)
}

// OpenBackOff is the retry policy used by Open.  Instruments on the bench do
// not like being connection thrashed, and a missing device should fail within
// a few seconds.
func OpenBackOff() backoff.BackOff {
	return &backoff.ExponentialBackOff{
		InitialInterval:     25 * time.Millisecond,
		RandomizationFactor: 0.,
		Multiplier:          2.,
		MaxInterval:         1 * time.Second,
		MaxElapsedTime:      3 * time.Second,
		Clock:               backoff.SystemClock}
}

// Open calls maker until it succeeds or the backoff policy is exhausted.
// A refused connection is not retried.  Any failure is returned as a
// *ConnectionError.
func Open(addr string, maker CreationFunc) (io.ReadWriteCloser, error) {
	return OpenWith(addr, maker, OpenBackOff())
}

// OpenWith is Open with a caller supplied backoff policy
func OpenWith(addr string, maker CreationFunc, b backoff.BackOff) (io.ReadWriteCloser, error) {
	var (
		conn    io.ReadWriteCloser
		refused error
	)
	op := func() error {
		c, err := maker()
		if err != nil {
			if strings.Contains(strings.ToLower(err.Error()), "refused") {
				refused = err
				return nil
			}
			return err
		}
		conn = c
		return nil
	}
	err := backoff.Retry(op, b)
	if refused != nil {
		return nil, &ConnectionError{Addr: addr, Err: refused}
	}
	if err != nil {
		return nil, &ConnectionError{Addr: addr, Err: err}
	}
	return conn, nil
}
