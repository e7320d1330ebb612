package pi

import (
	"errors"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/pewpewsetup/pewpew/comm"
)

// file mmc contains a Driver speaking Mercury's native ASCII command set.
// Each command is framed as <SOH><address><command><CR>, where address is the
// hex digit axis-1.  Replies end with ETX.

const (
	soh = 0x01
	etx = 0x03

	// MaxAxes is the largest network the address byte can reach
	MaxAxes = 16
)

// ErrNoAxis is generated when a command is issued before Select
var ErrNoAxis = errors.New("no axis selected")

// MMC is a Mercury network on a serial port
type MMC struct {
	t     *comm.Terminator
	model StageModel
	axis  int
	axes  []int
}

// NewMMC wraps an open connection
func NewMMC(conn io.ReadWriteCloser, model StageModel) *MMC {
	return &MMC{t: comm.NewTerminator(conn, etx, '\r'), model: model}
}

// DialMMC opens the serial port at addr
func DialMMC(addr string, baud int, model StageModel) (*MMC, error) {
	conf := comm.SerialConf(addr, baud, 500*time.Millisecond)
	conn, err := comm.Open(addr, comm.SerialConnMaker(conf))
	if err != nil {
		return nil, err
	}
	return NewMMC(conn, model), nil
}

func frame(axis int, cmd string) []byte {
	const hex = "0123456789ABCDEF"
	return append([]byte{soh, hex[axis-1]}, cmd...)
}

func (m *MMC) send(axis int, cmd string) error {
	if axis < 1 || axis > MaxAxes {
		return ErrNoAxis
	}
	m.t.Lock()
	defer m.t.Unlock()
	return m.t.Send(frame(axis, cmd))
}

func (m *MMC) query(axis int, cmd string) (string, error) {
	if axis < 1 || axis > MaxAxes {
		return "", ErrNoAxis
	}
	resp, err := m.t.SendRecv(frame(axis, cmd))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(resp)), nil
}

// Enumerate probes each address with VE and lists the axes which answer
func (m *MMC) Enumerate(max int) ([]int, error) {
	if max > MaxAxes {
		max = MaxAxes
	}
	var found []int
	for a := 1; a <= max; a++ {
		resp, err := m.query(a, "VE")
		if errors.Is(err, comm.ErrNotConnected) {
			return nil, err
		}
		if err == nil && resp != "" {
			found = append(found, a)
		}
	}
	m.axes = found
	return found, nil
}

// Select makes axis the target of subsequent commands
func (m *MMC) Select(axis int) error {
	if axis < 1 || axis > MaxAxes {
		return ErrNoAxis
	}
	m.axis = axis
	return nil
}

// Position returns the position of the selected axis, TP -> "P:+0000000100"
func (m *MMC) Position() (float64, error) {
	resp, err := m.query(m.axis, "TP")
	if err != nil {
		return 0, err
	}
	counts, err := parseCounts(resp)
	if err != nil {
		return 0, err
	}
	return float64(counts) / m.model.CountsPerMM, nil
}

func parseCounts(resp string) (int64, error) {
	if i := strings.IndexByte(resp, ':'); i >= 0 {
		resp = resp[i+1:]
	}
	return strconv.ParseInt(strings.TrimSpace(resp), 10, 64)
}

// MoveAbs starts a motion of the selected axis to pos mm
func (m *MMC) MoveAbs(pos float64) error {
	counts := int64(math.Round(pos * m.model.CountsPerMM))
	return m.send(m.axis, "MA"+strconv.FormatInt(counts, 10))
}

// FindEdge starts a search for the reference edge
func (m *MMC) FindEdge() error {
	return m.send(m.axis, "FE1")
}

// DefineHome declares the current position of the selected axis to be zero
func (m *MMC) DefineHome() error {
	return m.send(m.axis, "DH")
}

// Abort stops every enumerated axis, or the selected axis if the network
// was never enumerated
func (m *MMC) Abort() error {
	axes := m.axes
	if len(axes) == 0 {
		axes = []int{m.axis}
	}
	for _, a := range axes {
		if err := m.send(a, "AB"); err != nil {
			return err
		}
	}
	return nil
}

// Raw sends cmd to the selected axis and returns the reply
func (m *MMC) Raw(cmd string) (string, error) {
	return m.query(m.axis, cmd)
}

// Close closes the serial port
func (m *MMC) Close() error {
	m.t.Lock()
	defer m.t.Unlock()
	return m.t.Close()
}
