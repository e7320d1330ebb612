/*Package usbtmc implements the USB Test and Measurement Class bulk transfer
protocol and exposes an instrument as a message based transport.

To send a message:
1.  Write the DEV_DEP_MSG_OUT header followed by the message
2.  Pad the transfer to a multiple of 4 bytes

To receive a message:
1.  Send a REQUEST_DEV_DEP_MSG_IN header on the Out endpoint
2.  Read from the In endpoint until the header's transferSize is satisfied
3.  Repeat until a header carries EOM

Large responses such as waveform records span many transfers.
*/
package usbtmc

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/gousb"
)

const (
	// ClassApplication and SubClassTMC identify a USBTMC interface
	ClassApplication = 0xFE
	SubClassTMC      = 0x03

	// maxTransfer is the transferSize requested from the device per bulk-in
	maxTransfer = 1 << 20

	alignment = 4

	reqInitiateClear    = 5
	reqCheckClearStatus = 6
	statusSuccess       = 0x01
	statusPending       = 0x02
)

// Device hides the details of USB and is a message based transport.
// A terminating newline is appended to outgoing messages and stripped from
// responses.
type Device struct {
	mu     sync.Mutex
	tagger BTagger
	in     io.Reader
	out    io.Writer

	// Term is the termination character requested on reads, nil to disable
	Term *byte

	// buf receives bulk-in transfers, allocated on first use
	buf []byte

	usb    *gousb.Context
	device *gousb.Device
	ifnum  uint16
	closer func()
}

// NewDevice creates a device over raw bulk endpoints.  It is primarily useful
// for tests; Open is the usual entry point.
func NewDevice(in io.Reader, out io.Writer) *Device {
	nl := byte('\n')
	return &Device{tagger: newBTagGen(), in: in, out: out, Term: &nl}
}

// Open opens the first USBTMC instrument with the given vendor and product ID
// and, if serial is not empty, serial number
func Open(vid, pid uint16, serial string, timeout time.Duration) (*Device, error) {
	ctx := gousb.NewContext()
	devs, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return desc.Vendor == gousb.ID(vid) && desc.Product == gousb.ID(pid)
	})
	var dev *gousb.Device
	for _, d := range devs {
		if dev == nil && (serial == "" || serialMatches(d, serial)) {
			dev = d
			continue
		}
		d.Close()
	}
	if dev == nil {
		ctx.Close()
		if err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("no USBTMC device %04x:%04x serial %q", vid, pid, serial)
	}
	if timeout > 0 {
		dev.ControlTimeout = timeout
	}
	d, err := claim(dev)
	if err != nil {
		dev.Close()
		ctx.Close()
		return nil, err
	}
	d.usb = ctx
	return d, nil
}

func serialMatches(d *gousb.Device, serial string) bool {
	s, err := d.SerialNumber()
	return err == nil && strings.EqualFold(strings.TrimSpace(s), serial)
}

// claim finds the TMC interface of dev and its bulk endpoints
func claim(dev *gousb.Device) (*Device, error) {
	if err := dev.SetAutoDetach(true); err != nil {
		return nil, err
	}
	cfgNum, err := dev.ActiveConfigNum()
	if err != nil {
		return nil, err
	}
	cfg, err := dev.Config(cfgNum)
	if err != nil {
		return nil, err
	}
	for _, ifd := range cfg.Desc.Interfaces {
		for _, alt := range ifd.AltSettings {
			if alt.Class != ClassApplication || alt.SubClass != SubClassTMC {
				continue
			}
			in, out := -1, -1
			for _, ep := range alt.Endpoints {
				if ep.TransferType != gousb.TransferTypeBulk {
					continue
				}
				if ep.Direction == gousb.EndpointDirectionIn {
					in = ep.Number
				} else {
					out = ep.Number
				}
			}
			if in < 0 || out < 0 {
				continue
			}
			iface, err := cfg.Interface(alt.Number, alt.Alternate)
			if err != nil {
				cfg.Close()
				return nil, err
			}
			inEP, err := iface.InEndpoint(in)
			if err != nil {
				iface.Close()
				cfg.Close()
				return nil, err
			}
			outEP, err := iface.OutEndpoint(out)
			if err != nil {
				iface.Close()
				cfg.Close()
				return nil, err
			}
			d := NewDevice(inEP, outEP)
			d.device = dev
			d.ifnum = uint16(alt.Number)
			d.closer = func() {
				iface.Close()
				cfg.Close()
			}
			return d, nil
		}
	}
	cfg.Close()
	return nil, fmt.Errorf("device has no USBTMC bulk interface")
}

// Write sends one message, appending a newline
func (d *Device) Write(msg []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.write(msg)
}

func (d *Device) write(msg []byte) error {
	msg = append(append([]byte{}, msg...), '\n')
	hdr := encBulkOutHeader(d.tagger.nextbTag(), len(msg), true)
	b := append(hdr[:], msg...)
	if residual := len(b) % alignment; residual > 0 {
		b = append(b, make([]byte, alignment-residual)...)
	}
	_, err := d.out.Write(b)
	return err
}

// Read reads one complete message, across as many transfers as the device
// uses, and strips the trailing newline
func (d *Device) Read() ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.read()
}

func (d *Device) read() ([]byte, error) {
	var msg []byte
	for {
		tag := d.tagger.nextbTag()
		req := encBulkInHeader(tag, maxTransfer, d.Term)
		if _, err := d.out.Write(req[:]); err != nil {
			return nil, err
		}
		hdr, payload, err := d.transfer()
		if err != nil {
			return nil, err
		}
		if hdr.tag != tag {
			return nil, fmt.Errorf("response bTag %d does not match request %d", hdr.tag, tag)
		}
		msg = append(msg, payload...)
		if hdr.eom {
			break
		}
	}
	if n := len(msg); n > 0 && msg[n-1] == '\n' {
		msg = msg[:n-1]
	}
	return msg, nil
}

// transfer reads one bulk-in transfer, which may arrive in several packets.
// The payload aliases d.buf and is only valid until the next transfer.
func (d *Device) transfer() (bulkInHeader, []byte, error) {
	if d.buf == nil {
		d.buf = make([]byte, HeaderSize+maxTransfer+alignment)
	}
	buf := d.buf
	n, err := d.in.Read(buf)
	if err != nil {
		return bulkInHeader{}, nil, err
	}
	hdr, err := decBulkInHeader(buf[:n])
	if err != nil {
		return hdr, nil, err
	}
	if hdr.transferSize > maxTransfer {
		return hdr, nil, fmt.Errorf("transferSize %d exceeds the %d requested", hdr.transferSize, maxTransfer)
	}
	want := HeaderSize + hdr.transferSize
	for n < want {
		m, err := d.in.Read(buf[n:])
		if err != nil {
			return hdr, nil, err
		}
		if m == 0 {
			return hdr, nil, io.ErrUnexpectedEOF
		}
		n += m
	}
	return hdr, buf[HeaderSize:want], nil
}

// Query writes msg and reads the response
func (d *Device) Query(msg []byte) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.write(msg); err != nil {
		return nil, err
	}
	return d.read()
}

// Clear issues INITIATE_CLEAR and waits for CHECK_CLEAR_STATUS to report
// completion
func (d *Device) Clear() error {
	if d.device == nil {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	const rType = gousb.ControlIn | gousb.ControlClass | gousb.ControlInterface
	status := make([]byte, 2)
	if _, err := d.device.Control(rType, reqInitiateClear, 0, d.ifnum, status[:1]); err != nil {
		return err
	}
	if status[0] != statusSuccess {
		return fmt.Errorf("INITIATE_CLEAR status %#02x", status[0])
	}
	for i := 0; i < 100; i++ {
		if _, err := d.device.Control(rType, reqCheckClearStatus, 0, d.ifnum, status); err != nil {
			return err
		}
		if status[0] != statusPending {
			return nil
		}
		time.Sleep(10 * time.Millisecond)
	}
	return fmt.Errorf("device clear did not complete")
}

// Close closes the device.  Closing twice is not an error.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closer != nil {
		d.closer()
		d.closer = nil
	}
	var err error
	if d.device != nil {
		err = d.device.Close()
		d.device = nil
	}
	if d.usb != nil {
		d.usb.Close()
		d.usb = nil
	}
	return err
}

// Instrument describes a USBTMC device found by Find
type Instrument struct {
	Vendor  uint16
	Product uint16
	Serial  string
	Name    string
}

// Resource formats the instrument as a VISA resource string
func (i Instrument) Resource() string {
	return fmt.Sprintf("USB0::0x%04X::0x%04X::%s::INSTR", i.Vendor, i.Product, i.Serial)
}

// isTMC reports whether any interface of the device is a USBTMC interface
func isTMC(desc *gousb.DeviceDesc) bool {
	for _, cfg := range desc.Configs {
		for _, ifd := range cfg.Interfaces {
			for _, alt := range ifd.AltSettings {
				if alt.Class == ClassApplication && alt.SubClass == SubClassTMC {
					return true
				}
			}
		}
	}
	return false
}

// Find lists the USBTMC instruments attached to the host
func Find() ([]Instrument, error) {
	ctx := gousb.NewContext()
	defer ctx.Close()
	devs, err := ctx.OpenDevices(isTMC)
	var out []Instrument
	for _, d := range devs {
		inst := Instrument{Vendor: uint16(d.Desc.Vendor), Product: uint16(d.Desc.Product)}
		inst.Serial, _ = d.SerialNumber()
		inst.Name, _ = d.Product()
		out = append(out, inst)
		d.Close()
	}
	return out, err
}
