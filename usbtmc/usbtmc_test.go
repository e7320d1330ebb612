package usbtmc

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInvbTag(t *testing.T) {
	assert.Equal(t, byte(0xfe), invbTag(0x01))
	assert.Equal(t, byte(0x00), invbTag(0xff))
}

func TestbTagWrapsToOne(t *testing.T) {
	g := newBTagGen()
	var last byte
	for i := 0; i < 256; i++ {
		last = g.nextbTag()
		require.NotZero(t, last)
	}
	assert.Equal(t, byte(1), last)
}

func TestEncBulkOutHeader(t *testing.T) {
	hdr := encBulkOutHeader(7, 300, true)
	assert.Equal(t, byte(0x01), hdr[0], "MsgID")
	assert.Equal(t, byte(7), hdr[1], "bTag")
	assert.Equal(t, byte(0xf8), hdr[2], "bTagInverse")
	assert.Equal(t, byte(0x00), hdr[3], "reserved")
	assert.Equal(t, uint32(300), binary.LittleEndian.Uint32(hdr[4:8]), "transferSize")
	assert.Equal(t, byte(0x01), hdr[8], "EOM")
	assert.Equal(t, []byte{0, 0, 0}, hdr[9:])
}

func TestEncBulkInHeaderTermChar(t *testing.T) {
	nl := byte('\n')
	hdr := encBulkInHeader(3, 1024, &nl)
	assert.Equal(t, byte(0x02), hdr[0])
	assert.Equal(t, uint32(1024), binary.LittleEndian.Uint32(hdr[4:8]))
	assert.Equal(t, byte(0x02), hdr[8], "TermCharEnabled")
	assert.Equal(t, byte('\n'), hdr[9])

	hdr = encBulkInHeader(3, 1024, nil)
	assert.Equal(t, byte(0x00), hdr[8])
	assert.Equal(t, byte(0x00), hdr[9])
}

func TestDecBulkInHeader(t *testing.T) {
	b := []byte{0x02, 9, 0xf6, 0, 5, 0, 0, 0, 0x01, 0, 0, 0}
	h, err := decBulkInHeader(b)
	require.NoError(t, err)
	assert.Equal(t, bulkInHeader{tag: 9, transferSize: 5, eom: true}, h)

	b[2] = 0
	_, err = decBulkInHeader(b)
	assert.Error(t, err)
	_, err = decBulkInHeader(b[:6])
	assert.Error(t, err)
}

// bus plays the device side of the bulk endpoints.  Each read request is
// answered with the next queued transfer, delivered in packets of size pkt.
type bus struct {
	pkt       int
	transfers [][]byte
	eom       []bool
	pending   []byte
	written   [][]byte
}

func (b *bus) Write(p []byte) (int, error) {
	b.written = append(b.written, append([]byte{}, p...))
	if p[0] == msgRequestDevDep {
		data := b.transfers[0]
		eom := b.eom[0]
		b.transfers, b.eom = b.transfers[1:], b.eom[1:]
		hdr := encBulkOutHeader(p[1], len(data), eom)
		hdr[0] = msgRequestDevDep
		b.pending = append(append(b.pending, hdr[:]...), data...)
		if pad := len(b.pending) % alignment; pad > 0 {
			b.pending = append(b.pending, make([]byte, alignment-pad)...)
		}
	}
	return len(p), nil
}

func (b *bus) Read(p []byte) (int, error) {
	n := b.pkt
	if n > len(b.pending) {
		n = len(b.pending)
	}
	if n > len(p) {
		n = len(p)
	}
	copy(p, b.pending[:n])
	b.pending = b.pending[n:]
	return n, nil
}

func TestWritePadsToFourBytes(t *testing.T) {
	b := &bus{}
	d := NewDevice(b, b)
	require.NoError(t, d.Write([]byte("*RST")))
	require.Len(t, b.written, 1)
	out := b.written[0]
	assert.Equal(t, 0, len(out)%4)
	assert.Equal(t, uint32(5), binary.LittleEndian.Uint32(out[4:8]))
	assert.Equal(t, []byte("*RST\n"), out[HeaderSize:HeaderSize+5])
}

func TestQueryAcrossPacketsAndTransfers(t *testing.T) {
	payload := make([]byte, 300)
	for i := range payload {
		payload[i] = byte(i)
	}
	b := &bus{
		pkt:       64,
		transfers: [][]byte{payload[:200], append(payload[200:], '\n')},
		eom:       []bool{false, true},
	}
	d := NewDevice(b, b)
	got, err := d.Query([]byte(":WAVeform:DATA?"))
	require.NoError(t, err)
	assert.Equal(t, payload, got)
	// one message out, two read requests
	assert.Len(t, b.written, 3)
}

func TestReadReusesTransferBuffer(t *testing.T) {
	b := &bus{
		pkt:       64,
		transfers: [][]byte{[]byte("+0,\"No error\"\n"), []byte("+1\n")},
		eom:       []bool{true, true},
	}
	d := NewDevice(b, b)
	first, err := d.Query([]byte(":SYSTem:ERRor? STRing"))
	require.NoError(t, err)
	require.NotNil(t, d.buf)
	buf := &d.buf[0]

	second, err := d.Query([]byte("*OPC?"))
	require.NoError(t, err)
	assert.Same(t, buf, &d.buf[0])
	assert.Equal(t, `+0,"No error"`, string(first))
	assert.Equal(t, "+1", string(second))
}

func TestReadRejectsOversizeTransfer(t *testing.T) {
	b := &bus{pkt: 64}
	d := NewDevice(b, b)
	hdr := encBulkOutHeader(1, maxTransfer+1, true)
	hdr[0] = msgRequestDevDep
	b.pending = hdr[:]
	_, _, err := d.transfer()
	assert.Error(t, err)
}

func TestCloseWithoutUSB(t *testing.T) {
	b := &bus{}
	d := NewDevice(b, b)
	assert.NoError(t, d.Close())
	assert.NoError(t, d.Close())
	assert.NoError(t, d.Clear())
}

func TestInstrumentResource(t *testing.T) {
	i := Instrument{Vendor: 0x0957, Product: 0x900a, Serial: "MY51050155"}
	assert.Equal(t, "USB0::0x0957::0x900A::MY51050155::INSTR", i.Resource())
}
