package usbtmc

import (
	"encoding/binary"
	"fmt"
	"sync"
)

const (
	// reserved is the byte to insert in reserved header positions
	reserved = 0x00

	// HeaderSize is the length of every bulk transfer header
	HeaderSize = 12

	msgDevDepOut     = 0x01
	msgRequestDevDep = 0x02
)

// BTagger can generate atomic bTags
type BTagger interface {
	nextbTag() byte
}

// bTagGen is a concurrent-safe bTag generator
type bTagGen struct {
	// embedded mutex for concurrent safety
	sync.Mutex

	value byte
}

func newBTagGen() *bTagGen {
	return &bTagGen{}
}

// nextbTag counts 1..255 and wraps to 1, zero is not a legal bTag
func (b *bTagGen) nextbTag() byte {
	b.Lock()
	defer b.Unlock()
	b.value++
	if b.value == 0 {
		b.value = 1
	}
	return b.value
}

// invbTag computes the bitwise inversion of a btag, per USBTMC standard table 1 offset 2
func invbTag(b byte) byte {
	// ^ is bitwise exclusive OR.  Comparing with 0xff (all 1s) is the bitwise inversion
	return b ^ 0xff
}

// encBulkOutHeader creates the header defined in USBTMC standard, Table 3
func encBulkOutHeader(tag byte, datalen int, eom bool) [HeaderSize]byte {
	out := [HeaderSize]byte{}
	/* data map by offset:
	0 MsgID, DEV_DEP_MSG_OUT
	1 bTag, a single byte 1 <= x <= 255, unique and incrementing with each message
	2 bTagInverse, a single byte, the bitwise inverse of bTag
	3 Reserved (0x00)
	4-7 transferSize, message bytes exclusive of header and alignment, LSB first
	8 bitmap, bit 0 EOM
	9-11 reserved
	*/
	out[0] = msgDevDepOut
	out[1] = tag
	out[2] = invbTag(tag)
	out[3] = reserved
	binary.LittleEndian.PutUint32(out[4:8], uint32(datalen))
	if eom {
		out[8] = 0x01
	}
	return out
}

// encBulkInHeader creates the header defined in USBTMC standard, Table 4.
// if terminator is nil, puts 0x00 in the header and sets the bit to use it to false
func encBulkInHeader(tag byte, bufsize int, terminator *byte) [HeaderSize]byte {
	out := [HeaderSize]byte{}
	/* this differs from BulkOut by bytes 8~11
	8 bitmap, bit 1 termination character enabled
	9 terminator byte
	10~11 reserved
	*/
	out[0] = msgRequestDevDep
	out[1] = tag
	out[2] = invbTag(tag)
	out[3] = reserved
	binary.LittleEndian.PutUint32(out[4:8], uint32(bufsize))
	if terminator != nil {
		out[8] = 0x02
		out[9] = *terminator
	}
	return out
}

// bulkInHeader is the header prefixed to device-dependent data from the device,
// USBTMC standard Table 9
type bulkInHeader struct {
	tag          byte
	transferSize int
	eom          bool
}

// decBulkInHeader parses and validates a DEV_DEP_MSG_IN header
func decBulkInHeader(b []byte) (bulkInHeader, error) {
	var h bulkInHeader
	if len(b) < HeaderSize {
		return h, fmt.Errorf("only received %d bytes, need at least %d to form header", len(b), HeaderSize)
	}
	if b[0] != msgRequestDevDep {
		return h, fmt.Errorf("unexpected MsgID %#02x in bulk-in header", b[0])
	}
	if b[2] != invbTag(b[1]) {
		return h, fmt.Errorf("bTag %#02x and inverse %#02x do not match", b[1], b[2])
	}
	h.tag = b[1]
	h.transferSize = int(binary.LittleEndian.Uint32(b[4:8]))
	h.eom = b[8]&0x01 != 0
	return h, nil
}
