package comm

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
)

// ErrMalformedBlock is generated when a response does not carry a valid
// IEEE 488.2 block header
var ErrMalformedBlock = errors.New("malformed IEEE 488.2 block")

// MaxBlockSize bounds the length a block header may declare.  The largest
// Infiniium record, 8 byte samples at 16 Mpts, fits.
const MaxBlockSize = 1 << 28

// parseLength decodes the length field of a definite length block
func parseLength(field []byte) (int, error) {
	n := 0
	for _, c := range field {
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("%w: length field %q is not decimal", ErrMalformedBlock, field)
		}
		n = n*10 + int(c-'0')
	}
	if n > MaxBlockSize {
		return 0, fmt.Errorf("%w: declared length %d exceeds %d", ErrMalformedBlock, n, MaxBlockSize)
	}
	return n, nil
}

// EncodeBlock frames data as an IEEE 488.2 definite length arbitrary block,
// #<n><length><data>, where n is the number of digits in length
func EncodeBlock(data []byte) []byte {
	length := strconv.Itoa(len(data))
	out := make([]byte, 0, 2+len(length)+len(data))
	out = append(out, '#', byte('0'+len(length)))
	out = append(out, length...)
	return append(out, data...)
}

// DecodeBlock strips the header from a complete block message and returns
// the payload.  Anything trailing the declared length is ignored.  An
// indefinite block (#0) runs to the end of msg.
func DecodeBlock(msg []byte) ([]byte, error) {
	if len(msg) < 2 || msg[0] != '#' {
		return nil, fmt.Errorf("%w: missing # header", ErrMalformedBlock)
	}
	ndigits := int(msg[1]) - '0'
	if ndigits < 0 || ndigits > 9 {
		return nil, fmt.Errorf("%w: digit count %q", ErrMalformedBlock, msg[1])
	}
	if ndigits == 0 {
		return msg[2:], nil
	}
	upper := 2 + ndigits
	if len(msg) < upper {
		return nil, fmt.Errorf("%w: truncated length field", ErrMalformedBlock)
	}
	nbytes, err := parseLength(msg[2:upper])
	if err != nil {
		return nil, err
	}
	if len(msg) < upper+nbytes {
		return nil, fmt.Errorf("%w: declared %d bytes, have %d", ErrMalformedBlock, nbytes, len(msg)-upper)
	}
	return msg[upper : upper+nbytes], nil
}

// ReadBlock reads one definite length block, header included, from r.
// Indefinite blocks are read up to a newline.
func ReadBlock(r *bufio.Reader) ([]byte, error) {
	hdr := make([]byte, 2)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return nil, err
	}
	if hdr[0] != '#' {
		return nil, fmt.Errorf("%w: first byte in response was %v, expected #", ErrMalformedBlock, hdr[0])
	}
	ndigits := int(hdr[1]) - '0' // shift down by 48, ASCII->int
	if ndigits < 0 || ndigits > 9 {
		return nil, fmt.Errorf("%w: digit count %q", ErrMalformedBlock, hdr[1])
	}
	if ndigits == 0 {
		rest, err := r.ReadBytes('\n')
		if err != nil && err != io.EOF {
			return nil, err
		}
		return append(hdr, bytes.TrimSuffix(rest, []byte{'\n'})...), nil
	}
	lenField := make([]byte, ndigits)
	if _, err := io.ReadFull(r, lenField); err != nil {
		return nil, err
	}
	nbytes, err := parseLength(lenField)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 2+ndigits+nbytes)
	copy(out, hdr)
	copy(out[2:], lenField)
	if _, err := io.ReadFull(r, out[2+ndigits:]); err != nil {
		return nil, err
	}
	return out, nil
}
