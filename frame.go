package main

import (
	"fmt"

	"github.com/ansel1/merry/v2"
)

// Byte-level framing of the Henry wire protocol:
//
//	<STX><LEN4><ID2>+<BODY>+<ETX><CS>
//
// LEN4 is four uppercase hex digits counting the bytes between ID2 and ETX,
// i.e. the body plus the two '+' separators. ID2 is the device number as two
// ASCII decimal digits (01-99). CS is the XOR of every byte from the first
// LEN4 digit through ETX inclusive. The checksum byte itself is allowed to
// take any value, including STX or ETX; framing relies on LEN4 alone.
const (
	frameSTX = 0x02
	frameETX = 0x03

	// STX + LEN4 + ID2 + '+' + '+' + ETX + CS
	frameMinSize = 10

	// LEN4 value cap; the field cannot express more
	frameMaxLen = 0xFFFF
)

var (
	ErrIDOutOfRange     = merry.Sentinel("frame: device ID out of range")
	ErrBodyTooLong      = merry.Sentinel("frame: body too long")
	ErrNonASCII         = merry.Sentinel("frame: non-ASCII byte in body")
	ErrMissingStx       = merry.Sentinel("frame: missing STX")
	ErrMissingEtx       = merry.Sentinel("frame: missing ETX")
	ErrLengthMismatch   = merry.Sentinel("frame: length mismatch")
	ErrChecksumMismatch = merry.Sentinel("frame: checksum mismatch")
	ErrMalformedLength  = merry.Sentinel("frame: malformed length field")
	ErrMalformedID      = merry.Sentinel("frame: malformed device ID")
)

const hexDigits = "0123456789ABCDEF"

// encodeFrame wraps body in the wire framing for the given device ID.
func encodeFrame(deviceID int, body []byte) ([]byte, error) {
	if deviceID < 1 || deviceID > 99 {
		return nil, merry.Wrap(ErrIDOutOfRange, merry.AppendMessagef("got %d", deviceID))
	}
	for _, b := range body {
		if b >= 0x80 {
			return nil, merry.Wrap(ErrNonASCII, merry.AppendMessagef("byte 0x%02X", b))
		}
	}
	ln := len(body) + 2
	if ln > frameMaxLen {
		return nil, merry.Wrap(ErrBodyTooLong, merry.AppendMessagef("body is %d bytes", len(body)))
	}

	frame := make([]byte, 0, len(body)+frameMinSize)
	frame = append(frame, frameSTX)
	frame = append(frame,
		hexDigits[ln>>12&0xF], hexDigits[ln>>8&0xF], hexDigits[ln>>4&0xF], hexDigits[ln&0xF])
	frame = append(frame, byte('0'+deviceID/10), byte('0'+deviceID%10))
	frame = append(frame, '+')
	frame = append(frame, body...)
	frame = append(frame, '+', frameETX)

	var cs byte
	for _, b := range frame[1:] {
		cs ^= b
	}
	return append(frame, cs), nil
}

// decodeFrame decodes exactly one complete frame.
func decodeFrame(frame []byte) (deviceID int, body []byte, err error) {
	if len(frame) == 0 || frame[0] != frameSTX {
		return 0, nil, merry.Wrap(ErrMissingStx)
	}
	if len(frame) < frameMinSize {
		return 0, nil, merry.Wrap(ErrLengthMismatch, merry.AppendMessagef("frame is %d bytes", len(frame)))
	}

	ln, err := parseHex4(frame[1:5])
	if err != nil {
		return 0, nil, err
	}
	deviceID, err = parseID2(frame[5:7])
	if err != nil {
		return 0, nil, err
	}

	// STX + LEN4 + ID2 + <ln bytes> + ETX + CS
	if len(frame) != ln+9 {
		return 0, nil, merry.Wrap(ErrLengthMismatch,
			merry.AppendMessagef("length field says %d, frame has %d payload bytes", ln, len(frame)-9))
	}
	if frame[7+ln] != frameETX {
		return 0, nil, merry.Wrap(ErrMissingEtx)
	}
	if frame[7] != '+' || frame[6+ln] != '+' {
		return 0, nil, merry.Wrap(ErrLengthMismatch, merry.AppendMessage("body separators misplaced"))
	}

	var cs byte
	for _, b := range frame[1 : 8+ln] {
		cs ^= b
	}
	if cs != frame[8+ln] {
		return 0, nil, merry.Wrap(ErrChecksumMismatch,
			merry.AppendMessagef("want 0x%02X, got 0x%02X", cs, frame[8+ln]))
	}
	return deviceID, frame[8 : 6+ln], nil
}

// decodeStream parses a frame out of the front of buf. It returns the number
// of bytes to discard from buf and, when ok, the decoded device ID and body.
// On a framing error a single byte past the bad STX is consumed so the caller
// can resync on the next STX; err reports what was wrong. When more data is
// needed, n covers only leading garbage and ok and err are both zero.
func decodeStream(buf []byte) (n int, deviceID int, body []byte, ok bool, err error) {
	// discard anything before the first STX
	for n < len(buf) && buf[n] != frameSTX {
		n++
	}
	rest := buf[n:]
	if len(rest) < frameMinSize {
		return n, 0, nil, false, nil
	}

	ln, err := parseHex4(rest[1:5])
	if err != nil {
		return n + 1, 0, nil, false, err
	}
	deviceID, err = parseID2(rest[5:7])
	if err != nil {
		return n + 1, 0, nil, false, err
	}

	total := ln + 9
	if len(rest) < total {
		return n, 0, nil, false, nil
	}
	deviceID, body, err = decodeFrame(rest[:total])
	if err != nil {
		return n + 1, 0, nil, false, err
	}
	return n + total, deviceID, body, true, nil
}

// parseHex4 accepts uppercase hex only; the protocol never emits lowercase.
func parseHex4(b []byte) (int, error) {
	var v int
	for _, c := range b {
		switch {
		case c >= '0' && c <= '9':
			v = v<<4 | int(c-'0')
		case c >= 'A' && c <= 'F':
			v = v<<4 | int(c-'A'+10)
		default:
			return 0, merry.Wrap(ErrMalformedLength, merry.AppendMessagef("byte %q", c))
		}
	}
	return v, nil
}

func parseID2(b []byte) (int, error) {
	if b[0] < '0' || b[0] > '9' || b[1] < '0' || b[1] > '9' {
		return 0, merry.Wrap(ErrMalformedID, merry.AppendMessagef("bytes %q", b))
	}
	id := int(b[0]-'0')*10 + int(b[1]-'0')
	if id == 0 {
		return 0, merry.Wrap(ErrMalformedID, merry.AppendMessage("device ID 00"))
	}
	return id, nil
}

func formatDeviceID(id int) string {
	return fmt.Sprintf("%02d", id)
}
