package main

import (
	"fmt"
	"strconv"

	"github.com/ansel1/merry/v2"
)

// Input-device families and their concrete drivers. Each family has a small
// capability interface, a mock driver scriptable from tests and from the
// websocket UI, and a tagged wrapper (AnyKeypad, AnyRfid, AnyBiometric) that
// dispatches to whichever concrete it holds. New drivers are a new arm in
// the wrapper plus its forwarding clauses.

var ErrDeviceClosed = merry.Sentinel("peripheral: device closed")

type DeviceFamily int

const (
	FamilyKeypad DeviceFamily = iota
	FamilyRfid
	FamilyBiometric
)

func (f DeviceFamily) String() string {
	switch f {
	case FamilyKeypad:
		return "keypad"
	case FamilyRfid:
		return "rfid"
	case FamilyBiometric:
		return "biometric"
	}
	return "unknown"
}

type KeypadTerminator int

const (
	KeyEnter KeypadTerminator = iota
	KeyCancel
	KeyClear
	KeyTimeout
)

// PeripheralEvent is the single event type drained by the state machine.
// Exactly the fields of the reported Kind are meaningful.
type PeripheralEventKind int

const (
	EventKeypadInput PeripheralEventKind = iota
	EventCardRead
	EventFingerprint
	EventDeviceError
)

type PeripheralEvent struct {
	Kind PeripheralEventKind

	// EventKeypadInput
	Digits     string
	Terminator KeypadTerminator

	// EventCardRead
	UID      string
	ReaderID uint8

	// EventFingerprint
	Template []byte
	Quality  uint8

	// EventDeviceError
	Family DeviceFamily
	Cause  string
}

// Credential returns the wire credential and reader-type tag of a capture
// event, or false for non-capture events.
func (e PeripheralEvent) Credential() (string, ReaderType, bool) {
	switch e.Kind {
	case EventKeypadInput:
		if e.Terminator != KeyEnter {
			return "", ReaderKeypad, false
		}
		return e.Digits, ReaderKeypad, true
	case EventCardRead:
		return e.UID, ReaderRfid, true
	case EventFingerprint:
		return templateKey(e.Template), ReaderBiometric, true
	}
	return "", ReaderKeypad, false
}

// KeypadDevice reads one complete keypad entry (digits plus terminator).
type KeypadDevice interface {
	ReadInput() (digits string, term KeypadTerminator, err error)
	Close() error
}

// RfidDevice reads one card presentation.
type RfidDevice interface {
	ReadCard() (uid string, err error)
	Close() error
}

// BiometricDevice captures one fingerprint template.
type BiometricDevice interface {
	Capture() (template []byte, quality uint8, err error)
	Close() error
}

// AnyKeypad is the tagged variant over the keypad drivers.
type AnyKeypad struct {
	Mock *MockKeypad
	WS   *wsKeypad
}

func (k AnyKeypad) ReadInput() (string, KeypadTerminator, error) {
	switch {
	case k.Mock != nil:
		return k.Mock.ReadInput()
	case k.WS != nil:
		return k.WS.ReadInput()
	}
	return "", KeyCancel, merry.Wrap(ErrDeviceClosed, merry.AppendMessage("no keypad driver"))
}

func (k AnyKeypad) Close() error {
	switch {
	case k.Mock != nil:
		return k.Mock.Close()
	case k.WS != nil:
		return k.WS.Close()
	}
	return nil
}

func (k AnyKeypad) registered() bool { return k.Mock != nil || k.WS != nil }

// AnyRfid is the tagged variant over the RFID drivers.
type AnyRfid struct {
	Mock    *MockRfid
	Wiegand *WiegandReader
}

func (r AnyRfid) ReadCard() (string, error) {
	switch {
	case r.Mock != nil:
		return r.Mock.ReadCard()
	case r.Wiegand != nil:
		return r.Wiegand.ReadCard()
	}
	return "", merry.Wrap(ErrDeviceClosed, merry.AppendMessage("no rfid driver"))
}

func (r AnyRfid) Close() error {
	switch {
	case r.Mock != nil:
		return r.Mock.Close()
	case r.Wiegand != nil:
		return r.Wiegand.Close()
	}
	return nil
}

func (r AnyRfid) registered() bool { return r.Mock != nil || r.Wiegand != nil }

// AnyBiometric is the tagged variant over the fingerprint drivers.
type AnyBiometric struct {
	Mock *MockBiometric
}

func (b AnyBiometric) Capture() ([]byte, uint8, error) {
	if b.Mock != nil {
		return b.Mock.Capture()
	}
	return nil, 0, merry.Wrap(ErrDeviceClosed, merry.AppendMessage("no biometric driver"))
}

func (b AnyBiometric) Close() error {
	if b.Mock != nil {
		return b.Mock.Close()
	}
	return nil
}

func (b AnyBiometric) registered() bool { return b.Mock != nil }

// MockKeypad is a scriptable keypad.
type MockKeypad struct {
	inputs chan keypadEntry
	done   chan struct{}
}

type keypadEntry struct {
	digits string
	term   KeypadTerminator
}

func NewMockKeypad() *MockKeypad {
	return &MockKeypad{inputs: make(chan keypadEntry, 8), done: make(chan struct{})}
}

// Inject queues a complete entry as if the user had typed it.
func (m *MockKeypad) Inject(digits string, term KeypadTerminator) {
	select {
	case m.inputs <- keypadEntry{digits, term}:
	case <-m.done:
	}
}

func (m *MockKeypad) ReadInput() (string, KeypadTerminator, error) {
	select {
	case e := <-m.inputs:
		return e.digits, e.term, nil
	case <-m.done:
		return "", KeyCancel, merry.Wrap(ErrDeviceClosed)
	}
}

func (m *MockKeypad) Close() error {
	select {
	case <-m.done:
	default:
		close(m.done)
	}
	return nil
}

// wsKeypad turns keystrokes arriving from a websocket UI into keypad
// entries. The hub owns the channel and feeds it from UI messages.
type wsKeypad struct {
	entries <-chan keypadEntry
	done    chan struct{}
}

func newWsKeypad(entries <-chan keypadEntry) *wsKeypad {
	return &wsKeypad{entries: entries, done: make(chan struct{})}
}

func (w *wsKeypad) ReadInput() (string, KeypadTerminator, error) {
	select {
	case e, ok := <-w.entries:
		if !ok {
			return "", KeyCancel, merry.Wrap(ErrDeviceClosed)
		}
		return e.digits, e.term, nil
	case <-w.done:
		return "", KeyCancel, merry.Wrap(ErrDeviceClosed)
	}
}

func (w *wsKeypad) Close() error {
	select {
	case <-w.done:
	default:
		close(w.done)
	}
	return nil
}

// MockRfid is a scriptable proximity reader.
type MockRfid struct {
	cards chan string
	done  chan struct{}
}

func NewMockRfid() *MockRfid {
	return &MockRfid{cards: make(chan string, 8), done: make(chan struct{})}
}

func (m *MockRfid) Inject(uid string) {
	select {
	case m.cards <- uid:
	case <-m.done:
	}
}

func (m *MockRfid) ReadCard() (string, error) {
	select {
	case uid := <-m.cards:
		return uid, nil
	case <-m.done:
		return "", merry.Wrap(ErrDeviceClosed)
	}
}

func (m *MockRfid) Close() error {
	select {
	case <-m.done:
	default:
		close(m.done)
	}
	return nil
}

// MockBiometric is a scriptable fingerprint scanner. Templates are opaque
// byte blobs; no matching happens on the device side.
type MockBiometric struct {
	captures chan fingerprint
	done     chan struct{}
}

type fingerprint struct {
	template []byte
	quality  uint8
}

func NewMockBiometric() *MockBiometric {
	return &MockBiometric{captures: make(chan fingerprint, 8), done: make(chan struct{})}
}

func (m *MockBiometric) Inject(template []byte, quality uint8) {
	select {
	case m.captures <- fingerprint{template, quality}:
	case <-m.done:
	}
}

func (m *MockBiometric) Capture() ([]byte, uint8, error) {
	select {
	case f := <-m.captures:
		return f.template, f.quality, nil
	case <-m.done:
		return nil, 0, merry.Wrap(ErrDeviceClosed)
	}
}

func (m *MockBiometric) Close() error {
	select {
	case <-m.done:
	default:
		close(m.done)
	}
	return nil
}

// WiegandReader decodes standard 26-bit Wiegand words (even parity, 8-bit
// facility code, 16-bit card number, odd parity) delivered on a raw word
// channel by a GPIO front end.
type WiegandReader struct {
	words chan uint32
	done  chan struct{}
}

func NewWiegandReader() *WiegandReader {
	return &WiegandReader{words: make(chan uint32, 8), done: make(chan struct{})}
}

// InjectWord feeds one raw 26-bit word, as a GPIO edge collector would.
func (w *WiegandReader) InjectWord(word uint32) {
	select {
	case w.words <- word:
	case <-w.done:
	}
}

func (w *WiegandReader) ReadCard() (string, error) {
	for {
		select {
		case word := <-w.words:
			uid, err := decodeWiegand26(word)
			if err != nil {
				// bad parity: swallow and wait for the next word
				continue
			}
			return uid, nil
		case <-w.done:
			return "", merry.Wrap(ErrDeviceClosed)
		}
	}
}

func (w *WiegandReader) Close() error {
	select {
	case <-w.done:
	default:
		close(w.done)
	}
	return nil
}

// decodeWiegand26 checks both parity bits and renders facility+card as the
// decimal credential string.
func decodeWiegand26(word uint32) (string, error) {
	word &= (1 << 26) - 1
	payload := (word >> 1) & 0xFFFFFF
	evenHalf := (word >> 13) & 0xFFF // 12 data bits guarded by the leading parity
	oddHalf := (word >> 1) & 0xFFF

	if parity(evenHalf) != (word>>25)&1 {
		return "", merry.Wrap(ErrBadValue, merry.AppendMessage("wiegand even parity"))
	}
	if parity(oddHalf) == word&1 {
		return "", merry.Wrap(ErrBadValue, merry.AppendMessage("wiegand odd parity"))
	}

	facility := payload >> 16 & 0xFF
	card := payload & 0xFFFF
	return fmt.Sprintf("%03d%05d", facility, card), nil
}

func parity(v uint32) uint32 {
	var p uint32
	for ; v != 0; v >>= 1 {
		p ^= v & 1
	}
	return p
}

// templateKey folds an opaque biometric template into a short ASCII
// credential used for exact-match lookup.
func templateKey(template []byte) string {
	var h uint64 = 1469598103934665603
	for _, b := range template {
		h ^= uint64(b)
		h *= 1099511628211
	}
	return "B" + strconv.FormatUint(h%1e18, 10)
}
