package main

import (
	"errors"

	"github.com/ansel1/merry/v2"
	"github.com/loggo/loggo"
)

var dispatchLogger = loggo.GetLogger("dispatcher")

var ErrAlreadyRegistered = merry.Sentinel("dispatcher: device family already registered")

// eventQueueDepth bounds the merged peripheral channel. A producer that
// outruns the state machine blocks here, which throttles runaway drivers.
const eventQueueDepth = 100

// Dispatcher owns at most one device per family and multiplexes their
// blocking reads into one bounded event channel. Single consumer; ordering
// between devices is arbitrary.
type Dispatcher struct {
	keypad AnyKeypad
	rfid   AnyRfid
	bio    AnyBiometric

	events chan PeripheralEvent
}

func newDispatcher() *Dispatcher {
	return &Dispatcher{events: make(chan PeripheralEvent, eventQueueDepth)}
}

func (d *Dispatcher) RegisterKeypad(k AnyKeypad) error {
	if d.keypad.registered() {
		return merry.Wrap(ErrAlreadyRegistered, merry.AppendMessage("keypad"))
	}
	d.keypad = k
	return nil
}

func (d *Dispatcher) RegisterRfid(r AnyRfid) error {
	if d.rfid.registered() {
		return merry.Wrap(ErrAlreadyRegistered, merry.AppendMessage("rfid"))
	}
	d.rfid = r
	return nil
}

func (d *Dispatcher) RegisterBiometric(b AnyBiometric) error {
	if d.bio.registered() {
		return merry.Wrap(ErrAlreadyRegistered, merry.AppendMessage("biometric"))
	}
	d.bio = b
	return nil
}

// Start spawns one goroutine per registered device. Each loops read-and-send
// until its device closes or errors.
func (d *Dispatcher) Start() {
	if d.keypad.registered() {
		go d.runKeypad()
	}
	if d.rfid.registered() {
		go d.runRfid()
	}
	if d.bio.registered() {
		go d.runBiometric()
	}
}

// Events is the merged stream drained by the state machine.
func (d *Dispatcher) Events() <-chan PeripheralEvent {
	return d.events
}

// Stop closes every registered device; the producer goroutines drain out on
// their next read.
func (d *Dispatcher) Stop() {
	d.keypad.Close()
	d.rfid.Close()
	d.bio.Close()
}

func (d *Dispatcher) runKeypad() {
	for {
		digits, term, err := d.keypad.ReadInput()
		if err != nil {
			d.reportDeviceExit(FamilyKeypad, err)
			return
		}
		d.events <- PeripheralEvent{Kind: EventKeypadInput, Digits: digits, Terminator: term}
	}
}

func (d *Dispatcher) runRfid() {
	for {
		uid, err := d.rfid.ReadCard()
		if err != nil {
			d.reportDeviceExit(FamilyRfid, err)
			return
		}
		d.events <- PeripheralEvent{Kind: EventCardRead, UID: uid, ReaderID: 1}
	}
}

func (d *Dispatcher) runBiometric() {
	for {
		template, quality, err := d.bio.Capture()
		if err != nil {
			d.reportDeviceExit(FamilyBiometric, err)
			return
		}
		d.events <- PeripheralEvent{Kind: EventFingerprint, Template: template, Quality: quality}
	}
}

func (d *Dispatcher) reportDeviceExit(family DeviceFamily, err error) {
	if errors.Is(err, ErrDeviceClosed) {
		dispatchLogger.Infof("%v device closed", family)
		return
	}
	dispatchLogger.Errorf("%v device failed: %v", family, err)
	d.events <- PeripheralEvent{Kind: EventDeviceError, Family: family, Cause: err.Error()}
}
