package main

import (
	"time"

	"github.com/loggo/loggo"
)

var turnstileLogger = loggo.GetLogger("turnstile")

// TurnstileState is the operational mode of the device.
type TurnstileState uint8

const (
	StateIdle TurnstileState = iota
	StateReading
	StateValidating
	StateGrantedEntry
	StateGrantedExit
	StateDenied
	StateWaitingRotation
	StateRotating
	StateRotationCompleted
	StateRotationTimeout
	StateError
)

func (s TurnstileState) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateReading:
		return "Reading"
	case StateValidating:
		return "Validating"
	case StateGrantedEntry:
		return "GrantedEntry"
	case StateGrantedExit:
		return "GrantedExit"
	case StateDenied:
		return "Denied"
	case StateWaitingRotation:
		return "WaitingRotation"
	case StateRotating:
		return "Rotating"
	case StateRotationCompleted:
		return "RotationCompleted"
	case StateRotationTimeout:
		return "RotationTimeout"
	case StateError:
		return "Error"
	}
	return "Unknown"
}

type timerKind int

const (
	timerDisplayHold timerKind = iota
	timerRotationWait
	timerRotationSim
	timerReturn
)

type timerEvent struct {
	kind timerKind
	seq  uint64
}

type decisionResult struct {
	seq uint64
	dec AccessDecision
	err error
}

type stateTransition struct {
	from TurnstileState
	to   TurnstileState
	at   time.Time
}

// transitions kept for inspection; enough for ~10 complete access cycles
const maxHistory = 100

// returnToIdle is the fixed display hold after a deny or rotation outcome.
const returnToIdle = 5 * time.Second

// Turnstile is the single owner of the device's operational state. All
// stimuli — peripheral events, wire decisions, timer expirations, injected
// rotations — are serialized through run()'s select loop; nothing else
// touches the state. Entering a state cancels every timer armed by the
// previous one; a stale timer or decision still in flight carries an old
// sequence number and is dropped on arrival.
type Turnstile struct {
	cfg     *configHolder
	display Display
	cat     *Catalog
	online  *onlineValidator
	offline *offlineValidator
	send    func(Message) error

	events    <-chan PeripheralEvent
	decisions chan decisionResult
	rotations chan struct{}
	timerCh   chan timerEvent
	Quit      chan struct{}

	state      TurnstileState
	seq        uint64
	credential string
	reader     ReaderType
	direction  Direction
	template   []byte
	grant      GrantKind

	timers  map[timerKind]*time.Timer
	history []stateTransition
}

func newTurnstile(cfg *configHolder, display Display, cat *Catalog,
	online *onlineValidator, offline *offlineValidator,
	events <-chan PeripheralEvent, send func(Message) error) *Turnstile {
	return &Turnstile{
		cfg:       cfg,
		display:   display,
		cat:       cat,
		online:    online,
		offline:   offline,
		send:      send,
		events:    events,
		decisions: make(chan decisionResult, 1),
		rotations: make(chan struct{}, 1),
		timerCh:   make(chan timerEvent, 8),
		Quit:      make(chan struct{}),
		state:     StateIdle,
		timers:    map[timerKind]*time.Timer{},
	}
}

// InjectRotation simulates the rotation sensor firing, as a mock sensor or
// test harness would.
func (t *Turnstile) InjectRotation() {
	select {
	case t.rotations <- struct{}{}:
	default:
	}
}

func (t *Turnstile) State() TurnstileState { return t.state }

func (t *Turnstile) History() []stateTransition {
	out := make([]stateTransition, len(t.history))
	copy(out, t.history)
	return out
}

// run is the state-machine task. Meant to run in its own goroutine.
func (t *Turnstile) run() {
	t.display.SetIdle(t.cfg.Get().DisplayMessage)
	for {
		select {
		case ev := <-t.events:
			t.handlePeripheral(ev)
		case res := <-t.decisions:
			if res.seq != t.seq || t.state != StateValidating {
				turnstileLogger.Debugf("dropping stale decision (seq %d, state %v)", res.seq, t.state)
				break
			}
			t.handleDecision(res)
		case te := <-t.timerCh:
			if te.seq != t.seq {
				break
			}
			t.handleTimer(te.kind)
		case <-t.rotations:
			if t.state != StateWaitingRotation {
				turnstileLogger.Infof("rotation signal in state %v dropped", t.state)
				break
			}
			t.completeRotation()
		case <-t.Quit:
			t.cancelTimers()
			turnstileLogger.Infof("turnstile state machine shutting down")
			return
		}
	}
}

func (t *Turnstile) handlePeripheral(ev PeripheralEvent) {
	if ev.Kind == EventDeviceError {
		turnstileLogger.Errorf("%v device error: %v", ev.Family, ev.Cause)
		return
	}
	if t.state != StateIdle {
		// real firmware is single-credentialing
		turnstileLogger.Infof("peripheral event in state %v dropped", t.state)
		return
	}
	credential, reader, ok := ev.Credential()
	if !ok {
		// cancel, clear or entry timeout: nothing was buffered, stay idle
		return
	}
	if err := validateCardNumber(credential); err != nil {
		turnstileLogger.Warningf("unusable credential: %v", err)
		return
	}

	t.transition(StateReading)
	t.credential = credential
	t.reader = reader
	t.template = ev.Template
	t.direction = DirectionEntry

	t.startValidation()
}

func (t *Turnstile) startValidation() {
	t.transition(StateValidating)
	t.display.Show("Aguardando...", "", 0)

	snap := t.cfg.Get()
	req := AccessRequest{
		Credential: t.credential,
		Timestamp:  time.Now(),
		Direction:  t.direction,
		Reader:     t.reader,
	}
	if !snap.Online {
		dec := t.offline.Decide(t.credential, t.reader, t.direction, t.template, time.Now())
		t.handleDecision(decisionResult{seq: t.seq, dec: dec})
		return
	}
	go func(seq uint64, req AccessRequest) {
		dec, err := t.online.Validate(req)
		select {
		case t.decisions <- decisionResult{seq: seq, dec: dec, err: err}:
		case <-t.Quit:
		}
	}(t.seq, req)
}

func (t *Turnstile) handleDecision(res decisionResult) {
	snap := t.cfg.Get()
	now := time.Now()

	dec := res.dec
	recorded := false
	if res.err != nil {
		validationTimeouts.Inc(1)
		if !snap.FallbackOffline {
			turnstileLogger.Warningf("validation failed, no fallback: %v", res.err)
			t.transition(StateIdle)
			t.credential = ""
			t.template = nil
			t.display.Show("Sem comunicacao", "", returnToIdle)
			t.armTimer(timerReturn, returnToIdle)
			return
		}
		turnstileLogger.Warningf("validation failed, falling back to offline: %v", res.err)
		dec = t.offline.Decide(t.credential, t.reader, t.direction, t.template, now)
		recorded = true
	}

	if !recorded {
		if _, err := t.cat.RecordAccess(AccessEvent{
			Credential: t.credential,
			Timestamp:  now,
			Direction:  int(t.direction),
			Reader:     int(t.reader),
			Granted:    dec.IsGrant(),
		}); err != nil {
			turnstileLogger.Errorf("recording access event: %v", err)
		}
	}

	if !dec.IsGrant() {
		accessesDenied.Inc(1)
		t.transition(StateDenied)
		t.display.Show(dec.Text, "", returnToIdle)
		t.armTimer(timerReturn, returnToIdle)
		return
	}

	accessesGranted.Inc(1)
	t.grant = dec.Kind
	switch {
	case dec.Kind == GrantExit, dec.Kind == GrantBoth && t.direction == DirectionExit:
		t.direction = DirectionExit
		t.transition(StateGrantedExit)
	default:
		if t.direction == DirectionUndefined {
			t.direction = DirectionEntry
		}
		t.transition(StateGrantedEntry)
	}
	hold := clampHold(dec.Seconds)
	t.display.Show(dec.Text, "", hold)
	t.armTimer(timerDisplayHold, hold)
}

func (t *Turnstile) handleTimer(kind timerKind) {
	snap := t.cfg.Get()
	switch {
	case kind == timerDisplayHold && (t.state == StateGrantedEntry || t.state == StateGrantedExit):
		t.transition(StateWaitingRotation)
		t.emitRotation(RotationWaiting, DirectionUndefined)
		t.armTimer(timerRotationWait, time.Duration(snap.RotationWaitMS)*time.Millisecond)
		if snap.RotationDelayMS >= 0 {
			t.armTimer(timerRotationSim, time.Duration(snap.RotationDelayMS)*time.Millisecond)
		}
	case kind == timerRotationSim && t.state == StateWaitingRotation:
		t.completeRotation()
	case kind == timerRotationWait && t.state == StateWaitingRotation:
		rotationTimeouts.Inc(1)
		t.transition(StateRotationTimeout)
		t.emitRotation(RotationAbandoned, DirectionUndefined)
		t.display.Show("Tempo esgotado", "", returnToIdle)
		t.armTimer(timerReturn, returnToIdle)
	case kind == timerReturn:
		if t.state == StateIdle {
			// already idle, only the display message needs restoring
			t.display.SetIdle(snap.DisplayMessage)
			break
		}
		t.toIdle()
	default:
		turnstileLogger.Debugf("timer %d in state %v ignored", kind, t.state)
	}
}

func (t *Turnstile) completeRotation() {
	t.transition(StateRotating)
	t.transition(StateRotationCompleted)
	rotationsCompleted.Inc(1)
	t.emitRotation(RotationCompleted, t.direction)
	t.armTimer(timerReturn, returnToIdle)
}

func (t *Turnstile) toIdle() {
	t.transition(StateIdle)
	t.credential = ""
	t.template = nil
	t.display.SetIdle(t.cfg.Get().DisplayMessage)
}

func (t *Turnstile) emitRotation(kind RotationKind, dir Direction) {
	ev := RotationEvent{
		Kind:      kind,
		Timestamp: time.Now(),
		Direction: dir,
	}
	if err := t.send(ev.toMessage(t.cfg.Get().DeviceID)); err != nil {
		turnstileLogger.Warningf("emitting rotation event %d: %v", kind, err)
	}
}

// transition moves to the next state. Every transition cancels the previous
// state's timers and invalidates in-flight decisions by bumping seq.
func (t *Turnstile) transition(next TurnstileState) {
	t.cancelTimers()
	t.seq++
	turnstileLogger.Infof("state %v -> %v", t.state, next)
	t.history = append(t.history, stateTransition{from: t.state, to: next, at: time.Now()})
	if len(t.history) > maxHistory {
		t.history = t.history[len(t.history)-maxHistory:]
	}
	t.state = next
}

func (t *Turnstile) armTimer(kind timerKind, d time.Duration) {
	seq := t.seq
	t.timers[kind] = time.AfterFunc(d, func() {
		select {
		case t.timerCh <- timerEvent{kind: kind, seq: seq}:
		default:
			turnstileLogger.Warningf("timer queue full; dropping timer %d", kind)
		}
	})
}

func (t *Turnstile) cancelTimers() {
	for kind, timer := range t.timers {
		timer.Stop()
		delete(t.timers, kind)
	}
}

func clampHold(seconds int) time.Duration {
	if seconds < 1 {
		seconds = 1
	}
	if seconds > 99 {
		seconds = 99
	}
	return time.Duration(seconds) * time.Second
}
