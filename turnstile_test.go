package main

import (
	"math/rand"
	"strconv"
	"testing"
	"time"
)

type turnstileHarness struct {
	machine *Turnstile
	events  chan PeripheralEvent
	wire    chan Message
	display *simDisplay
	online  *onlineValidator
	cfg     *configHolder
	cat     *Catalog
}

func newTestTurnstile(t *testing.T, cfg *configHolder, cat *Catalog) *turnstileHarness {
	t.Helper()
	events := make(chan PeripheralEvent, eventQueueDepth)
	wire := make(chan Message, 32)
	send := func(m Message) error {
		wire <- m
		return nil
	}
	online := newOnlineValidator(cfg, send)
	offline := newOfflineValidator(cfg, cat)
	display := newSimDisplay(nil)
	machine := newTurnstile(cfg, display, cat, online, offline, events, send)
	return &turnstileHarness{
		machine: machine,
		events:  events,
		wire:    wire,
		display: display,
		online:  online,
		cfg:     cfg,
		cat:     cat,
	}
}

func (h *turnstileHarness) start(t *testing.T) {
	t.Helper()
	go h.machine.run()
	t.Cleanup(func() { close(h.machine.Quit) })
}

// waitWire blocks for the next outgoing message, failing after timeout.
func (h *turnstileHarness) waitWire(t *testing.T, timeout time.Duration) Message {
	t.Helper()
	select {
	case m := <-h.wire:
		return m
	case <-time.After(timeout):
		t.Fatal("no wire message within ", timeout)
		return Message{}
	}
}

func (h *turnstileHarness) expectNoWire(t *testing.T, within time.Duration) {
	t.Helper()
	select {
	case m := <-h.wire:
		t.Fatalf("unexpected wire message %q", buildMessage(m))
	case <-time.After(within):
	}
}

func scenarioConfig() ConfigSnapshot {
	snap := defaultConfig()
	snap.DeviceID = 15
	snap.Online = true
	snap.TimeoutOnMS = 500
	snap.RotationDelayMS = 100
	snap.RotationWaitMS = 2000
	return snap
}

// Card grant, online, happy path: request, grant, 000+80, 000+81, idle.
func TestAccessCycleGrantOnline(t *testing.T) {
	h := newTestTurnstile(t, newConfigHolder(scenarioConfig()), testCatalog(t))
	h.start(t)

	h.events <- PeripheralEvent{Kind: EventCardRead, UID: "00000000000011912322", ReaderID: 1}

	req := h.waitWire(t, time.Second)
	if req.Opcode != opAccessRequest {
		t.Fatalf("first frame opcode %q; want %q", req.Opcode, opAccessRequest)
	}
	if req.DeviceID != 15 || req.Field(0) != "00000000000011912322" || req.Field(2) != "1" {
		t.Fatalf("access request => %q", buildMessage(req))
	}

	err := h.online.Deliver(15, mustParse(t, "15+REON+00+6]1]Acesso liberado]"))
	if err != nil {
		t.Fatal(err)
	}

	waiting := h.waitWire(t, 3*time.Second)
	if waiting.Opcode != opWaitingRotation {
		t.Fatalf("after grant got opcode %q; want %q", waiting.Opcode, opWaitingRotation)
	}
	if waiting.Field(0) != "" || waiting.Field(2) != "0" {
		t.Errorf("waiting frame => %q", buildMessage(waiting))
	}

	complete := h.waitWire(t, 3*time.Second)
	if complete.Opcode != opRotationComplete {
		t.Fatalf("rotation outcome opcode %q; want %q", complete.Opcode, opRotationComplete)
	}
	if complete.Field(2) != "1" {
		t.Errorf("completed rotation carries direction %q; want 1", complete.Field(2))
	}

	if line1, _ := h.display.Lines(); line1 != "Acesso liberado" && line1 != "Tempo esgotado" {
		// display may already have moved on; the grant text must have shown
		t.Logf("display now shows %q", line1)
	}
}

// Card deny, online: deny message, never a rotation frame.
func TestAccessCycleDenyOnline(t *testing.T) {
	h := newTestTurnstile(t, newConfigHolder(scenarioConfig()), testCatalog(t))
	h.start(t)

	h.events <- PeripheralEvent{Kind: EventCardRead, UID: "00000000000011912322"}
	if req := h.waitWire(t, time.Second); req.Opcode != opAccessRequest {
		t.Fatalf("opcode %q", req.Opcode)
	}

	if err := h.online.Deliver(15, mustParse(t, "15+REON+00+30]0]Acesso negado]")); err != nil {
		t.Fatal(err)
	}

	h.expectNoWire(t, 500*time.Millisecond)
	if line1, _ := h.display.Lines(); line1 != "Acesso negado" {
		t.Errorf("display => %q; want deny message", line1)
	}
	if h.machine.State() != StateDenied {
		t.Errorf("state => %v; want Denied", h.machine.State())
	}
}

// Rotation timeout: simulated rotation arrives too late, 000+82 is emitted.
func TestAccessCycleRotationTimeout(t *testing.T) {
	snap := scenarioConfig()
	snap.RotationDelayMS = 60000
	snap.RotationWaitMS = 200
	h := newTestTurnstile(t, newConfigHolder(snap), testCatalog(t))
	h.start(t)

	h.events <- PeripheralEvent{Kind: EventCardRead, UID: "00000000000011912322"}
	h.waitWire(t, time.Second)
	if err := h.online.Deliver(15, mustParse(t, "15+REON+00+6]1]Acesso liberado]")); err != nil {
		t.Fatal(err)
	}

	if m := h.waitWire(t, 3*time.Second); m.Opcode != opWaitingRotation {
		t.Fatalf("opcode %q; want 000+80", m.Opcode)
	}
	if m := h.waitWire(t, 3*time.Second); m.Opcode != opRotationTimeout {
		t.Fatalf("opcode %q; want 000+82", m.Opcode)
	}
}

// An injected rotation signal completes the cycle ahead of the simulation
// timer.
func TestInjectedRotation(t *testing.T) {
	snap := scenarioConfig()
	snap.RotationDelayMS = 60000
	snap.RotationWaitMS = 60000
	h := newTestTurnstile(t, newConfigHolder(snap), testCatalog(t))
	h.start(t)

	h.events <- PeripheralEvent{Kind: EventCardRead, UID: "00000000000011912322"}
	h.waitWire(t, time.Second)
	if err := h.online.Deliver(15, mustParse(t, "15+REON+00+5]1]Entre]")); err != nil {
		t.Fatal(err)
	}
	if m := h.waitWire(t, 3*time.Second); m.Opcode != opWaitingRotation {
		t.Fatalf("opcode %q; want 000+80", m.Opcode)
	}

	h.machine.InjectRotation()
	if m := h.waitWire(t, time.Second); m.Opcode != opRotationComplete {
		t.Fatalf("opcode %q; want 000+81", m.Opcode)
	}
}

// Credentials presented mid-cycle are dropped, not queued.
func TestPeripheralEventsDroppedWhileBusy(t *testing.T) {
	h := newTestTurnstile(t, newConfigHolder(scenarioConfig()), testCatalog(t))
	h.start(t)

	h.events <- PeripheralEvent{Kind: EventCardRead, UID: "00000000000011912322"}
	h.waitWire(t, time.Second)

	// machine is Validating now; these must vanish
	h.events <- PeripheralEvent{Kind: EventCardRead, UID: "00000000000099999999"}
	h.events <- PeripheralEvent{Kind: EventKeypadInput, Digits: "1234", Terminator: KeyEnter}

	if err := h.online.Deliver(15, mustParse(t, "15+REON+00+30]0]Acesso negado]")); err != nil {
		t.Fatal(err)
	}
	h.expectNoWire(t, 400*time.Millisecond)
}

// A decision arriving after the validation gave up must not move the
// machine.
func TestLateDecisionDiscarded(t *testing.T) {
	snap := scenarioConfig()
	snap.FallbackOffline = false
	h := newTestTurnstile(t, newConfigHolder(snap), testCatalog(t))
	h.start(t)

	h.events <- PeripheralEvent{Kind: EventCardRead, UID: "00000000000011912322"}
	h.waitWire(t, time.Second)

	// let TIMEOUT_ON expire with no answer
	time.Sleep(800 * time.Millisecond)
	if h.machine.State() != StateIdle {
		t.Fatalf("state after timeout => %v; want Idle", h.machine.State())
	}

	// the peer answers too late; nothing may happen
	h.online.Deliver(15, mustParse(t, "15+REON+00+6]1]Acesso liberado]"))
	h.expectNoWire(t, 400*time.Millisecond)
	if h.machine.State() != StateIdle {
		t.Errorf("late decision moved the machine to %v", h.machine.State())
	}
}

func TestKeypadCancelStaysIdle(t *testing.T) {
	h := newTestTurnstile(t, newConfigHolder(scenarioConfig()), testCatalog(t))
	h.start(t)

	h.events <- PeripheralEvent{Kind: EventKeypadInput, Digits: "12", Terminator: KeyCancel}
	h.expectNoWire(t, 300*time.Millisecond)
	if h.machine.State() != StateIdle {
		t.Errorf("state => %v; want Idle", h.machine.State())
	}
}

// Arbitrary event storms must leave the machine in a defined state with no
// timers armed once it returns to Idle.
func TestEventStormStaysInDefinedStates(t *testing.T) {
	snap := scenarioConfig()
	snap.Online = false // decide locally, empty catalog denies everything
	h := newTestTurnstile(t, newConfigHolder(snap), testCatalog(t))
	h.start(t)

	rnd := rand.New(rand.NewSource(99))
	for i := 0; i < 50; i++ {
		switch rnd.Intn(3) {
		case 0:
			h.events <- PeripheralEvent{Kind: EventCardRead, UID: "0000000000000000" + strconv.Itoa(1000+rnd.Intn(9000))}
		case 1:
			h.events <- PeripheralEvent{Kind: EventKeypadInput, Digits: strconv.Itoa(rnd.Intn(100000)), Terminator: KeyEnter}
		default:
			h.machine.InjectRotation()
		}
		if rnd.Intn(4) == 0 {
			time.Sleep(10 * time.Millisecond)
		}
	}

	time.Sleep(200 * time.Millisecond)
	if s := h.machine.State(); s > StateError {
		t.Fatalf("machine left the defined state set: %d", s)
	}
	for _, tr := range h.machine.History() {
		if tr.to > StateError || tr.from > StateError {
			t.Fatalf("undefined transition recorded: %+v", tr)
		}
	}
}
