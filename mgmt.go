package main

import (
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/loggo/loggo"
)

var mgmtLogger = loggo.GetLogger("mgmt")

// Command-error codes carried in error responses.
const (
	errCodeUnknownToken = 99
	errCodeBadPayload   = 12
	errCodeUnknownKey   = 1
	errCodeOutOfRange   = 2
	errCodeDuplicate    = 10
	errCodeReference    = 11
	errCodeCatalog      = 20
)

// mgmtHandler serves the non-REON side of the connection: configuration,
// clock sync, catalog CRUD, log retrieval and status queries. One handler
// instance lives per peer connection; the uncollected-retrieval cursor is
// connection state and dies with it.
type mgmtHandler struct {
	cfg     *configHolder
	cat     *Catalog
	machine *Turnstile

	session string

	// NSRs delivered by the last RR+C and not yet acknowledged. They are
	// marked collected only when an ER names them; an unacked delivery is
	// served again on the next RR+C.
	pending []int64

	// offset applied to the device clock, set by EH
	clockOffset time.Duration
}

func newMgmtHandler(cfg *configHolder, cat *Catalog, machine *Turnstile) *mgmtHandler {
	return &mgmtHandler{cfg: cfg, cat: cat, machine: machine, session: uuid.NewString()}
}

func (h *mgmtHandler) now() time.Time {
	return time.Now().Add(h.clockOffset)
}

// Dispatch routes one management command and builds its response.
func (h *mgmtHandler) Dispatch(m Message) Message {
	deviceID := h.cfg.Get().DeviceID
	mgmtLogger.Infof("session %s: %s", h.session, m.Command)

	switch m.Command {
	case "EC":
		return h.handleConfig(deviceID, m)
	case "EH":
		return h.handleClock(deviceID, m)
	case "RQ":
		return h.handleStatus(deviceID, m)
	case "RR":
		return h.handleRetrieve(deviceID, m)
	case "ER":
		return h.handleCollectAck(deviceID, m)
	}
	if _, ok := batchTokens[m.Command]; ok {
		return h.handleBatch(deviceID, m)
	}
	return errorResponse(deviceID, m.Command, errCodeUnknownToken, "Comando desconhecido")
}

func (h *mgmtHandler) handleConfig(deviceID int, m Message) Message {
	pairs, err := configPairsFromMessage(m)
	if err != nil {
		return errorResponse(deviceID, "EC", errCodeBadPayload, err.Error())
	}
	keys := make([]string, 0, len(pairs.Pairs))
	for _, p := range pairs.Pairs {
		if err := h.cfg.Set(p.Key, p.Value); err != nil {
			// an unknown key is answered, never silently ignored
			code := errCodeOutOfRange
			if errors.Is(err, ErrConfig) || errors.Is(err, ErrUnknownKey) {
				code = errCodeUnknownKey
			}
			return errorResponse(deviceID, "EC", code, err.Error())
		}
		keys = append(keys, p.Key)
	}
	applied, err := h.cfg.pairsFor(keys)
	if err != nil {
		return errorResponse(deviceID, "EC", errCodeUnknownKey, err.Error())
	}
	return ConfigPairs{Reply: true, Pairs: applied}.toMessage(deviceID)
}

func (h *mgmtHandler) handleClock(deviceID int, m Message) Message {
	sync, err := clockSyncFromMessage(m)
	if err != nil {
		return errorResponse(deviceID, "EH", errCodeBadPayload, err.Error())
	}
	h.clockOffset = time.Until(sync.Time)
	mgmtLogger.Infof("clock set to %v (offset %v)", sync.Time, h.clockOffset)
	return ClockSync{
		Reply:    true,
		Time:     h.now(),
		DstStart: sync.DstStart,
		DstEnd:   sync.DstEnd,
	}.toMessage(deviceID)
}

func (h *mgmtHandler) handleStatus(deviceID int, m Message) Message {
	q, err := statusQueryFromMessage(m)
	if err != nil {
		return errorResponse(deviceID, "RQ", errCodeBadPayload, err.Error())
	}

	count := func(f func() (int64, error)) (Message, bool) {
		n, err := f()
		if err != nil {
			return errorResponse(deviceID, "RQ", errCodeCatalog, err.Error()), false
		}
		return StatusReply{Param: q.Param, Values: []string{strconv.FormatInt(n, 10)}}.toMessage(deviceID), true
	}

	snap := h.cfg.Get()
	switch q.Param {
	case "U":
		r, _ := count(h.cat.CountUsers)
		return r
	case "C":
		r, _ := count(h.cat.CountCards)
		return r
	case "D":
		r, _ := count(h.cat.CountTemplates)
		return r
	case "TD":
		// capacity of the template store
		return StatusReply{Param: "TD", Values: []string{"10000"}}.toMessage(deviceID)
	case "R":
		r, _ := count(h.cat.CountEvents)
		return r
	case "RNC", "RNCO":
		r, _ := count(h.cat.CountUncollected)
		return r
	case "TP":
		// A while the arm is locked; D once a grant releases it
		v := "A"
		switch h.machine.State() {
		case StateWaitingRotation, StateRotating:
			v = "D"
		}
		return StatusReply{Param: "TP", Values: []string{v}}.toMessage(deviceID)
	case "MRPE":
		// event-log capacity
		return StatusReply{Param: "MRPE", Values: []string{"100000"}}.toMessage(deviceID)
	case "SEMP":
		return StatusReply{Param: "SEMP", Values: []string{"0"}}.toMessage(deviceID)
	case "PP":
		return StatusReply{Param: "PP", Values: []string{strconv.Itoa(snap.AntiPassbackMin)}}.toMessage(deviceID)
	case "SP":
		return StatusReply{
			Param:  "SP",
			Values: []string{strconv.Itoa(snap.BioSensitivity), strconv.Itoa(snap.BioSecurityLevel)},
		}.toMessage(deviceID)
	case "QP":
		r, _ := count(h.cat.CountPeriods)
		return r
	}
	return errorResponse(deviceID, "RQ", errCodeBadPayload, "Parametro desconhecido "+q.Param)
}

func (h *mgmtHandler) handleBatch(deviceID int, m Message) Message {
	b, err := batchFromMessage(m)
	if err != nil {
		return errorResponse(deviceID, m.Command, errCodeBadPayload, err.Error())
	}
	if err := h.cat.ApplyBatch(b); err != nil {
		code := errCodeCatalog
		switch {
		case errors.Is(err, ErrDuplicateKey):
			code = errCodeDuplicate
		case errors.Is(err, ErrBadReference):
			code = errCodeReference
		case errors.Is(err, ErrBadValue), errors.Is(err, ErrMissingField):
			code = errCodeBadPayload
		}
		return errorResponse(deviceID, m.Command, code, err.Error())
	}
	return batchReply(deviceID, m.Command, len(b.Rows))
}

func (h *mgmtHandler) handleRetrieve(deviceID int, m Message) Message {
	req, err := recordRequestFromMessage(m)
	if err != nil {
		return errorResponse(deviceID, "RR", errCodeBadPayload, err.Error())
	}
	events, err := h.cat.EventsByFilter(req)
	if err != nil {
		code := errCodeCatalog
		if errors.Is(err, ErrBadValue) || errors.Is(err, ErrMissingField) {
			code = errCodeBadPayload
		}
		return errorResponse(deviceID, "RR", code, err.Error())
	}
	wire := make([]WireEvent, len(events))
	for i, ev := range events {
		wire[i] = WireEvent{
			NSR:        ev.NSR,
			Credential: ev.Credential,
			Timestamp:  ev.Timestamp,
			Direction:  Direction(ev.Direction),
			Reader:     ReaderType(ev.Reader),
			Granted:    ev.Granted,
		}
	}
	if req.Filter == FilterByUncollected {
		h.pending = h.pending[:0]
		for _, ev := range events {
			h.pending = append(h.pending, ev.NSR)
		}
	}
	return recordReply(deviceID, wire)
}

func (h *mgmtHandler) handleCollectAck(deviceID int, m Message) Message {
	ack, err := collectAckFromMessage(m)
	if err != nil {
		return errorResponse(deviceID, "ER", errCodeBadPayload, err.Error())
	}
	delivered := make(map[int64]bool, len(h.pending))
	for _, n := range h.pending {
		delivered[n] = true
	}
	for _, n := range ack.NSRs {
		if !delivered[n] {
			return errorResponse(deviceID, "ER", errCodeReference,
				"NSR "+strconv.FormatInt(n, 10)+" nao foi entregue")
		}
	}
	if err := h.cat.MarkCollected(ack.NSRs); err != nil {
		return errorResponse(deviceID, "ER", errCodeCatalog, err.Error())
	}
	eventsCollected.Inc(int64(len(ack.NSRs)))
	h.pending = nil
	return Message{
		DeviceID:    deviceID,
		HasDeviceID: true,
		Command:     "ER",
		Opcode:      "00+" + strconv.Itoa(len(ack.NSRs)),
	}
}
