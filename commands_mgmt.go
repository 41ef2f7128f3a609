package main

import (
	"strconv"
	"strings"
	"time"

	"github.com/ansel1/merry/v2"
)

// Typed views over the tabular management commands: catalog CRUD batches
// (EU, ECAR, ED, EGA, ECGA, EACI, EPER, EHOR, EFER, EMSG), record retrieval
// (RR) with its ER acknowledge, and the wire form of log events.

// Batch row modes.
const (
	ModeInsert   = 'I'
	ModeUpdate   = 'A'
	ModeDelete   = 'E'
	ModeClearAll = 'L'
)

// batchTokens maps each CRUD command token to its response counterpart.
var batchTokens = map[string]string{
	"EU":   "RU",
	"ECAR": "RCAR",
	"ED":   "RD",
	"EGA":  "RGA",
	"ECGA": "RCGA",
	"EACI": "RACI",
	"EPER": "RPER",
	"EHOR": "RHOR",
	"EFER": "RFER",
	"EMSG": "RMSG",
}

// Batch is a catalog CRUD command: <CMD>+00+<COUNT>+<MODE>[col[col]...
// Every row carries its mode letter; a row without one inherits the mode of
// the previous row.
type Batch struct {
	Token string
	Count int
	Rows  []BatchRow
}

type BatchRow struct {
	Mode    byte
	Columns []string
}

func isBatchMode(b byte) bool {
	return b == ModeInsert || b == ModeUpdate || b == ModeDelete || b == ModeClearAll
}

func (b Batch) toMessage(deviceID int) Message {
	fields := make([]string, len(b.Rows))
	for i, row := range b.Rows {
		cell := string(row.Mode)
		if len(row.Columns) > 0 {
			cell += "[" + strings.Join(row.Columns, "[")
		}
		if i > 0 {
			cell = "+" + cell
		}
		fields[i] = cell
	}
	return Message{
		DeviceID:    deviceID,
		HasDeviceID: true,
		Command:     b.Token,
		Opcode:      "00+" + strconv.Itoa(b.Count),
		PayloadSep:  '+',
		Fields:      fields,
		Trailing:    true,
	}
}

func batchFromMessage(m Message) (Batch, error) {
	if _, ok := batchTokens[m.Command]; !ok {
		return Batch{}, merry.Wrap(ErrWrongCommand, merry.AppendMessagef("token %q", m.Command))
	}
	op, count, ok := strings.Cut(m.Opcode, "+")
	if !ok || op != "00" {
		return Batch{}, merry.Wrap(ErrBadValue, merry.AppendMessagef("opcode %q", m.Opcode))
	}
	n, err := strconv.Atoi(count)
	if err != nil || n < 0 {
		return Batch{}, merry.Wrap(ErrBadValue, merry.AppendMessagef("row count %q", count))
	}
	b := Batch{Token: m.Command, Count: n}

	mode := byte(0)
	for i := range m.Fields {
		rec := strings.TrimPrefix(m.Fields[i], "+")
		if rec == "" {
			continue
		}
		cols := strings.Split(rec, "[")
		if len(cols[0]) == 1 && isBatchMode(cols[0][0]) {
			mode = cols[0][0]
			cols = cols[1:]
		} else if mode == 0 {
			return b, merry.Wrap(ErrBadValue, merry.AppendMessagef("row %q has no mode", rec))
		}
		if mode == ModeClearAll {
			if n != 0 || len(cols) > 0 && cols[0] != "" {
				return b, merry.Wrap(ErrBadValue, merry.AppendMessage("clear-all only valid with count 0"))
			}
			b.Rows = append(b.Rows, BatchRow{Mode: ModeClearAll})
			continue
		}
		b.Rows = append(b.Rows, BatchRow{Mode: mode, Columns: cols})
	}
	if mode != ModeClearAll && len(b.Rows) != n {
		return b, merry.Wrap(ErrBadValue,
			merry.AppendMessagef("count says %d rows, payload has %d", n, len(b.Rows)))
	}
	return b, nil
}

// batchReply acknowledges a processed batch with the R-prefixed token and
// the number of rows applied.
func batchReply(deviceID int, token string, applied int) Message {
	return Message{
		DeviceID:    deviceID,
		HasDeviceID: true,
		Command:     batchTokens[token],
		Opcode:      "00+" + strconv.Itoa(applied),
		Trailing:    false,
	}
}

// Record retrieval filter modes (RR).
const (
	FilterByAddress     = 'M' // qty]addr
	FilterByNSR         = 'N' // qty]nsr
	FilterByDate        = 'D' // qty]start[]end]
	FilterByIndex       = 'T' // qty]index
	FilterByUncollected = 'C' // qty]cursor; marks collected on ER ack
)

type RecordRequest struct {
	Filter byte
	Qty    int
	Args   []string
}

func (r RecordRequest) toMessage(deviceID int) Message {
	return Message{
		DeviceID:    deviceID,
		HasDeviceID: true,
		Command:     "RR",
		Opcode:      "00",
		PayloadSep:  '+',
		Fields:      append([]string{string(r.Filter), strconv.Itoa(r.Qty)}, r.Args...),
	}
}

func recordRequestFromMessage(m Message) (RecordRequest, error) {
	if m.Command != "RR" {
		return RecordRequest{}, merry.Wrap(ErrWrongCommand)
	}
	if len(m.Fields) < 2 {
		return RecordRequest{}, merry.Wrap(ErrMissingField, merry.AppendMessage("filter and qty required"))
	}
	f := m.Fields[0]
	if len(f) != 1 {
		return RecordRequest{}, merry.Wrap(ErrBadValue, merry.AppendMessagef("filter %q", f))
	}
	switch f[0] {
	case FilterByAddress, FilterByNSR, FilterByDate, FilterByIndex, FilterByUncollected:
	default:
		return RecordRequest{}, merry.Wrap(ErrBadValue, merry.AppendMessagef("filter %q", f))
	}
	qty, err := strconv.Atoi(m.Fields[1])
	if err != nil || qty < 0 {
		return RecordRequest{}, merry.Wrap(ErrBadValue, merry.AppendMessagef("qty %q", m.Fields[1]))
	}
	return RecordRequest{Filter: f[0], Qty: qty, Args: m.Fields[2:]}, nil
}

// WireEvent is one access-log row as carried in an RR response:
// nsr[credential[timestamp[direction[reader[granted.
type WireEvent struct {
	NSR        int64
	Credential string
	Timestamp  time.Time
	Direction  Direction
	Reader     ReaderType
	Granted    bool
}

func (e WireEvent) row() string {
	g := "0"
	if e.Granted {
		g = "1"
	}
	return strings.Join([]string{
		strconv.FormatInt(e.NSR, 10),
		e.Credential,
		e.Timestamp.Format(henryTimeLayout),
		strconv.Itoa(int(e.Direction)),
		strconv.Itoa(int(e.Reader)),
		g,
	}, "[")
}

func wireEventFromRow(cols []string) (WireEvent, error) {
	if len(cols) < 6 {
		return WireEvent{}, merry.Wrap(ErrMissingField, merry.AppendMessagef("event row has %d of 6 columns", len(cols)))
	}
	nsr, err := strconv.ParseInt(cols[0], 10, 64)
	if err != nil {
		return WireEvent{}, merry.Wrap(ErrBadValue, merry.AppendMessagef("nsr %q", cols[0]))
	}
	ts, err := time.ParseInLocation(henryTimeLayout, cols[2], time.Local)
	if err != nil {
		return WireEvent{}, merry.Wrap(ErrBadValue, merry.AppendMessagef("timestamp %q", cols[2]))
	}
	dir, _ := parseDirection(cols[3])
	rt, _ := parseReaderType(cols[4])
	return WireEvent{
		NSR:        nsr,
		Credential: cols[1],
		Timestamp:  ts,
		Direction:  dir,
		Reader:     rt,
		Granted:    cols[5] == "1",
	}, nil
}

// recordReply carries retrieved events back with the RR token. The event
// count rides in the opcode (RR+00+<n>), one event row per field.
func recordReply(deviceID int, events []WireEvent) Message {
	m := Message{
		DeviceID:    deviceID,
		HasDeviceID: true,
		Command:     "RR",
		Opcode:      "00+" + strconv.Itoa(len(events)),
	}
	if len(events) > 0 {
		m.PayloadSep = '+'
		m.Trailing = true
		m.Fields = make([]string, len(events))
		for i, e := range events {
			m.Fields[i] = e.row()
		}
	}
	return m
}

func recordReplyEvents(m Message) ([]WireEvent, error) {
	if m.Command != "RR" {
		return nil, merry.Wrap(ErrWrongCommand)
	}
	op, count, ok := strings.Cut(m.Opcode, "+")
	if !ok || op != "00" {
		return nil, merry.Wrap(ErrBadValue, merry.AppendMessagef("opcode %q", m.Opcode))
	}
	n, err := strconv.Atoi(count)
	if err != nil {
		return nil, merry.Wrap(ErrBadValue, merry.AppendMessagef("event count %q", count))
	}
	events := make([]WireEvent, 0, n)
	for i := range m.Fields {
		e, err := wireEventFromRow(m.Columns(i))
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	if len(events) != n {
		return nil, merry.Wrap(ErrBadValue, merry.AppendMessagef("count says %d, payload has %d", n, len(events)))
	}
	return events, nil
}

// CollectAck is ER+00+<qty>+<comma-joined NSRs>] — the client confirming it
// stored the events of the last uncollected retrieval.
type CollectAck struct {
	Qty  int
	NSRs []int64
}

func (a CollectAck) toMessage(deviceID int) Message {
	parts := make([]string, len(a.NSRs))
	for i, n := range a.NSRs {
		parts[i] = strconv.FormatInt(n, 10)
	}
	return Message{
		DeviceID:    deviceID,
		HasDeviceID: true,
		Command:     "ER",
		Opcode:      "00+" + strconv.Itoa(a.Qty),
		PayloadSep:  '+',
		Fields:      []string{strings.Join(parts, ",")},
		Trailing:    true,
	}
}

func collectAckFromMessage(m Message) (CollectAck, error) {
	if m.Command != "ER" {
		return CollectAck{}, merry.Wrap(ErrWrongCommand)
	}
	op, count, ok := strings.Cut(m.Opcode, "+")
	if !ok || op != "00" {
		return CollectAck{}, merry.Wrap(ErrBadValue, merry.AppendMessagef("opcode %q", m.Opcode))
	}
	qty, err := strconv.Atoi(count)
	if err != nil || qty < 0 {
		return CollectAck{}, merry.Wrap(ErrBadValue, merry.AppendMessagef("qty %q", count))
	}
	a := CollectAck{Qty: qty}
	if raw := m.Field(0); raw != "" {
		for _, p := range strings.Split(raw, ",") {
			n, err := strconv.ParseInt(p, 10, 64)
			if err != nil {
				return a, merry.Wrap(ErrBadValue, merry.AppendMessagef("nsr %q", p))
			}
			a.NSRs = append(a.NSRs, n)
		}
	}
	if len(a.NSRs) != qty {
		return a, merry.Wrap(ErrBadValue, merry.AppendMessagef("qty says %d, got %d indices", qty, len(a.NSRs)))
	}
	return a, nil
}
