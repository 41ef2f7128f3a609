package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/ansel1/merry/v2"
)

// Typed views over the REON access-flow messages and the small management
// commands (EC/RC, EH/RH, RQ). Batch catalog commands live in
// commands_mgmt.go.

const (
	cmdReon = "REON"

	opAccessRequest    = "000+0"
	opWaitingRotation  = "000+80"
	opRotationComplete = "000+81"
	opRotationTimeout  = "000+82"
)

// Wall-clock layouts used on the wire. Only EH/RH use two-digit years.
const (
	henryTimeLayout      = "02/01/2006 15:04:05"
	henryShortTimeLayout = "02/01/06 15:04:05"
	henryShortDateLayout = "02/01/06"
)

type Direction int

const (
	DirectionUndefined Direction = 0
	DirectionEntry     Direction = 1
	DirectionExit      Direction = 2
)

type ReaderType int

const (
	ReaderKeypad    ReaderType = 0
	ReaderRfid      ReaderType = 1
	ReaderBiometric ReaderType = 5
)

type GrantKind int

const (
	GrantBoth   GrantKind = 1
	GrantManual GrantKind = 4
	GrantEntry  GrantKind = 5
	GrantExit   GrantKind = 6
	DenyAccess  GrantKind = 30
)

var (
	ErrWrongCommand = merry.Sentinel("command: message is not of this command family")
	ErrMissingField = merry.Sentinel("command: missing field")
	ErrBadValue     = merry.Sentinel("command: bad field value")
	ErrUnknownKey   = merry.Sentinel("command: unknown configuration key")
	ErrOutOfRange   = merry.Sentinel("command: value out of range")
	ErrDuplicateKey = merry.Sentinel("command: duplicate primary key")
	ErrBadReference = merry.Sentinel("command: reference to missing row")
)

// AccessRequest is the device-to-server credential presentation (REON 000+0).
// Wire fields: credential, timestamp, direction, reader type.
type AccessRequest struct {
	Credential string
	Timestamp  time.Time
	Direction  Direction
	Reader     ReaderType
}

func (r AccessRequest) toMessage(deviceID int) Message {
	return Message{
		DeviceID:    deviceID,
		HasDeviceID: true,
		Command:     cmdReon,
		Opcode:      opAccessRequest,
		PayloadSep:  ']',
		Fields: []string{
			r.Credential,
			r.Timestamp.Format(henryTimeLayout),
			strconv.Itoa(int(r.Direction)),
			strconv.Itoa(int(r.Reader)),
		},
		Trailing: true,
	}
}

func accessRequestFromMessage(m Message) (AccessRequest, error) {
	if m.Command != cmdReon || m.Opcode != opAccessRequest {
		return AccessRequest{}, merry.Wrap(ErrWrongCommand)
	}
	if len(m.Fields) < 4 {
		return AccessRequest{}, merry.Wrap(ErrMissingField, merry.AppendMessagef("got %d of 4 fields", len(m.Fields)))
	}
	if err := validateCardNumber(m.Fields[0]); err != nil {
		return AccessRequest{}, err
	}
	ts, err := time.ParseInLocation(henryTimeLayout, m.Fields[1], time.Local)
	if err != nil {
		return AccessRequest{}, merry.Wrap(ErrBadValue, merry.AppendMessagef("timestamp %q", m.Fields[1]))
	}
	dir, err := parseDirection(m.Fields[2])
	if err != nil {
		return AccessRequest{}, err
	}
	rt, err := parseReaderType(m.Fields[3])
	if err != nil {
		return AccessRequest{}, err
	}
	return AccessRequest{
		Credential: m.Fields[0],
		Timestamp:  ts,
		Direction:  dir,
		Reader:     rt,
	}, nil
}

// AccessDecision is the server's answer to an AccessRequest (REON 00+N).
// Wire fields: display-hold seconds, display message.
type AccessDecision struct {
	Kind    GrantKind
	Seconds int
	Text    string
}

func (d AccessDecision) IsGrant() bool { return d.Kind != DenyAccess }

func (d AccessDecision) toMessage(deviceID int) Message {
	return Message{
		DeviceID:    deviceID,
		HasDeviceID: true,
		Command:     cmdReon,
		Opcode:      "00+" + strconv.Itoa(int(d.Kind)),
		PayloadSep:  ']',
		Fields:      []string{strconv.Itoa(d.Seconds), transliterate(d.Text)},
		Trailing:    true,
	}
}

func accessDecisionFromMessage(m Message) (AccessDecision, error) {
	if m.Command != cmdReon {
		return AccessDecision{}, merry.Wrap(ErrWrongCommand)
	}
	var kind GrantKind
	switch m.Opcode {
	case "00+1":
		kind = GrantBoth
	case "00+4":
		kind = GrantManual
	case "00+5":
		kind = GrantEntry
	case "00+6":
		kind = GrantExit
	case "00+30":
		kind = DenyAccess
	default:
		return AccessDecision{}, merry.Wrap(ErrWrongCommand, merry.AppendMessagef("opcode %q", m.Opcode))
	}
	secs := 0
	if s := m.Field(0); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil || v < 0 || v > 99 {
			return AccessDecision{}, merry.Wrap(ErrBadValue, merry.AppendMessagef("display-hold %q", s))
		}
		secs = v
	}
	return AccessDecision{Kind: kind, Seconds: secs, Text: m.Field(1)}, nil
}

// RotationEvent reports the outcome of an access cycle (REON 000+80/81/82).
type RotationKind int

const (
	RotationWaiting   RotationKind = 80
	RotationCompleted RotationKind = 81
	RotationAbandoned RotationKind = 82
)

type RotationEvent struct {
	Kind       RotationKind
	Credential string
	Timestamp  time.Time
	Direction  Direction
	Reader     ReaderType
}

func (e RotationEvent) opcode() string {
	switch e.Kind {
	case RotationCompleted:
		return opRotationComplete
	case RotationAbandoned:
		return opRotationTimeout
	default:
		return opWaitingRotation
	}
}

func (e RotationEvent) toMessage(deviceID int) Message {
	return Message{
		DeviceID:    deviceID,
		HasDeviceID: true,
		Command:     cmdReon,
		Opcode:      e.opcode(),
		PayloadSep:  ']',
		Fields: []string{
			e.Credential,
			e.Timestamp.Format(henryTimeLayout),
			strconv.Itoa(int(e.Direction)),
			strconv.Itoa(int(e.Reader)),
		},
		Trailing: true,
	}
}

func rotationEventFromMessage(m Message) (RotationEvent, error) {
	var kind RotationKind
	switch {
	case m.Command != cmdReon:
		return RotationEvent{}, merry.Wrap(ErrWrongCommand)
	case m.Opcode == opWaitingRotation:
		kind = RotationWaiting
	case m.Opcode == opRotationComplete:
		kind = RotationCompleted
	case m.Opcode == opRotationTimeout:
		kind = RotationAbandoned
	default:
		return RotationEvent{}, merry.Wrap(ErrWrongCommand, merry.AppendMessagef("opcode %q", m.Opcode))
	}
	if len(m.Fields) < 2 {
		return RotationEvent{}, merry.Wrap(ErrMissingField)
	}
	ts, err := time.ParseInLocation(henryTimeLayout, m.Fields[1], time.Local)
	if err != nil {
		return RotationEvent{}, merry.Wrap(ErrBadValue, merry.AppendMessagef("timestamp %q", m.Fields[1]))
	}
	dir, _ := parseDirection(m.Field(2))
	rt, _ := parseReaderType(m.Field(3))
	return RotationEvent{Kind: kind, Credential: m.Fields[0], Timestamp: ts, Direction: dir, Reader: rt}, nil
}

// ConfigPairs is the EC (set) / RC (reply) payload: KEY[VALUE records.
type ConfigPairs struct {
	Reply bool // RC when true
	Pairs []ConfigPair
}

type ConfigPair struct {
	Key   string
	Value string
}

func (c ConfigPairs) toMessage(deviceID int) Message {
	token := "EC"
	if c.Reply {
		token = "RC"
	}
	fields := make([]string, len(c.Pairs))
	for i, p := range c.Pairs {
		fields[i] = p.Key + "[" + p.Value
	}
	return Message{
		DeviceID:    deviceID,
		HasDeviceID: true,
		Command:     token,
		Opcode:      "00",
		PayloadSep:  '+',
		Fields:      fields,
		Trailing:    true,
	}
}

func configPairsFromMessage(m Message) (ConfigPairs, error) {
	if m.Command != "EC" && m.Command != "RC" {
		return ConfigPairs{}, merry.Wrap(ErrWrongCommand)
	}
	c := ConfigPairs{Reply: m.Command == "RC"}
	for i := range m.Fields {
		cols := m.Columns(i)
		if len(cols) < 2 {
			return c, merry.Wrap(ErrMissingField, merry.AppendMessagef("record %q has no value column", m.Fields[i]))
		}
		c.Pairs = append(c.Pairs, ConfigPair{Key: cols[0], Value: cols[1]})
	}
	return c, nil
}

// ClockSync is EH (set) / RH (reply): device datetime plus the two daylight-
// saving anchor dates. A zero time renders as the 00/00/00 sentinel.
type ClockSync struct {
	Reply    bool
	Time     time.Time
	DstStart time.Time
	DstEnd   time.Time
}

func (c ClockSync) toMessage(deviceID int) Message {
	token := "EH"
	if c.Reply {
		token = "RH"
	}
	return Message{
		DeviceID:    deviceID,
		HasDeviceID: true,
		Command:     token,
		Opcode:      "00",
		PayloadSep:  '+',
		Fields: []string{
			c.Time.Format(henryShortTimeLayout),
			formatDstDate(c.DstStart),
			formatDstDate(c.DstEnd),
		},
		Trailing: true,
	}
}

func clockSyncFromMessage(m Message) (ClockSync, error) {
	if m.Command != "EH" && m.Command != "RH" {
		return ClockSync{}, merry.Wrap(ErrWrongCommand)
	}
	if len(m.Fields) < 1 {
		return ClockSync{}, merry.Wrap(ErrMissingField)
	}
	t, err := time.ParseInLocation(henryShortTimeLayout, m.Fields[0], time.Local)
	if err != nil {
		return ClockSync{}, merry.Wrap(ErrBadValue, merry.AppendMessagef("datetime %q", m.Fields[0]))
	}
	c := ClockSync{Reply: m.Command == "RH", Time: t}
	if c.DstStart, err = parseDstDate(m.Field(1)); err != nil {
		return ClockSync{}, err
	}
	if c.DstEnd, err = parseDstDate(m.Field(2)); err != nil {
		return ClockSync{}, err
	}
	return c, nil
}

func formatDstDate(t time.Time) string {
	if t.IsZero() {
		return "00/00/00"
	}
	return t.Format(henryShortDateLayout)
}

func parseDstDate(s string) (time.Time, error) {
	if s == "" || s == "00/00/00" {
		return time.Time{}, nil
	}
	t, err := time.ParseInLocation(henryShortDateLayout, s, time.Local)
	if err != nil {
		return time.Time{}, merry.Wrap(ErrBadValue, merry.AppendMessagef("date %q", s))
	}
	return t, nil
}

// StatusQuery is RQ+00+<PARAM>; StatusReply carries PARAM followed by its
// value fields.
type StatusQuery struct {
	Param string
}

func (q StatusQuery) toMessage(deviceID int) Message {
	return Message{
		DeviceID:    deviceID,
		HasDeviceID: true,
		Command:     "RQ",
		Opcode:      "00",
		PayloadSep:  '+',
		Fields:      []string{q.Param},
	}
}

func statusQueryFromMessage(m Message) (StatusQuery, error) {
	if m.Command != "RQ" || len(m.Fields) < 1 {
		return StatusQuery{}, merry.Wrap(ErrWrongCommand)
	}
	return StatusQuery{Param: m.Fields[0]}, nil
}

type StatusReply struct {
	Param  string
	Values []string
}

func (r StatusReply) toMessage(deviceID int) Message {
	return Message{
		DeviceID:    deviceID,
		HasDeviceID: true,
		Command:     "RQ",
		Opcode:      "00",
		PayloadSep:  '+',
		Fields:      append([]string{r.Param}, r.Values...),
	}
}

// errorResponse renders a command-level failure: same token, a negative
// numeric code as the first field, a transliterated detail as the second.
func errorResponse(deviceID int, token string, code int, text string) Message {
	return Message{
		DeviceID:    deviceID,
		HasDeviceID: true,
		Command:     token,
		Opcode:      "00",
		PayloadSep:  '+',
		Fields:      []string{"-" + strconv.Itoa(code), transliterate(text)},
		Trailing:    true,
	}
}

func parseDirection(s string) (Direction, error) {
	switch s {
	case "0", "":
		return DirectionUndefined, nil
	case "1":
		return DirectionEntry, nil
	case "2":
		return DirectionExit, nil
	}
	return DirectionUndefined, merry.Wrap(ErrBadValue, merry.AppendMessagef("direction %q", s))
}

func parseReaderType(s string) (ReaderType, error) {
	switch s {
	case "0", "":
		return ReaderKeypad, nil
	case "1":
		return ReaderRfid, nil
	case "5":
		return ReaderBiometric, nil
	}
	return ReaderKeypad, merry.Wrap(ErrBadValue, merry.AppendMessagef("reader type %q", s))
}

// validateCardNumber enforces the 3-20 ASCII char credential rule. Card
// numbers are opaque strings; leading zeros are significant.
func validateCardNumber(card string) error {
	if len(card) < 3 || len(card) > 20 {
		return merry.Wrap(ErrBadValue, merry.AppendMessagef("credential length %d", len(card)))
	}
	for i := 0; i < len(card); i++ {
		if card[i] >= 0x80 || card[i] == ']' || card[i] == '[' || card[i] == '{' || card[i] == '}' {
			return merry.Wrap(ErrBadValue, merry.AppendMessagef("credential byte %q", card[i]))
		}
	}
	return nil
}

// padCard left-pads a credential with zeros to the 20-char wire form.
func padCard(card string) string {
	return fmt.Sprintf("%020s", card)
}
