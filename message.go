package main

import (
	"strings"

	"github.com/ansel1/merry/v2"
)

// Field-level grammar over a frame body:
//
//	body    = [id2 "+"] command "+" opcode ["+"|"]" payload]
//	payload = field ( "]" field )* [ "]" ]
//
// The opcode is a run of '+'-joined all-digit groups ("000+0", "00+6",
// "00+2"). Its final group may be fused to the payload with a ']' (access
// responses: "00+6]5]msg]") or the payload may hang off its own '+' group
// (batch commands: "00+2+I[row"). Which separator preceded the payload is
// recorded so that build(parse(b)) == b.
//
// Inside a field, '[' separates columns and '{' or '}' separate subfields of
// a column. A single column may use '{' or '}' separators but never both.
type Message struct {
	DeviceID    int
	HasDeviceID bool
	Command     string
	Opcode      string
	PayloadSep  byte // ']' or '+', 0 when there is no payload
	Fields      []string
	Trailing    bool // payload ended with ']'
}

var (
	ErrUnexpectedSeparator = merry.Sentinel("grammar: unexpected separator")
	ErrTruncatedRecord     = merry.Sentinel("grammar: truncated record")
)

// parseMessage parses a frame body.
func parseMessage(body string) (Message, error) {
	var m Message

	tokens := strings.Split(body, "+")
	if isDeviceIDToken(tokens[0]) && len(tokens) > 1 {
		m.DeviceID = int(tokens[0][0]-'0')*10 + int(tokens[0][1]-'0')
		m.HasDeviceID = true
		tokens = tokens[1:]
	}
	if tokens[0] == "" || !isCommandToken(tokens[0]) {
		return m, merry.Wrap(ErrTruncatedRecord, merry.AppendMessagef("no command token in %q", body))
	}
	m.Command = tokens[0]
	tokens = tokens[1:]

	var opcode []string
	payload, havePayload := "", false
	for i, t := range tokens {
		if isDigits(t) {
			opcode = append(opcode, t)
			continue
		}
		// A digit prefix closed by ']' still belongs to the opcode; the
		// remainder after that ']' is the payload ("00+6]5]msg]").
		if d := digitPrefix(t); d > 0 && d < len(t) && t[d] == ']' {
			opcode = append(opcode, t[:d])
			m.PayloadSep = ']'
			payload = strings.Join(append([]string{t[d+1:]}, tokens[i+1:]...), "+")
			havePayload = true
			break
		}
		m.PayloadSep = '+'
		payload = strings.Join(tokens[i:], "+")
		havePayload = true
		break
	}
	m.Opcode = strings.Join(opcode, "+")
	if m.Opcode == "" && !havePayload {
		return m, merry.Wrap(ErrTruncatedRecord, merry.AppendMessagef("command %q has no opcode", m.Command))
	}

	if havePayload {
		fields := strings.Split(payload, "]")
		if n := len(fields); n > 1 && fields[n-1] == "" {
			m.Trailing = true
			fields = fields[:n-1]
		}
		m.Fields = fields
		for _, f := range fields {
			if err := checkSubfields(f); err != nil {
				return m, err
			}
		}
	}
	return m, nil
}

// buildMessage renders a Message back into a frame body.
func buildMessage(m Message) string {
	var b strings.Builder
	if m.HasDeviceID {
		b.WriteString(formatDeviceID(m.DeviceID))
		b.WriteByte('+')
	}
	b.WriteString(m.Command)
	if m.Opcode != "" {
		b.WriteByte('+')
		b.WriteString(m.Opcode)
	}
	if m.Fields != nil {
		sep := m.PayloadSep
		if sep == 0 {
			sep = ']'
		}
		b.WriteByte(sep)
		b.WriteString(strings.Join(m.Fields, "]"))
		if m.Trailing {
			b.WriteByte(']')
		}
	}
	return b.String()
}

// Columns splits a top-level field into its '['-separated columns.
func (m Message) Columns(i int) []string {
	if i < 0 || i >= len(m.Fields) {
		return nil
	}
	return strings.Split(m.Fields[i], "[")
}

// Field returns the i-th top-level field, or "" when absent.
func (m Message) Field(i int) string {
	if i < 0 || i >= len(m.Fields) {
		return ""
	}
	return m.Fields[i]
}

// splitSubfields splits a column cell on its subfield separator.
func splitSubfields(cell string) []string {
	if strings.ContainsRune(cell, '{') {
		return strings.Split(cell, "{")
	}
	return strings.Split(cell, "}")
}

// checkSubfields enforces that no column mixes the two subfield separators.
func checkSubfields(field string) error {
	for _, cell := range strings.Split(field, "[") {
		if strings.ContainsRune(cell, '{') && strings.ContainsRune(cell, '}') {
			return merry.Wrap(ErrUnexpectedSeparator, merry.AppendMessagef("cell %q mixes '{' and '}'", cell))
		}
	}
	return nil
}

func isDeviceIDToken(s string) bool {
	return len(s) == 2 && isDigits(s) && s != "00"
}

func isCommandToken(s string) bool {
	if len(s) < 1 || len(s) > 4 {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < 'A' || s[i] > 'Z' {
			return false
		}
	}
	return true
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func digitPrefix(s string) int {
	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	return i
}
