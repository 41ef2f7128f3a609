package main

import (
	"errors"
	"reflect"
	"testing"
	"time"
)

func mustParse(t *testing.T, body string) Message {
	t.Helper()
	m, err := parseMessage(body)
	if err != nil {
		t.Fatalf("parseMessage(%q): %v", body, err)
	}
	return m
}

func TestAccessRequestWireFormat(t *testing.T) {
	ts := time.Date(2025, 5, 10, 12, 46, 6, 0, time.Local)
	req := AccessRequest{
		Credential: "00000000000011912322",
		Timestamp:  ts,
		Direction:  DirectionEntry,
		Reader:     ReaderKeypad,
	}
	body := buildMessage(req.toMessage(15))
	want := "15+REON+000+0]00000000000011912322]10/05/2025 12:46:06]1]0]"
	if body != want {
		t.Errorf("access request => %q; want %q", body, want)
	}

	back, err := accessRequestFromMessage(mustParse(t, body))
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(back, req) {
		t.Errorf("round trip => %+v; want %+v", back, req)
	}
}

func TestAccessRequestFromMessageErrors(t *testing.T) {
	var tests = []struct {
		body string
		want error
	}{
		{"15+REON+00+6]5]ok]", ErrWrongCommand},
		{"15+REON+000+0]123]", ErrMissingField},
		{"15+REON+000+0]ab]10/05/2025 12:46:06]1]0]", ErrBadValue},    // credential too short
		{"15+REON+000+0]12345]2025-05-10 12:46:06]1]0]", ErrBadValue}, // wrong date form
		{"15+REON+000+0]12345]10/05/2025 12:46:06]7]0]", ErrBadValue}, // bad direction
	}
	for _, tt := range tests {
		if _, err := accessRequestFromMessage(mustParse(t, tt.body)); !errors.Is(err, tt.want) {
			t.Errorf("%q => %v; want %v", tt.body, err, tt.want)
		}
	}
}

func TestAccessDecisionWireFormat(t *testing.T) {
	var tests = []struct {
		dec  AccessDecision
		body string
	}{
		{AccessDecision{Kind: GrantExit, Seconds: 5, Text: "Acesso liberado"}, "15+REON+00+6]5]Acesso liberado]"},
		{AccessDecision{Kind: GrantEntry, Seconds: 3, Text: "Bem-vindo"}, "15+REON+00+5]3]Bem-vindo]"},
		{AccessDecision{Kind: GrantBoth, Seconds: 5, Text: "Acesso liberado"}, "15+REON+00+1]5]Acesso liberado]"},
		{AccessDecision{Kind: GrantManual, Seconds: 5, Text: "Liberado"}, "15+REON+00+4]5]Liberado]"},
		{AccessDecision{Kind: DenyAccess, Seconds: 0, Text: "Acesso negado"}, "15+REON+00+30]0]Acesso negado]"},
	}

	for _, tt := range tests {
		if body := buildMessage(tt.dec.toMessage(15)); body != tt.body {
			t.Errorf("decision %d => %q; want %q", tt.dec.Kind, body, tt.body)
		}
		back, err := accessDecisionFromMessage(mustParse(t, tt.body))
		if err != nil {
			t.Fatal(err)
		}
		if !reflect.DeepEqual(back, tt.dec) {
			t.Errorf("parse(%q) => %+v; want %+v", tt.body, back, tt.dec)
		}
	}
}

func TestRotationEventWireFormat(t *testing.T) {
	ts := time.Date(2025, 5, 10, 12, 46, 8, 0, time.Local)
	var tests = []struct {
		ev   RotationEvent
		body string
	}{
		{RotationEvent{Kind: RotationWaiting, Timestamp: ts},
			"15+REON+000+80]]10/05/2025 12:46:08]0]0]"},
		{RotationEvent{Kind: RotationCompleted, Timestamp: ts, Direction: DirectionEntry},
			"15+REON+000+81]]10/05/2025 12:46:08]1]0]"},
		{RotationEvent{Kind: RotationAbandoned, Timestamp: ts},
			"15+REON+000+82]]10/05/2025 12:46:08]0]0]"},
	}
	for _, tt := range tests {
		if body := buildMessage(tt.ev.toMessage(15)); body != tt.body {
			t.Errorf("rotation %d => %q; want %q", tt.ev.Kind, body, tt.body)
		}
		back, err := rotationEventFromMessage(mustParse(t, tt.body))
		if err != nil {
			t.Fatal(err)
		}
		if back.Kind != tt.ev.Kind || back.Direction != tt.ev.Direction || !back.Timestamp.Equal(ts) {
			t.Errorf("parse(%q) => %+v", tt.body, back)
		}
	}
}

func TestConfigPairsRoundTrip(t *testing.T) {
	c := ConfigPairs{Pairs: []ConfigPair{
		{Key: "device.id", Value: "15"},
		{Key: "mode.online", Value: "H"},
	}}
	body := buildMessage(c.toMessage(1))
	if want := "01+EC+00+device.id[15]mode.online[H]"; body != want {
		t.Errorf("EC => %q; want %q", body, want)
	}
	back, err := configPairsFromMessage(mustParse(t, body))
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(back, c) {
		t.Errorf("round trip => %+v; want %+v", back, c)
	}
}

func TestClockSyncRoundTrip(t *testing.T) {
	c := ClockSync{
		Time:     time.Date(2025, 5, 10, 12, 46, 6, 0, time.Local),
		DstStart: time.Date(2025, 11, 1, 0, 0, 0, 0, time.Local),
	}
	body := buildMessage(c.toMessage(1))
	if want := "01+EH+00+10/05/25 12:46:06]01/11/25]00/00/00]"; body != want {
		t.Errorf("EH => %q; want %q", body, want)
	}
	back, err := clockSyncFromMessage(mustParse(t, body))
	if err != nil {
		t.Fatal(err)
	}
	if !back.Time.Equal(c.Time) || !back.DstStart.Equal(c.DstStart) || !back.DstEnd.IsZero() {
		t.Errorf("round trip => %+v; want %+v", back, c)
	}
}

func TestBatchRoundTrip(t *testing.T) {
	b := Batch{
		Token: "ECAR",
		Count: 2,
		Rows: []BatchRow{
			{Mode: ModeInsert, Columns: []string{"1", "C2", "m1"}},
			{Mode: ModeInsert, Columns: []string{"2", "C1", "m2"}},
		},
	}
	body := buildMessage(b.toMessage(1))
	if want := "01+ECAR+00+2+I[1[C2[m1]+I[2[C1[m2]"; body != want {
		t.Errorf("ECAR => %q; want %q", body, want)
	}
	back, err := batchFromMessage(mustParse(t, body))
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(back, b) {
		t.Errorf("round trip => %+v; want %+v", back, b)
	}
}

func TestBatchModeInheritance(t *testing.T) {
	// a row without a mode letter runs under the previous row's mode
	b, err := batchFromMessage(mustParse(t, "01+EGA+00+2+I[1[turno A]2[turno B]"))
	if err != nil {
		t.Fatal(err)
	}
	if len(b.Rows) != 2 || b.Rows[1].Mode != ModeInsert {
		t.Fatalf("inherited mode => %+v", b.Rows)
	}
	if !reflect.DeepEqual(b.Rows[1].Columns, []string{"2", "turno B"}) {
		t.Errorf("row 2 columns => %v", b.Rows[1].Columns)
	}
}

func TestBatchClearAll(t *testing.T) {
	b, err := batchFromMessage(mustParse(t, "01+ECAR+00+0+L]"))
	if err != nil {
		t.Fatal(err)
	}
	if len(b.Rows) != 1 || b.Rows[0].Mode != ModeClearAll {
		t.Errorf("clear-all => %+v", b.Rows)
	}

	// L is only valid with count 0
	if _, err := batchFromMessage(mustParse(t, "01+ECAR+00+1+L]")); !errors.Is(err, ErrBadValue) {
		t.Errorf("L with count 1 => %v; want ErrBadValue", err)
	}
}

func TestBatchCountMismatch(t *testing.T) {
	if _, err := batchFromMessage(mustParse(t, "01+ECAR+00+3+I[1[C2[m1]")); !errors.Is(err, ErrBadValue) {
		t.Errorf("count mismatch => %v; want ErrBadValue", err)
	}
}

func TestRecordRequestRoundTrip(t *testing.T) {
	var tests = []struct {
		req  RecordRequest
		body string
	}{
		{RecordRequest{Filter: FilterByUncollected, Qty: 3, Args: []string{"0"}}, "01+RR+00+C]3]0"},
		{RecordRequest{Filter: FilterByNSR, Qty: 10, Args: []string{"42"}}, "01+RR+00+N]10]42"},
		{RecordRequest{Filter: FilterByDate, Qty: 5,
			Args: []string{"01/01/2025 00:00:00", "31/12/2025 23:59:59"}},
			"01+RR+00+D]5]01/01/2025 00:00:00]31/12/2025 23:59:59"},
		{RecordRequest{Filter: FilterByIndex, Qty: 1, Args: []string{"7"}}, "01+RR+00+T]1]7"},
		{RecordRequest{Filter: FilterByAddress, Qty: 2, Args: []string{"100"}}, "01+RR+00+M]2]100"},
	}
	for _, tt := range tests {
		if body := buildMessage(tt.req.toMessage(1)); body != tt.body {
			t.Errorf("RR => %q; want %q", body, tt.body)
		}
		back, err := recordRequestFromMessage(mustParse(t, tt.body))
		if err != nil {
			t.Fatal(err)
		}
		if !reflect.DeepEqual(back, tt.req) {
			t.Errorf("parse(%q) => %+v; want %+v", tt.body, back, tt.req)
		}
	}
}

func TestRecordReplyRoundTrip(t *testing.T) {
	ts := time.Date(2025, 5, 10, 8, 0, 0, 0, time.Local)
	events := []WireEvent{
		{NSR: 1, Credential: "C1", Timestamp: ts, Direction: DirectionEntry, Reader: ReaderRfid, Granted: true},
		{NSR: 2, Credential: "1234", Timestamp: ts.Add(time.Minute), Reader: ReaderKeypad},
	}
	m := recordReply(1, events)
	body := buildMessage(m)
	back, err := recordReplyEvents(mustParse(t, body))
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(back, events) {
		t.Errorf("round trip =>\n%+v; want\n%+v", back, events)
	}

	empty := buildMessage(recordReply(1, nil))
	if empty != "01+RR+00+0" {
		t.Errorf("empty reply => %q", empty)
	}
}

func TestCollectAckRoundTrip(t *testing.T) {
	a := CollectAck{Qty: 3, NSRs: []int64{1, 2, 3}}
	body := buildMessage(a.toMessage(1))
	if want := "01+ER+00+3+1,2,3]"; body != want {
		t.Errorf("ER => %q; want %q", body, want)
	}
	back, err := collectAckFromMessage(mustParse(t, body))
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(back, a) {
		t.Errorf("round trip => %+v; want %+v", back, a)
	}

	if _, err := collectAckFromMessage(mustParse(t, "01+ER+00+2+1,2,3]")); !errors.Is(err, ErrBadValue) {
		t.Errorf("qty mismatch => %v; want ErrBadValue", err)
	}
}

func TestErrorResponseShape(t *testing.T) {
	m := errorResponse(1, "ECAR", 10, "Cartão duplicado")
	body := buildMessage(m)
	if want := "01+ECAR+00+-10]Cartao duplicado]"; body != want {
		t.Errorf("error response => %q; want %q", body, want)
	}
	back := mustParse(t, body)
	if back.Field(0) != "-10" {
		t.Errorf("error code field => %q", back.Field(0))
	}
}

func TestTransliterate(t *testing.T) {
	var tests = []struct{ in, out string }{
		{"Acesso liberado", "Acesso liberado"},
		{"Cartão não cadastrado", "Cartao nao cadastrado"},
		{"Usuário inativo", "Usuario inativo"},
		{"Fora do período de validade", "Fora do periodo de validade"},
		{"você", "voce"},
		{"日本", "??"},
	}
	for _, tt := range tests {
		if got := transliterate(tt.in); got != tt.out {
			t.Errorf("transliterate(%q) => %q; want %q", tt.in, got, tt.out)
		}
	}
}

func TestPadCard(t *testing.T) {
	if got := padCard("11912322"); got != "00000000000011912322" {
		t.Errorf("padCard => %q", got)
	}
}
