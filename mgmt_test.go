package main

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMgmt(t *testing.T) (*mgmtHandler, *Catalog) {
	t.Helper()
	cat := testCatalog(t)
	cfg := newConfigHolder(defaultConfig())
	h := newMgmtHandler(cfg, cat, newTestTurnstile(t, cfg, cat).machine)
	return h, cat
}

func dispatchBody(t *testing.T, h *mgmtHandler, body string) Message {
	t.Helper()
	return h.Dispatch(mustParse(t, body))
}

func seedEvents(t *testing.T, cat *Catalog, n int) {
	t.Helper()
	base := time.Date(2025, 5, 10, 8, 0, 0, 0, time.Local)
	for i := 0; i < n; i++ {
		_, err := cat.RecordAccess(AccessEvent{
			Credential: "00000000000011912322",
			Timestamp:  base.Add(time.Duration(i) * time.Minute),
			Direction:  int(DirectionEntry),
			Reader:     int(ReaderRfid),
			Granted:    true,
		})
		require.NoError(t, err)
	}
}

// Scenario: RR+C delivers, ER acks, RNC reflects; without the ack the same
// events are served again.
func TestUncollectedRetrievalWithAck(t *testing.T) {
	h, cat := testMgmt(t)
	seedEvents(t, cat, 5)

	resp := dispatchBody(t, h, "01+RR+00+C]3]0")
	events, err := recordReplyEvents(resp)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.EqualValues(t, 1, events[0].NSR)
	assert.EqualValues(t, 3, events[2].NSR)

	resp = dispatchBody(t, h, "01+ER+00+3+1,2,3]")
	assert.Equal(t, "ER", resp.Command)
	assert.Equal(t, "00+3", resp.Opcode)

	resp = dispatchBody(t, h, "01+RQ+00+RNC")
	assert.Equal(t, []string{"RNC", "2"}, resp.Fields)

	resp = dispatchBody(t, h, "01+RR+00+C]3]0")
	events, err = recordReplyEvents(resp)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.EqualValues(t, 4, events[0].NSR)
}

func TestUncollectedRetrievalWithoutAck(t *testing.T) {
	h, cat := testMgmt(t)
	seedEvents(t, cat, 5)

	first := dispatchBody(t, h, "01+RR+00+C]3]0")
	second := dispatchBody(t, h, "01+RR+00+C]3]0")
	a, err := recordReplyEvents(first)
	require.NoError(t, err)
	b, err := recordReplyEvents(second)
	require.NoError(t, err)
	assert.Equal(t, a, b, "unacked events must be redelivered")
}

func TestCollectAckRejectsUndelivered(t *testing.T) {
	h, cat := testMgmt(t)
	seedEvents(t, cat, 5)

	dispatchBody(t, h, "01+RR+00+C]2]0")
	resp := dispatchBody(t, h, "01+ER+00+1+5]")
	assert.Equal(t, "-11", resp.Field(0), "acking an undelivered NSR is a reference error")

	n, err := cat.CountUncollected()
	require.NoError(t, err)
	assert.EqualValues(t, 5, n)
}

// Scenario: duplicate batch insert rolls back and answers a command error.
func TestBatchDuplicateAnswersError(t *testing.T) {
	h, cat := testMgmt(t)
	dispatchBody(t, h, "01+ECAR+00+1+I[1[CARD1[m1]")

	resp := dispatchBody(t, h, "01+ECAR+00+2+I[2[CARD2[m2]+I[3[CARD1[m3]")
	assert.Equal(t, "ECAR", resp.Command)
	assert.True(t, strings.HasPrefix(resp.Field(0), "-"), "error response carries a negative code")

	n, err := cat.CountCards()
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	resp = dispatchBody(t, h, "01+RQ+00+C")
	assert.Equal(t, []string{"C", "1"}, resp.Fields)
}

func TestBatchInsertAndReply(t *testing.T) {
	h, _ := testMgmt(t)
	resp := dispatchBody(t, h, "01+EU+00+1+I[m1[Ana[1234[1[[[1[0[1[]")
	assert.Equal(t, "RU", resp.Command)
	assert.Equal(t, "00+1", resp.Opcode)

	resp = dispatchBody(t, h, "01+RQ+00+U")
	assert.Equal(t, []string{"U", "1"}, resp.Fields)
}

func TestConfigSetUnknownKeyAnswersError(t *testing.T) {
	h, _ := testMgmt(t)
	resp := dispatchBody(t, h, "01+EC+00+no.such.key[1]")
	assert.Equal(t, "EC", resp.Command)
	assert.Equal(t, "-1", resp.Field(0))
}

func TestConfigSetAndReply(t *testing.T) {
	h, _ := testMgmt(t)
	resp := dispatchBody(t, h, "01+EC+00+anti_passback.minutes[10]mode.fallback_offline[H]")
	assert.Equal(t, "RC", resp.Command)
	pairs, err := configPairsFromMessage(resp)
	require.NoError(t, err)
	assert.Contains(t, pairs.Pairs, ConfigPair{Key: "anti_passback.minutes", Value: "10"})
	assert.Contains(t, pairs.Pairs, ConfigPair{Key: "mode.fallback_offline", Value: "H"})

	snap := h.cfg.Get()
	assert.Equal(t, 10, snap.AntiPassbackMin)
	assert.True(t, snap.FallbackOffline)
}

func TestClockSyncShiftsDeviceClock(t *testing.T) {
	h, _ := testMgmt(t)
	target := time.Now().Add(2 * time.Hour).Truncate(time.Second)
	body := buildMessage(ClockSync{Time: target}.toMessage(1))

	resp := dispatchBody(t, h, body)
	assert.Equal(t, "RH", resp.Command)
	assert.WithinDuration(t, target, h.now(), 2*time.Second)
}

func TestStatusQueries(t *testing.T) {
	h, cat := testMgmt(t)
	seedEvents(t, cat, 2)

	var tests = []struct {
		body  string
		param string
		value string
	}{
		{"01+RQ+00+R", "R", "2"},
		{"01+RQ+00+RNC", "RNC", "2"},
		{"01+RQ+00+U", "U", "0"},
		{"01+RQ+00+TP", "TP", "A"},
		{"01+RQ+00+PP", "PP", "0"},
	}
	for _, tt := range tests {
		resp := dispatchBody(t, h, tt.body)
		assert.Equal(t, []string{tt.param, tt.value}, resp.Fields, tt.body)
	}

	resp := dispatchBody(t, h, "01+RQ+00+SP")
	assert.Equal(t, []string{"SP", "50", "60"}, resp.Fields)

	resp = dispatchBody(t, h, "01+RQ+00+ZZ")
	assert.Equal(t, "-12", resp.Field(0))
}

func TestUnknownTokenAnswersError(t *testing.T) {
	h, _ := testMgmt(t)
	resp := dispatchBody(t, h, "01+XY+00+1]")
	assert.Equal(t, "XY", resp.Command)
	assert.Equal(t, "-99", resp.Field(0))
}
