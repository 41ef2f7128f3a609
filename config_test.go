package main

import (
	"errors"
	"testing"
)

func TestParseConfigDefaults(t *testing.T) {
	snap, err := parseConfig([]byte(`{}`))
	if err != nil {
		t.Fatal(err)
	}
	if snap.DeviceID != 1 || snap.TimeoutOnMS != 3000 || snap.TCPMode != "client" {
		t.Errorf("defaults => %+v", snap)
	}
}

func TestParseConfig(t *testing.T) {
	snap, err := parseConfig([]byte(`{
		"device.id": 15,
		"device.display_message": "Aproxime o cartão",
		"mode.online": true,
		"mode.fallback_offline": true,
		"mode.fallback_timeout_ms": 500,
		"network.tcp_mode": "server",
		"network.port": 3000,
		"readers.1": "rfid",
		"readers.2": "keypad",
		"anti_passback.minutes": 10,
		"rotation.simulate_delay_ms": 2000
	}`))
	if err != nil {
		t.Fatal(err)
	}
	if snap.DeviceID != 15 {
		t.Errorf("device.id => %d", snap.DeviceID)
	}
	if snap.DisplayMessage != "Aproxime o cartao" {
		t.Errorf("display message not transliterated: %q", snap.DisplayMessage)
	}
	if !snap.FallbackOffline || snap.TimeoutOnMS != 500 {
		t.Errorf("mode keys => %+v", snap)
	}
	if snap.Readers[1] != "rfid" || snap.Readers[2] != "keypad" {
		t.Errorf("readers => %v", snap.Readers)
	}
}

func TestParseConfigRejectsUnknownKey(t *testing.T) {
	_, err := parseConfig([]byte(`{"device.idd": 15}`))
	if !errors.Is(err, ErrConfig) {
		t.Errorf("unknown key => %v; want ErrConfig", err)
	}
}

func TestParseConfigRejectsOutOfRange(t *testing.T) {
	var tests = []string{
		`{"device.id": 0}`,
		`{"device.id": 100}`,
		`{"mode.fallback_timeout_ms": 400}`,
		`{"mode.fallback_timeout_ms": 10001}`,
		`{"device.volume": 1}`,
		`{"biometrics.sensitivity": 56}`,
		`{"network.tcp_mode": "peer"}`,
		`{"readers.1": "barcode"}`,
	}
	for _, in := range tests {
		if _, err := parseConfig([]byte(in)); !errors.Is(err, ErrConfig) {
			t.Errorf("%s => %v; want ErrConfig", in, err)
		}
	}
}

func TestConfigHolderSetWireFlags(t *testing.T) {
	h := newConfigHolder(defaultConfig())

	if err := h.Set("mode.online", "D"); err != nil {
		t.Fatal(err)
	}
	if h.Get().Online {
		t.Error("mode.online D should disable")
	}
	if err := h.Set("mode.online", "H"); err != nil {
		t.Fatal(err)
	}
	if !h.Get().Online {
		t.Error("mode.online H should enable")
	}
	if err := h.Set("mode.online", "X"); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("bad flag => %v; want ErrOutOfRange", err)
	}
	if err := h.Set("anti_passback.minutes", "10"); err != nil {
		t.Fatal(err)
	}
	if h.Get().AntiPassbackMin != 10 {
		t.Errorf("anti_passback.minutes => %d", h.Get().AntiPassbackMin)
	}
	if err := h.Set("no.such.key", "1"); !errors.Is(err, ErrConfig) {
		t.Errorf("unknown EC key => %v; want ErrConfig", err)
	}
}

func TestConfigPairsForUnknownKey(t *testing.T) {
	h := newConfigHolder(defaultConfig())
	if _, err := h.pairsFor([]string{"no.such.key"}); !errors.Is(err, ErrUnknownKey) {
		t.Errorf("pairsFor unknown => %v; want ErrUnknownKey", err)
	}
	pairs, err := h.pairsFor([]string{"device.id", "mode.online"})
	if err != nil {
		t.Fatal(err)
	}
	if len(pairs) != 2 || pairs[0].Value != "1" || pairs[1].Value != "H" {
		t.Errorf("pairsFor => %+v", pairs)
	}
}

func TestConfigSnapshotIsolation(t *testing.T) {
	h := newConfigHolder(defaultConfig())
	snap := h.Get()
	snap.Readers[1] = "tampered"
	if h.Get().Readers[1] == "tampered" {
		t.Error("snapshot shares reader map with holder")
	}
}
