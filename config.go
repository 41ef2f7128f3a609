package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
	"sync"

	"github.com/ansel1/merry/v2"
	"github.com/loggo/loggo"
)

var cfgLogger = loggo.GetLogger("config")

var ErrConfig = merry.Sentinel("config: invalid configuration")

// ConfigSnapshot is the device configuration in effect. It is loaded once at
// boot and republished atomically through configHolder on reload.
type ConfigSnapshot struct {
	DeviceID       int
	DisplayMessage string
	Volume         int

	Online          bool
	FallbackOffline bool
	TimeoutOnMS     int
	OfflineWaitS    int

	TCPMode string // "server" or "client"
	IP      string
	Port    int

	FramingFailureLimit int

	Readers map[int]string // slot -> rfid|keypad|biometric|wiegand|disabled

	BioSensitivity   int
	BioSecurityLevel int

	AntiPassbackMin int

	RotationDelayMS int
	RotationWaitMS  int

	HTTPPort  string
	LogLevels string
	ErrorLog  string
}

func defaultConfig() ConfigSnapshot {
	return ConfigSnapshot{
		DeviceID:            1,
		DisplayMessage:      "Aproxime o cartao",
		Volume:              5,
		Online:              true,
		FallbackOffline:     false,
		TimeoutOnMS:         3000,
		OfflineWaitS:        30,
		TCPMode:             "client",
		IP:                  "127.0.0.1",
		Port:                3000,
		FramingFailureLimit: 16,
		Readers:             map[int]string{1: "rfid", 2: "keypad"},
		BioSensitivity:      50,
		BioSecurityLevel:    60,
		AntiPassbackMin:     0,
		RotationDelayMS:     2000,
		RotationWaitMS:      5000,
		HTTPPort:            "8899",
		LogLevels:           "<root>=WARNING;frame=INFO;turnstile=INFO;transport=INFO;mgmt=INFO;catalog=INFO;ws=INFO;main=INFO",
		ErrorLog:            "errors.log",
	}
}

// loadConfigFile reads the JSON keyed map and applies it over defaults.
// Unknown keys are rejected, not ignored.
func loadConfigFile(path string) (ConfigSnapshot, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return ConfigSnapshot{}, err
	}
	return parseConfig(b)
}

func parseConfig(b []byte) (ConfigSnapshot, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return ConfigSnapshot{}, merry.Wrap(ErrConfig, merry.WithCause(err))
	}
	snap := defaultConfig()
	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := applyKey(&snap, k, raw[k]); err != nil {
			return ConfigSnapshot{}, err
		}
	}
	return snap, nil
}

func applyKey(snap *ConfigSnapshot, key string, raw json.RawMessage) error {
	switch key {
	case "device.id":
		return intKey(raw, key, 1, 99, &snap.DeviceID)
	case "device.display_message":
		s, err := stringKey(raw, key)
		if err != nil {
			return err
		}
		if len(s) > 40 {
			return badKey(key, "display message exceeds 40 chars")
		}
		snap.DisplayMessage = transliterate(s)
		return nil
	case "device.volume":
		return intKey(raw, key, 2, 9, &snap.Volume)
	case "mode.online":
		return boolKey(raw, key, &snap.Online)
	case "mode.fallback_offline":
		return boolKey(raw, key, &snap.FallbackOffline)
	case "mode.fallback_timeout_ms":
		return intKey(raw, key, 500, 10000, &snap.TimeoutOnMS)
	case "mode.offline_wait_s":
		return intKey(raw, key, 2, 600, &snap.OfflineWaitS)
	case "network.tcp_mode":
		s, err := stringKey(raw, key)
		if err != nil {
			return err
		}
		if s != "server" && s != "client" {
			return badKey(key, "must be server or client")
		}
		snap.TCPMode = s
		return nil
	case "network.ip":
		return stringKeyInto(raw, key, &snap.IP)
	case "network.port":
		return intKey(raw, key, 1, 65535, &snap.Port)
	case "network.framing_failure_limit":
		return intKey(raw, key, 1, 1024, &snap.FramingFailureLimit)
	case "readers.1", "readers.2", "readers.3", "readers.4":
		s, err := stringKey(raw, key)
		if err != nil {
			return err
		}
		switch s {
		case "rfid", "keypad", "biometric", "wiegand", "disabled":
		default:
			return badKey(key, "unknown reader kind "+s)
		}
		slot := int(key[len(key)-1] - '0')
		snap.Readers[slot] = s
		return nil
	case "biometrics.sensitivity":
		return intKey(raw, key, 48, 55, &snap.BioSensitivity)
	case "biometrics.security_level":
		return intKey(raw, key, 48, 82, &snap.BioSecurityLevel)
	case "anti_passback.minutes":
		return intKey(raw, key, 0, 999999, &snap.AntiPassbackMin)
	case "rotation.simulate_delay_ms":
		return intKey(raw, key, 0, 60000, &snap.RotationDelayMS)
	case "rotation.wait_ms":
		return intKey(raw, key, 0, 60000, &snap.RotationWaitMS)
	case "http.port":
		return stringKeyInto(raw, key, &snap.HTTPPort)
	case "log.levels":
		return stringKeyInto(raw, key, &snap.LogLevels)
	case "log.error_file":
		return stringKeyInto(raw, key, &snap.ErrorLog)
	}
	return merry.Wrap(ErrConfig, merry.AppendMessagef("unknown key %q", key))
}

func badKey(key, why string) error {
	return merry.Wrap(ErrConfig, merry.AppendMessagef("key %q: %s", key, why))
}

func intKey(raw json.RawMessage, key string, min, max int, into *int) error {
	var v int
	if err := json.Unmarshal(raw, &v); err != nil {
		return badKey(key, "not an integer")
	}
	if v < min || v > max {
		return badKey(key, fmt.Sprintf("%d outside [%d,%d]", v, min, max))
	}
	*into = v
	return nil
}

func boolKey(raw json.RawMessage, key string, into *bool) error {
	if err := json.Unmarshal(raw, into); err != nil {
		return badKey(key, "not a boolean")
	}
	return nil
}

func stringKey(raw json.RawMessage, key string) (string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", badKey(key, "not a string")
	}
	return s, nil
}

func stringKeyInto(raw json.RawMessage, key string, into *string) error {
	s, err := stringKey(raw, key)
	if err != nil {
		return err
	}
	*into = s
	return nil
}

// configHolder hands out read snapshots and serializes reloads. Components
// never cache a snapshot across suspension points; each read gets a fresh
// copy.
type configHolder struct {
	mu   sync.RWMutex
	snap ConfigSnapshot
}

func newConfigHolder(snap ConfigSnapshot) *configHolder {
	return &configHolder{snap: snap}
}

func (h *configHolder) Get() ConfigSnapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()
	snap := h.snap
	readers := make(map[int]string, len(snap.Readers))
	for k, v := range snap.Readers {
		readers[k] = v
	}
	snap.Readers = readers
	return snap
}

// Reload re-reads the file and applies hot keys only: display message,
// reader enables and the timing knobs. Cold changes are logged and deferred
// to the next restart.
func (h *configHolder) Reload(path string) error {
	next, err := loadConfigFile(path)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.snap.DisplayMessage = next.DisplayMessage
	h.snap.TimeoutOnMS = next.TimeoutOnMS
	h.snap.OfflineWaitS = next.OfflineWaitS
	h.snap.RotationDelayMS = next.RotationDelayMS
	h.snap.RotationWaitMS = next.RotationWaitMS
	h.snap.AntiPassbackMin = next.AntiPassbackMin
	h.snap.FramingFailureLimit = next.FramingFailureLimit
	h.snap.Readers = next.Readers
	if next.DeviceID != h.snap.DeviceID || next.TCPMode != h.snap.TCPMode ||
		next.IP != h.snap.IP || next.Port != h.snap.Port || next.Online != h.snap.Online {
		cfgLogger.Warningf("cold config keys changed; restart required to apply them")
	}
	return nil
}

// Set applies a single EC key change. Wire keys use the same dotted names as
// the file; boolean keys take the firmware H (enabled) / D (disabled) flags.
func (h *configHolder) Set(key, value string) error {
	raw, err := wireValueToJSON(key, value)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return applyKey(&h.snap, key, raw)
}

// ecBoolKeys lists the EC keys taking H/D flags. The flags mean
// enabled/disabled for every key here; anti_passback.minutes stays numeric
// and is deliberately absent from this table.
var ecBoolKeys = map[string]bool{
	"mode.online":           true,
	"mode.fallback_offline": true,
}

func wireValueToJSON(key, value string) (json.RawMessage, error) {
	if ecBoolKeys[key] {
		switch value {
		case "H":
			return json.RawMessage("true"), nil
		case "D":
			return json.RawMessage("false"), nil
		}
		return nil, merry.Wrap(ErrOutOfRange, merry.AppendMessagef("key %q wants H or D, got %q", key, value))
	}
	if _, err := strconv.Atoi(value); err == nil {
		return json.RawMessage(value), nil
	}
	b, _ := json.Marshal(value)
	return json.RawMessage(b), nil
}

// pairsFor renders the RC reply for a set of requested keys (all known keys
// when the request names none).
func (h *configHolder) pairsFor(keys []string) ([]ConfigPair, error) {
	snap := h.Get()
	all := map[string]string{
		"device.id":                  strconv.Itoa(snap.DeviceID),
		"device.display_message":     snap.DisplayMessage,
		"device.volume":              strconv.Itoa(snap.Volume),
		"mode.online":                hdFlag(snap.Online),
		"mode.fallback_offline":      hdFlag(snap.FallbackOffline),
		"mode.fallback_timeout_ms":   strconv.Itoa(snap.TimeoutOnMS),
		"mode.offline_wait_s":        strconv.Itoa(snap.OfflineWaitS),
		"anti_passback.minutes":      strconv.Itoa(snap.AntiPassbackMin),
		"rotation.simulate_delay_ms": strconv.Itoa(snap.RotationDelayMS),
		"rotation.wait_ms":           strconv.Itoa(snap.RotationWaitMS),
		"biometrics.sensitivity":     strconv.Itoa(snap.BioSensitivity),
		"biometrics.security_level":  strconv.Itoa(snap.BioSecurityLevel),
	}
	if len(keys) == 0 {
		keys = make([]string, 0, len(all))
		for k := range all {
			keys = append(keys, k)
		}
		sort.Strings(keys)
	}
	pairs := make([]ConfigPair, 0, len(keys))
	for _, k := range keys {
		v, ok := all[k]
		if !ok {
			return nil, merry.Wrap(ErrUnknownKey, merry.AppendMessagef("key %q", k))
		}
		pairs = append(pairs, ConfigPair{Key: k, Value: v})
	}
	return pairs, nil
}

func hdFlag(b bool) string {
	if b {
		return "H"
	}
	return "D"
}
