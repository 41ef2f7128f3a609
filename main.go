package main

import (
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/ansel1/merry/v2"
	"github.com/joho/godotenv"
	"github.com/loggo/loggo"

	_ "net/http/pprof"
)

// APPLICATION STATE

var (
	cfg     *configHolder
	cat     *Catalog
	hub     *wsHub
	machine *Turnstile
	logger  = loggo.GetLogger("main")
)

const writeTimeout = 5 * time.Second

// APPLICATION ENTRY POINT

func main() {
	// SETUP
	godotenv.Load()

	configPath := os.Getenv("TURNKEY_CONFIG")
	if configPath == "" {
		configPath = "config.json"
	}
	snap, err := loadConfigFile(configPath)
	if err != nil {
		snap = defaultConfig()
		logger.Warningf("No usable %s (%v), using standard values", configPath, err)
	}
	cfg = newConfigHolder(snap)

	loggo.ConfigureLoggers(snap.LogLevels)
	if file, err := os.Create(snap.ErrorLog); err == nil {
		err = loggo.RegisterWriter("file",
			loggo.NewMinimumLevelWriter(loggo.NewSimpleWriter(file, loggo.DefaultFormatter), loggo.WARNING))
		if err != nil {
			logger.Warningf(err.Error())
		}
	}

	dbPath := os.Getenv("TURNKEY_DB")
	if dbPath == "" {
		dbPath = "turnkey.db"
	}
	cat, err = openCatalog(dbPath)
	if err != nil {
		logger.Errorf("cannot open catalog %s: %v", dbPath, err)
		os.Exit(1)
	}

	appStats := registerMetrics()
	hub = newWsHub(appStats)

	display := newSimDisplay(hub)
	dispatcher := newDispatcher()
	registerReaders(dispatcher, snap)

	// TCP PEER

	addr := snap.IP + ":" + formatPort(snap.Port)
	var transport *Transport
	if snap.TCPMode == "server" {
		logger.Infof("Waiting for peer on %v", addr)
		transport, err = acceptTransport(addr, snap.FramingFailureLimit)
	} else {
		logger.Infof("Connecting to validation server at %v", addr)
		transport, err = dialTransport(addr, 10*time.Second, snap.FramingFailureLimit)
	}
	if err != nil {
		logger.Errorf("no connection to peer: %v", err)
		os.Exit(1)
	}

	toWire := make(chan Message, 32)
	send := func(m Message) error {
		select {
		case toWire <- m:
			return nil
		default:
			return merry.Wrap(ErrWriteTimeout, merry.AppendMessage("wire queue full"))
		}
	}

	online := newOnlineValidator(cfg, send)
	offline := newOfflineValidator(cfg, cat)
	machine = newTurnstile(cfg, display, cat, online, offline, dispatcher.Events(), send)

	// START SERVICES

	logger.Infof("Starting websocket hub")
	go hub.run()

	logger.Infof("Starting peripheral dispatcher")
	dispatcher.Start()

	logger.Infof("Starting turnstile state machine, device ID %02d", snap.DeviceID)
	go machine.run()

	go wireWriter(transport, toWire)
	go networkLoop(transport, online, newMgmtHandler(cfg, cat, machine), send)

	go watchReload(configPath)

	http.HandleFunc("/.status", statusHandler(appStats, machine))
	http.HandleFunc("/ws", wsHandler(hub))

	logger.Infof("Starting HTTP server, listening at port %v", snap.HTTPPort)
	http.ListenAndServe(":"+snap.HTTPPort, nil)
}

// registerReaders builds the device variants the config names. Browser UIs
// drive the mocks through the websocket hub.
func registerReaders(d *Dispatcher, snap ConfigSnapshot) {
	for slot := 1; slot <= 4; slot++ {
		switch snap.Readers[slot] {
		case "rfid":
			mock := NewMockRfid()
			hub.onCard = mock.Inject
			if err := d.RegisterRfid(AnyRfid{Mock: mock}); err != nil {
				logger.Warningf("reader slot %d: %v", slot, err)
			}
		case "wiegand":
			if err := d.RegisterRfid(AnyRfid{Wiegand: NewWiegandReader()}); err != nil {
				logger.Warningf("reader slot %d: %v", slot, err)
			}
		case "keypad":
			if err := d.RegisterKeypad(AnyKeypad{WS: newWsKeypad(hub.keys)}); err != nil {
				logger.Warningf("reader slot %d: %v", slot, err)
			}
		case "biometric":
			mock := NewMockBiometric()
			hub.onFingerprint = mock.Inject
			if err := d.RegisterBiometric(AnyBiometric{Mock: mock}); err != nil {
				logger.Warningf("reader slot %d: %v", slot, err)
			}
		case "disabled", "":
		default:
			logger.Warningf("reader slot %d: unknown kind %q", slot, snap.Readers[slot])
		}
	}
}

// wireWriter drains outgoing messages onto the connection.
func wireWriter(t *Transport, toWire <-chan Message) {
	for m := range toWire {
		frame, err := encodeFrame(m.DeviceID, []byte(buildMessage(m)))
		if err != nil {
			logger.Errorf("encoding outgoing frame: %v", err)
			continue
		}
		if err := t.Send(frame, writeTimeout); err != nil {
			logger.Errorf("writing frame: %v", err)
			return
		}
	}
}

// networkLoop reads frames off the connection and routes them: access
// decisions to the validator, everything else to the management handler.
// There is no reconnection; when the peer goes away the loop ends.
func networkLoop(t *Transport, online *onlineValidator, mgmt *mgmtHandler, send func(Message) error) {
	for {
		frameID, body, err := t.Recv(0)
		if err != nil {
			logger.Warningf("network loop ending: %v", err)
			return
		}
		framesDecoded.Inc(1)
		m, err := parseMessage(string(body))
		if err != nil {
			logger.Warningf("unparseable body from peer: %v", err)
			continue
		}
		if m.Command == cmdReon {
			if err := online.Deliver(frameID, m); err != nil {
				logger.Infof("skipping REON message: %v", err)
			}
			continue
		}
		if err := send(mgmt.Dispatch(m)); err != nil {
			logger.Errorf("queueing management response: %v", err)
		}
	}
}

// watchReload re-reads the hot config keys on SIGHUP.
func watchReload(path string) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGHUP)
	for range ch {
		if err := cfg.Reload(path); err != nil {
			logger.Errorf("config reload failed: %v", err)
			continue
		}
		logger.Infof("config reloaded from %s", path)
	}
}

func formatPort(p int) string {
	if p <= 0 {
		return "3000"
	}
	return strconv.Itoa(p)
}
