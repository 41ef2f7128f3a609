package main

import (
	"encoding/hex"

	"github.com/gorilla/websocket"
	"github.com/loggo/loggo"
)

var wsLogger = loggo.GetLogger("ws")

type uiConn struct {
	ws   *websocket.Conn
	send chan UIMessage
}

func (c *uiConn) writer() {
	for message := range c.send {
		err := c.ws.WriteJSON(message)
		if err != nil {
			break
		}
	}
}

func (c *uiConn) reader(h *wsHub) {
	for {
		var m UIMessage
		if err := c.ws.ReadJSON(&m); err != nil {
			break
		}
		wsLogger.Infof("<- UI[%v] %v", addr2IP(c.ws.RemoteAddr().String()), m.Type)
		h.incoming <- m
	}
}

// wsHub fans display updates out to connected browser UIs and feeds their
// simulated inputs (keystrokes, card taps, fingerprints) back into the
// peripheral layer.
type wsHub struct {
	connections map[*uiConn]bool
	uiReg       chan *uiConn // Register connection
	uiUnReg     chan *uiConn // Unregister connection

	broadcast chan UIMessage // Outgoing display/state updates
	incoming  chan UIMessage // Simulated inputs from UIs

	// Producers behind the device variants. keys backs the websocket
	// keypad; the injectors are set when the matching mock is registered.
	keys          chan keypadEntry
	onCard        func(uid string)
	onFingerprint func(template []byte, quality uint8)

	metrics *appMetrics
}

func newWsHub(m *appMetrics) *wsHub {
	return &wsHub{
		connections: make(map[*uiConn]bool),
		uiReg:       make(chan *uiConn),
		uiUnReg:     make(chan *uiConn),
		broadcast:   make(chan UIMessage, 16),
		incoming:    make(chan UIMessage, 16),
		keys:        make(chan keypadEntry, 8),
		metrics:     m,
	}
}

func (h *wsHub) run() {
	for {
		select {
		case c := <-h.uiReg:
			h.connections[c] = true
			h.metrics.UIsConnected.Inc(1)
			wsLogger.Infof("WS   Connected")
		case c := <-h.uiUnReg:
			if _, ok := h.connections[c]; !ok {
				break
			}
			delete(h.connections, c)
			close(c.send)
			h.metrics.UIsConnected.Dec(1)
			wsLogger.Infof("WS   Disconnected")
		case msg := <-h.broadcast:
			for c := range h.connections {
				select {
				case c.send <- msg:
				default:
					close(c.send)
					delete(h.connections, c)
					h.metrics.UIsConnected.Dec(1)
				}
			}
		case msg := <-h.incoming:
			h.dispatchInput(msg)
		}
	}
}

func (h *wsHub) dispatchInput(msg UIMessage) {
	switch msg.Type {
	case "KEY":
		select {
		case h.keys <- keypadEntry{digits: msg.Digits, term: parseTerminator(msg.Terminator)}:
		default:
			wsLogger.Warningf("keypad queue full; dropping UI entry")
		}
	case "CARD":
		if h.onCard != nil {
			h.onCard(msg.UID)
		}
	case "FINGER":
		if h.onFingerprint == nil {
			break
		}
		template, err := hex.DecodeString(msg.Template)
		if err != nil {
			wsLogger.Warningf("UI fingerprint is not hex; dropped")
			break
		}
		h.onFingerprint(template, uint8(msg.Quality))
	default:
		wsLogger.Warningf("unknown UI message type %q", msg.Type)
	}
}

func parseTerminator(s string) KeypadTerminator {
	switch s {
	case "cancel":
		return KeyCancel
	case "clear":
		return KeyClear
	case "timeout":
		return KeyTimeout
	}
	return KeyEnter
}
