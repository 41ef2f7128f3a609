package main

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/websocket"
)

func statusHandler(m *appMetrics, machine *Turnstile) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		err := json.NewEncoder(w).Encode(m.Export(machine.State()))
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	}
}

func wsHandler(hub *wsHub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Upgrade(w, r, nil, 1024, 1024)
		if _, ok := err.(websocket.HandshakeError); ok {
			http.Error(w, "Not a websocket handshake", 400)
			return
		} else if err != nil {
			return
		}

		c := &uiConn{send: make(chan UIMessage, 16), ws: ws}
		hub.uiReg <- c
		defer func() {
			hub.uiUnReg <- c
		}()
		go c.writer()
		c.reader(hub)
	}
}
