package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(_ *http.Request) bool { return true }}

type wsMessage struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type wsSubscribePayload struct {
	Topic string `json:"topic"`
}

// EventsWSHandler streams planner and world events over a WebSocket.
// Clients send connection_init, then subscribe with a topic ("plan",
// "zone", "drone", "delivery" or "*").
func (s *Server) EventsWSHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer func() { _ = conn.Close() }()

	type sub struct {
		topic string
		ch    chan Event
		done  chan struct{}
	}
	subs := map[string]sub{}
	defer func() {
		for _, sb := range subs {
			close(sb.done)
			s.Broker.Unsubscribe(sb.topic, sb.ch)
		}
	}()

	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error { _ = conn.SetReadDeadline(time.Now().Add(60 * time.Second)); return nil })

	writeMu := make(chan struct{}, 1)
	writeMu <- struct{}{}
	write := func(v any) error {
		<-writeMu
		defer func() { writeMu <- struct{}{} }()
		return conn.WriteJSON(v)
	}

	for {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		switch msg.Type {
		case "connection_init":
			_ = write(wsMessage{Type: "connection_ack"})
			go func() {
				ticker := time.NewTicker(20 * time.Second)
				defer ticker.Stop()
				for range ticker.C {
					if err := write(wsMessage{Type: "ping"}); err != nil {
						return
					}
				}
			}()
		case "ping":
			_ = write(wsMessage{Type: "pong"})
		case "subscribe":
			var pl wsSubscribePayload
			_ = json.Unmarshal(msg.Payload, &pl)
			if pl.Topic == "" {
				pl.Topic = "*"
			}
			if _, exists := subs[msg.ID]; exists {
				continue
			}
			sb := sub{topic: pl.Topic, ch: s.Broker.Subscribe(pl.Topic), done: make(chan struct{})}
			subs[msg.ID] = sb
			go func(id string, sb sub) {
				for {
					select {
					case <-sb.done:
						return
					case evt, ok := <-sb.ch:
						if !ok {
							return
						}
						body, _ := json.Marshal(evt)
						if err := write(wsMessage{Type: "next", ID: id, Payload: body}); err != nil {
							return
						}
					}
				}
			}(msg.ID, sb)
		case "complete":
			if sb, ok := subs[msg.ID]; ok {
				close(sb.done)
				s.Broker.Unsubscribe(sb.topic, sb.ch)
				delete(subs, msg.ID)
			}
		}
	}
}
