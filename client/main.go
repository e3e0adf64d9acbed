package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"log"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// clientMessage mirrors the server's wire envelope.
type clientMessage struct {
	Type      string           `json:"type"`
	RequestID string           `json:"requestId,omitempty"`
	SceneID   string           `json:"sceneId,omitempty"`
	Mutation  *mutationRequest `json:"mutation,omitempty"`
}

type mutationRequest struct {
	SceneID string          `json:"sceneId"`
	LayerID string          `json:"layerId,omitempty"`
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

func send(c *websocket.Conn, msg *clientMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return c.WriteMessage(websocket.TextMessage, data)
}

var reqCounter int

func nextRequestID() string {
	reqCounter++
	return "cli-" + strconv.Itoa(reqCounter)
}

func main() {
	addr := flag.String("addr", "localhost:8080", "server address")
	token := flag.String("token", "", "JWT credential")
	flag.Parse()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)
	u := url.URL{Scheme: "ws", Host: *addr, Path: "/ws", RawQuery: "token=" + url.QueryEscape(*token)}
	log.Printf("Connecting to %s", u.Host)

	c, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		log.Fatalf("Dial failed: %v", err)
	}
	defer c.Close()

	done := make(chan struct{})

	// Read loop
	go func() {
		defer close(done)
		for {
			_, message, err := c.ReadMessage()
			if err != nil {
				log.Println("Read error:", err)
				return
			}
			log.Printf("<- RECV: %s", string(message))
		}
	}()

	log.Println("Commands:")
	log.Println("  sub <sceneId>")
	log.Println("  mutate <sceneId> <layerId> <kind> <payloadJSON>")
	log.Println("  activate <sceneId>")
	log.Println("  unsub")

	// Write loop
	reader := bufio.NewReader(os.Stdin)
	for {
		select {
		case <-done:
			return
		case <-interrupt:
			log.Println("Interrupt received, closing connection.")
			err := c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			if err != nil {
				log.Println("Write close error:", err)
			}
			select {
			case <-done:
			case <-time.After(time.Second):
			}
			return
		default:
			text, _ := reader.ReadString('\n')
			fields := strings.Fields(strings.TrimSpace(text))
			if len(fields) == 0 {
				continue
			}

			var msg *clientMessage
			switch fields[0] {
			case "sub":
				if len(fields) < 2 {
					log.Println("usage: sub <sceneId>")
					continue
				}
				msg = &clientMessage{Type: "subscribe", RequestID: nextRequestID(), SceneID: fields[1]}
			case "unsub":
				msg = &clientMessage{Type: "unsubscribe", RequestID: nextRequestID()}
			case "activate":
				if len(fields) < 2 {
					log.Println("usage: activate <sceneId>")
					continue
				}
				msg = &clientMessage{
					Type:      "mutate",
					RequestID: nextRequestID(),
					Mutation:  &mutationRequest{SceneID: fields[1], Kind: "scene.activate", Payload: json.RawMessage("{}")},
				}
			case "mutate":
				if len(fields) < 5 {
					log.Println("usage: mutate <sceneId> <layerId> <kind> <payloadJSON>")
					continue
				}
				payload := strings.Join(fields[4:], " ")
				msg = &clientMessage{
					Type:      "mutate",
					RequestID: nextRequestID(),
					Mutation: &mutationRequest{
						SceneID: fields[1],
						LayerID: fields[2],
						Kind:    fields[3],
						Payload: json.RawMessage(payload),
					},
				}
			default:
				log.Printf("unknown command %q", fields[0])
				continue
			}

			if err := send(c, msg); err != nil {
				log.Println("Write error:", err)
				return
			}
			log.Printf("-> SENT: %s", msg.Type)
		}
	}
}
