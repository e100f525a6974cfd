package main

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/eleven-am/speech-gateway/internal/audio"
	"github.com/eleven-am/speech-gateway/internal/transport"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const wavHeaderSize = 44

var wsConn *websocket.Conn

// speech-client streams a 16-bit mono PCM or WAV file to the gateway at real
// time pace and prints every server message it gets back.
func main() {
	if len(os.Args) < 2 {
		log.Fatal("usage: speech-client <audio.pcm|audio.wav>")
	}

	token := os.Getenv("GATEWAY_TOKEN")
	if token == "" {
		log.Fatal("GATEWAY_TOKEN env required")
	}

	gwURL := os.Getenv("GATEWAY_URL")
	if gwURL == "" {
		gwURL = "ws://localhost:8080/ws/audio"
	}

	pcm, err := readPCM(os.Args[1])
	if err != nil {
		log.Fatal("read audio:", err)
	}

	u, err := url.Parse(gwURL)
	if err != nil {
		log.Fatal("parse url:", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	fmt.Printf("[CLIENT] Connecting to %s\n", gwURL)

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		log.Fatal("dial:", err)
	}
	wsConn = conn
	defer conn.Close()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		fmt.Println("[CLIENT] Shutting down...")
		conn.Close()
		os.Exit(0)
	}()

	done := make(chan struct{})
	go readLoop(done)

	sessionID := uuid.NewString()
	start := transport.ClientMessage{
		Type:       transport.MessageTypeSessionStart,
		SessionID:  sessionID,
		SampleRate: transport.DefaultSampleRate,
		FrameMs:    transport.DefaultFrameMs,
		Model:      os.Getenv("ASR_MODEL"),
	}
	if err := send(start); err != nil {
		log.Fatal("start:", err)
	}

	streamFrames(sessionID, pcm)

	if text := os.Getenv("SPEAK_TEXT"); text != "" {
		speak(sessionID, text)
	}

	time.Sleep(time.Second)
	if err := send(transport.ClientMessage{Type: transport.MessageTypeSessionStop, SessionID: sessionID}); err != nil {
		fmt.Printf("[CLIENT] Stop error: %v\n", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
	}
}

func readPCM(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(data) >= wavHeaderSize && bytes.HasPrefix(data, []byte("RIFF")) {
		return data[wavHeaderSize:], nil
	}
	return data, nil
}

func streamFrames(sessionID string, pcm []byte) {
	size := audio.FrameBytes(transport.DefaultSampleRate, transport.DefaultFrameMs)
	ticker := time.NewTicker(transport.DefaultFrameMs * time.Millisecond)
	defer ticker.Stop()

	var seq int64
	for off := 0; off+size <= len(pcm); off += size {
		n := seq
		msg := transport.ClientMessage{
			Type:      transport.MessageTypeAudioFrame,
			SessionID: sessionID,
			Seq:       &n,
			AudioB64:  base64.StdEncoding.EncodeToString(pcm[off : off+size]),
		}
		if err := send(msg); err != nil {
			fmt.Printf("[CLIENT] Frame %d error: %v\n", seq, err)
			return
		}
		seq++
		<-ticker.C
	}

	fmt.Printf("[CLIENT] Sent %d frames\n", seq)
}

func speak(sessionID, text string) {
	for _, msg := range []transport.ClientMessage{
		{Type: transport.MessageTypeTTSStart, SessionID: sessionID},
		{Type: transport.MessageTypeTTSAppend, SessionID: sessionID, Text: text},
		{Type: transport.MessageTypeTTSCommit, SessionID: sessionID},
		{Type: transport.MessageTypeTTSFinish, SessionID: sessionID},
	} {
		if err := send(msg); err != nil {
			fmt.Printf("[CLIENT] %s error: %v\n", msg.Type, err)
			return
		}
	}
}

func readLoop(done chan<- struct{}) {
	defer close(done)

	for {
		_, data, err := wsConn.ReadMessage()
		if err != nil {
			if err != io.EOF {
				fmt.Printf("[CLIENT] Read error: %v\n", err)
			}
			return
		}

		var msg transport.ServerMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			fmt.Printf("[CLIENT] Unmarshal error: %v\n", err)
			continue
		}

		switch msg.Type {
		case transport.MessageTypeTTSAudioDelta:
			fmt.Printf("[CLIENT] %s: %d bytes\n", msg.Type, base64.StdEncoding.DecodedLen(len(msg.AudioB64)))
		case transport.MessageTypeServerError:
			fmt.Printf("[CLIENT] %s: %s %s\n", msg.Type, msg.Code, msg.Message)
		default:
			fmt.Printf("[CLIENT] %s: %s%s\n", msg.Type, msg.Message, msg.Text)
		}
	}
}

func send(msg transport.ClientMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return wsConn.WriteMessage(websocket.TextMessage, data)
}
