// Command mock-upstream stands in for the token service, the WeChat media
// server and the scoring backend during local testing. Point the scorer at it
// with:
//
//	token_service_jsonrpc_addr: http://localhost:9000/token
//	audio_download_url: http://localhost:9000/media
//	scorer_url: ws://localhost:9000/ws
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lingochamp/open-wechat-scorer/internal/audio"
	"github.com/lingochamp/open-wechat-scorer/internal/protocol"
	"github.com/lingochamp/open-wechat-scorer/internal/scoring"
)

const mockToken = "TOKEN"

var upgrader = websocket.Upgrader{}

type mockUpstream struct {
	logger *slog.Logger
	delay  time.Duration
	voice  []byte
}

// tokenHandler answers WeChat.AccessToken
func (m *mockUpstream) tokenHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		Method string `json:"method"`
		ID     any    `json:"id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Error parsing request", http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if req.Method != "WeChat.AccessToken" {
		json.NewEncoder(w).Encode(map[string]any{
			"jsonrpc": "2.0",
			"error":   map[string]any{"code": -32601, "message": "method not found"},
			"id":      req.ID,
		})
		return
	}
	json.NewEncoder(w).Encode(map[string]any{
		"jsonrpc": "2.0",
		"result": map[string]any{
			"access_token": mockToken,
			"expires":      time.Now().Add(2 * time.Hour).Unix(),
		},
		"id": req.ID,
	})
	m.logger.Info("Token issued")
}

// mediaHandler serves the same voice asset for every media id except "missing"
func (m *mockUpstream) mediaHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("access_token") != mockToken || q.Get("media_id") == "missing" {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"errcode":40007,"errmsg":"invalid media_id"}`))
		m.logger.Info("Media rejected", slog.String("media_id", q.Get("media_id")))
		return
	}

	w.Header().Set("Content-Type", audio.ContentType)
	w.Write(m.voice)
	m.logger.Info("Media served",
		slog.String("media_id", q.Get("media_id")),
		slog.Int("bytes", len(m.voice)),
	)
}

// scorerHandler reads a session and answers with a fake score
func (m *mockUpstream) scorerHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.logger.Warn("Upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	var meta []byte
	frames, audioBytes := 0, 0
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			m.logger.Warn("Session ended early", slog.String("error", err.Error()))
			return
		}
		if bytes.Equal(data, protocol.EndMarker()) {
			break
		}
		if len(data) < protocol.LengthSize {
			continue
		}
		if meta == nil {
			meta = data[protocol.LengthSize:]
			continue
		}
		frames++
		audioBytes += len(data) - protocol.LengthSize
	}

	m.logger.Info("Scoring session received",
		slog.String("platform", r.Header.Get(scoring.PlatformHeader)),
		slog.Int("meta_bytes", len(meta)),
		slog.Int("frames", frames),
		slog.Int("audio_bytes", audioBytes),
	)

	// Simulate processing time
	time.Sleep(m.delay)

	payload, _ := json.Marshal(map[string]any{
		"status": 0,
		"result": map[string]any{
			"overall": 87,
			"frames":  frames,
		},
	})
	conn.WriteMessage(websocket.BinaryMessage, protocol.EncodeHeader(payload))
}

func main() {
	addr := flag.String("addr", ":9000", "Listen address")
	delay := flag.Duration("delay", 200*time.Millisecond, "Simulated scoring time")
	frames := flag.Int("frames", 150, "Number of speex frames in the served voice asset")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	m := &mockUpstream{
		logger: logger,
		delay:  *delay,
		voice:  bytes.Repeat([]byte{0x1e}, *frames*audio.FrameSize),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/token", m.tokenHandler)
	mux.HandleFunc("/media", m.mediaHandler)
	mux.HandleFunc("/ws", m.scorerHandler)

	logger.Info("Mock upstream starting", slog.String("address", *addr))
	if err := http.ListenAndServe(*addr, mux); err != nil {
		logger.Error("Server failed to start", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
