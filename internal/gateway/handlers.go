package gateway

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	CheckOrigin:       func(r *http.Request) bool { return true },
	EnableCompression: true,
}

// SetCORS sets CORS headers for REST endpoints.
func SetCORS(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
}

// RegisterRoutes mounts the WebSocket endpoint and the REST helpers:
//
//	GET /ws?since=<seq>   frame stream
//	GET /api/frame        composed full frame of the current series
//	GET /api/stats        client count, last seq, delivery delay per message kind
func RegisterRoutes(mux *http.ServeMux, hub *Hub) {
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		since := int64(-1)
		if s := r.URL.Query().Get("since"); s != "" {
			v, err := strconv.ParseInt(s, 10, 64)
			if err != nil || v < 0 {
				http.Error(w, "bad since", http.StatusBadRequest)
				return
			}
			since = v
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			hub.log.Warn("ws upgrade failed", zap.Error(err))
			return
		}
		conn.EnableWriteCompression(true)
		hub.Register(conn, since)
	})

	mux.HandleFunc("/api/frame", func(w http.ResponseWriter, r *http.Request) {
		SetCORS(w)
		f, seq, ok := hub.Current()
		if !ok {
			http.Error(w, "no frame yet", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Frame-Seq", strconv.FormatInt(seq, 10))
		w.Write(f.JSON())
	})

	mux.HandleFunc("/api/stats", func(w http.ResponseWriter, r *http.Request) {
		SetCORS(w)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"clients":  hub.ClientCount(),
			"seq":      hub.Seq(),
			"delivery": hub.Delivery.Summaries(),
		})
	})
}
