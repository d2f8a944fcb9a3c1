package stream

import (
	"fmt"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/finsight-ai/finsight/pkg/models"
)

// WSSink delivers events over a WebSocket connection. WebSocket frames are
// self-delimiting so no explicit flush step exists; each event is one
// text frame.
type WSSink struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

// NewWSSink wraps an upgraded connection.
func NewWSSink(conn *websocket.Conn) *WSSink {
	return &WSSink{conn: conn}
}

// Send writes one event as a JSON text frame.
func (s *WSSink) Send(ev *models.StreamEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.conn.WriteJSON(ev); err != nil {
		return fmt.Errorf("write event frame: %w", err)
	}
	return nil
}
