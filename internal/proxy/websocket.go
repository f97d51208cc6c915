// Package proxy relays a live Chrome DevTools connection between an operator
// and the browser behind a debug session.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/stepdebug/internal/logging"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Endpoints resolves a session to its browser's CDP websocket
type Endpoints interface {
	ConnectURL(sessionID string) (string, error)
}

type Server struct {
	sessions    Endpoints
	log         *zap.Logger
	dialTimeout time.Duration
}

func NewServer(sessions Endpoints, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		sessions:    sessions,
		log:         log.Named("proxy"),
		dialTimeout: 10 * time.Second,
	}
}

// HandleDebugConnection upgrades the request and pipes frames both ways until
// either side closes. A lookup error is returned before anything is written so
// the caller can report it.
func (s *Server) HandleDebugConnection(w http.ResponseWriter, r *http.Request, sessionID string) error {
	chromeURL, err := s.sessions.ConnectURL(sessionID)
	if err != nil {
		return err
	}

	log := s.log.With(zap.String("session_id", logging.ShortID(sessionID)))

	clientConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied to the client
		log.Warn("failed to upgrade connection", zap.Error(err))
		return nil
	}
	defer clientConn.Close()

	ctx, cancel := context.WithTimeout(r.Context(), s.dialTimeout)
	defer cancel()

	chromeConn, _, err := websocket.DefaultDialer.DialContext(ctx, chromeURL, nil)
	if err != nil {
		log.Warn("failed to connect to browser", zap.Error(err))
		clientConn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, fmt.Sprintf("browser unreachable: %v", err)))
		return nil
	}
	defer chromeConn.Close()

	log.Info("live view connected")

	errChan := make(chan error, 2)
	go func() {
		errChan <- relay(clientConn, chromeConn)
	}()
	go func() {
		errChan <- relay(chromeConn, clientConn)
	}()

	err = <-errChan
	if err != nil && !isClose(err) {
		log.Warn("live view relay error", zap.Error(err))
	}

	// unblock the other direction
	clientConn.Close()
	chromeConn.Close()
	<-errChan

	log.Info("live view disconnected")
	return nil
}

func relay(src, dst *websocket.Conn) error {
	for {
		messageType, message, err := src.ReadMessage()
		if err != nil {
			return err
		}
		if err := dst.WriteMessage(messageType, message); err != nil {
			return err
		}
	}
}

func isClose(err error) bool {
	var closeErr *websocket.CloseError
	return errors.As(err, &closeErr)
}
