package handler

import (
	"net/http"

	"unllamabot/internal/auth"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Console upgrades to a websocket and streams generation events as
// JSON. Authentication uses a token query parameter, websocket clients
// cannot set an Authorization header.
func (a *API) Console(c *gin.Context) {
	tokenString := c.Query("token")
	claims, err := auth.ValidateToken(a.cfg.JWTSecret, tokenString)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		a.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()
	a.log.Info("console connected", zap.String("admin", claims.Username))

	events := a.bot.Events().Subscribe()
	defer a.bot.Events().Unsubscribe(events)

	// Drain reads so close frames are processed.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			a.log.Info("console disconnected", zap.String("admin", claims.Username))
			return
		case event, open := <-events:
			if !open {
				return
			}
			if err := conn.WriteJSON(event); err != nil {
				a.log.Warn("console write failed", zap.Error(err))
				return
			}
		}
	}
}
