package server

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const accessTokenQueryParameter = "access_token"

type websocketUpgrader interface {
	Upgrade(w http.ResponseWriter, r *http.Request, responseHeader http.Header) (*websocket.Conn, error)
}

func newUpgrader(allowedOrigins []string) *websocket.Upgrader {
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		allowed[strings.ToLower(strings.TrimRight(origin, "/"))] = struct{}{}
	}
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return originAllowed(allowed, r.Header.Get("Origin"))
		},
	}
}

// originAllowed accepts non-browser clients without an Origin header. An empty
// allow list admits every origin.
func originAllowed(allowed map[string]struct{}, origin string) bool {
	if origin == "" || len(allowed) == 0 {
		return true
	}
	parsed, err := url.Parse(origin)
	if err != nil || parsed.Host == "" {
		return false
	}
	_, ok := allowed[strings.ToLower(parsed.Scheme+"://"+parsed.Host)]
	return ok
}

// handleWebsocket upgrades the request and hands the connection to the hub. The
// credential comes from the Authorization header or the access_token query
// parameter; without either the client authenticates with its first frame.
func (h *httpHandler) handleWebsocket(c *gin.Context) {
	credential := c.GetHeader("Authorization")
	if credential == "" {
		credential = c.Query(accessTokenQueryParameter)
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	h.hub.Serve(c.Request.Context(), conn, credential, h.session)
}
