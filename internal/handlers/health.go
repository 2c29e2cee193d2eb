package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/charlesng35/boardroom/pkg/errors"
	"github.com/charlesng35/boardroom/pkg/response"
)

// Pinger reports whether a backing dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Health returns a simple status payload useful for readiness checks. When a
// store is supplied it must answer a ping.
func Health(store Pinger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if store != nil {
			if err := store.Ping(requestContext(c)); err != nil {
				response.Error(c, errors.New("STORE_UNAVAILABLE", "Session store unavailable", http.StatusServiceUnavailable).WithInternal(err))
				return
			}
		}
		response.Success(c, http.StatusOK, gin.H{"status": "ok"})
	}
}
