package server

import (
	"context"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ipkforge/internal/logger"
)

func Test_ServeListener_ServesUntilCancelled(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := NewRouter(logger.Discard())
	router.GET("/online", func(c *gin.Context) { c.String(http.StatusOK, "yes") })

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ServeListener(ctx, ln, router, logger.Discard()) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/online")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "yes", string(body))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func Test_Serve_BadAddress(t *testing.T) {
	err := Serve(context.Background(), "256.0.0.1:bad", http.NotFoundHandler(), logger.Discard())
	assert.Error(t, err)
}
