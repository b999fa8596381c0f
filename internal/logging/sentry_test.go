package logging

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func TestDisabledWithoutDSN(t *testing.T) {
	assert.False(t, Init("", "test", "dev"))
	assert.False(t, Enabled())

	// all no-ops while disabled
	CaptureError(errors.New("boom"), "test", map[string]interface{}{"k": "v"})
	CapturePanic("boom", nil, "test")
	Flush(time.Millisecond)
}

func TestRecovery(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Recovery())
	r.GET("/panic", func(*gin.Context) { panic("boom") })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/panic", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.JSONEq(t, `{"error":"internal error","code":"internal"}`, w.Body.String())
}

func TestGoRecovers(t *testing.T) {
	done := make(chan struct{})
	Go("test", func() {
		defer close(done)
		panic("boom")
	})
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("goroutine did not run")
	}
}
