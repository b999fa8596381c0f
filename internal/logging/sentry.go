package logging

import (
	"fmt"
	"log"
	"net/http"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/gin-gonic/gin"
)

var enabled atomic.Bool

// Init enables Sentry error capture when dsn is set. It reports whether
// capture is on.
func Init(dsn, environment, release string) bool {
	if dsn == "" {
		return false
	}
	err := sentry.Init(sentry.ClientOptions{
		Dsn:              dsn,
		Release:          release,
		Environment:      environment,
		AttachStacktrace: true,
	})
	if err != nil {
		log.Printf("sentry init failed: %v", err)
		return false
	}
	enabled.Store(true)
	return true
}

// Enabled reports whether Sentry capture is on.
func Enabled() bool { return enabled.Load() }

// Flush waits for buffered events. Call before exit.
func Flush(timeout time.Duration) {
	if enabled.Load() {
		sentry.Flush(timeout)
	}
}

// CaptureError sends err with a context tag and extra data.
func CaptureError(err error, context string, data map[string]interface{}) {
	if !enabled.Load() || err == nil {
		return
	}
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("error_context", context)
		for k, v := range data {
			scope.SetExtra(k, v)
		}
		sentry.CaptureException(err)
	})
}

// CapturePanic sends a recovered panic value and its stack.
func CapturePanic(v interface{}, stack []byte, context string) {
	if !enabled.Load() {
		return
	}
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("panic_context", context)
		scope.SetExtra("stack_trace", string(stack))
		scope.SetLevel(sentry.LevelFatal)
		if err, ok := v.(error); ok {
			sentry.CaptureException(err)
		} else {
			sentry.CaptureMessage(fmt.Sprint(v))
		}
	})
	sentry.Flush(2 * time.Second)
}

// Recovery turns handler panics into 500 responses and reports them.
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if v := recover(); v != nil {
				stack := debug.Stack()
				log.Printf("panic in %s %s: %v\n%s", c.Request.Method, c.FullPath(), v, stack)
				CapturePanic(v, stack, c.Request.Method+" "+c.FullPath())
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error", "code": "internal"})
			}
		}()
		c.Next()
	}
}

// Go runs fn in a goroutine, reporting a panic instead of crashing.
func Go(context string, fn func()) {
	go func() {
		defer func() {
			if v := recover(); v != nil {
				stack := debug.Stack()
				log.Printf("panic in %s: %v\n%s", context, v, stack)
				CapturePanic(v, stack, context)
			}
		}()
		fn()
	}()
}
