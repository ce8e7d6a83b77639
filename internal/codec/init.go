// Package codec centralizes the one-time, process-wide setup the native
// codec library needs before any session touches it.
package codec

import (
	"log"
	"strings"
	"sync"

	"github.com/asticode/go-astiav"
)

var once sync.Once

// Init performs idempotent process-wide codec library setup. It is safe to
// call from every component constructor; only the first call does anything.
func Init() {
	once.Do(func() {
		astiav.SetLogLevel(astiav.LogLevelError)
		astiav.SetLogCallback(func(c astiav.Classer, level astiav.LogLevel, fmt, msg string) {
			// libav* logs are routed through the standard logger at Error
			// level only; per-packet warnings are too noisy for the
			// per-frame request path this package sits on.
			log.Printf("[Codec] %s", strings.TrimSpace(msg))
		})
	})
}
