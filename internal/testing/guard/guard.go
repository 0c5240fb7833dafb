// Package guard switches binaries into test mode when imported by their tests,
// so calling main never dials Postgres or Redis.
package guard

import (
	"os"
	"sync"
)

var once sync.Once

func init() {
	once.Do(func() {
		if os.Getenv("LEADFLOW_TEST_MODE") == "" {
			_ = os.Setenv("LEADFLOW_TEST_MODE", "1")
		}
	})
}
