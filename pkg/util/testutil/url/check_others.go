//go:build !linux

package url

import (
	"testing"
)

func environmentCheck(string, testing.TB) bool {
	return true
}
