package keysourcing_test

import (
	"testing"

	keysourcing "github.com/keyfold/keysourcing/pkg"
)

func TestVersion(t *testing.T) {
	version := keysourcing.Version()
	if version == "" {
		t.Error("Version() should return a non-empty string")
	}
}
