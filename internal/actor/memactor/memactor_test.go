package memactor

import (
	"testing"

	"github.com/veriflow/veriflow/internal/actor/actortest"
)

func TestMemactorConformance(t *testing.T) {
	actortest.RunSuite(t, New())
}
