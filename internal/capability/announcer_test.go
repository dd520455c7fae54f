package capability

import (
	"testing"

	"github.com/murmurlabs/murmur-core/internal/protocol"
)

func TestHas(t *testing.T) {
	a := &Announcer{caps: []string{protocol.CapabilityRecognition}}
	if !a.Has(protocol.CapabilityRecognition) {
		t.Fatal("expected recognition capability to be reported")
	}
	if a.Has(protocol.CapabilityLevel) {
		t.Fatal("level capability must not be reported when absent")
	}

	empty := &Announcer{}
	if empty.Has(protocol.CapabilityRecognition) {
		t.Fatal("node without capabilities must report none")
	}
}
