package outcome

import "testing"

func TestStatusString(t *testing.T) {
	tests := map[Status]string{
		OK:         "ok",
		Empty:      "empty",
		Degraded:   "degraded",
		Status(42): "unknown",
	}
	for status, want := range tests {
		if got := status.String(); got != want {
			t.Errorf("Status(%d).String() = %q, want %q", int(status), got, want)
		}
	}
}
