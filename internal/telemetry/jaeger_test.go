package telemetry

import (
	"strings"
	"testing"
)

func TestSampler(t *testing.T) {
	cases := map[float64]string{
		1:   "AlwaysOnSampler",
		2:   "AlwaysOnSampler",
		0:   "AlwaysOffSampler",
		0.1: "ParentBased",
	}
	for ratio, want := range cases {
		if got := sampler(ratio).Description(); !strings.HasPrefix(got, want) {
			t.Errorf("sampler(%v) = %q, want prefix %q", ratio, got, want)
		}
	}
}
