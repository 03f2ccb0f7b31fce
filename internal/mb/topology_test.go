package mb

import "testing"

func TestRoutingKeyHelpersAreStable(t *testing.T) {
	cases := []struct {
		name string
		got  string
		want string
	}{
		{"submit", SubmitRoutingKey("smppc-1"), "submit.sm.smppc-1"},
		{"deliver", DeliverRoutingKey("smppc-1"), "deliver.sm.smppc-1"},
		{"dlr", DLRRoutingKey("smppc-1"), "dlr.smppc-1"},
		{"dlq", DeadLetterRoutingKey("smppc-1"), "dlq.submit.sm.smppc-1"},
		{"submit_queue", SubmitQueueName("smppc-1"), "submit.sm.smppc-1"},
		{"delay_queue", DelayQueueName("smppc-1"), "delay.submit.sm.smppc-1"},
	}
	for _, c := range cases {
		if c.got != c.want {
			t.Errorf("%s: got %q, want %q", c.name, c.got, c.want)
		}
	}
}

func TestMsToStringFloorsAtOneMillisecond(t *testing.T) {
	if got := msToString(0); got != "1" {
		t.Errorf("expected zero duration to floor to 1ms, got %q", got)
	}
}
