package ledger

import (
	"testing"
	"time"

	"github.com/Mutter0815/MassTexter/internal/campaign"
)

func TestCounterForStatus(t *testing.T) {
	want := map[Status]campaign.Counter{
		StatusSent:    campaign.CounterSent,
		StatusFailed:  campaign.CounterFailed,
		StatusSkipped: campaign.CounterSkipped,
	}
	for _, s := range Statuses {
		c, ok := s.Counter()
		exp, counted := want[s]
		if ok != counted || c != exp {
			t.Errorf("%s: got (%q,%v), want (%q,%v)", s, c, ok, exp, counted)
		}
	}
}

func TestProcessed(t *testing.T) {
	if StatusQueued.Processed() {
		t.Fatal("queued rows are not processed")
	}
	for _, s := range Statuses[1:] {
		if !s.Processed() {
			t.Errorf("%s must count as processed", s)
		}
	}
}

func TestOutcomeConstructors(t *testing.T) {
	now := time.Unix(100, 0)
	if o := Sent("m1", now); o.Status != StatusSent || o.ProviderMsgID != "m1" || !o.At.Equal(now) {
		t.Fatalf("unexpected %+v", o)
	}
	if o := Failed("boom", now); o.Status != StatusFailed || o.Error != "boom" {
		t.Fatalf("unexpected %+v", o)
	}
	if o := Skipped("Contact opted out", now); o.Status != StatusSkipped || o.Error != "Contact opted out" {
		t.Fatalf("unexpected %+v", o)
	}
}
