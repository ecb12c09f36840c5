package events_test

import (
	"testing"

	"github.com/ardanlabs/casino/foundation/events"
)

// Success and failure markers.
const (
	success = "\u2713"
	failed  = "\u2717"
)

func TestSubscribe(t *testing.T) {
	t.Log("Given the need to stream node events to subscribers.")
	{
		evts := events.New()

		all := evts.Acquire("all")
		cons := evts.Acquire("consensus", "consensus:")

		if evts.Acquire("all") != all {
			t.Fatalf("\t%s\tShould get back the same channel for the same id.", failed)
		}
		t.Logf("\t%s\tShould get back the same channel for the same id.", success)

		evts.Send("consensus: notarized: view[4]")
		evts.Send("state: executed: height[3]")

		if got := len(all); got != 2 {
			t.Fatalf("\t%s\tShould deliver every event without a filter, got %d.", failed, got)
		}
		t.Logf("\t%s\tShould deliver every event without a filter.", success)

		if got := len(cons); got != 1 || <-cons != "consensus: notarized: view[4]" {
			t.Fatalf("\t%s\tShould deliver only matching events, got %d.", failed, got)
		}
		t.Logf("\t%s\tShould deliver only matching events.", success)

		for i := 0; i < 200; i++ {
			evts.Send("state: executed")
		}

		dropped, err := evts.Release("all")
		if err != nil {
			t.Fatalf("\t%s\tShould be able to release: %s", failed, err)
		}
		if dropped != 102 {
			t.Fatalf("\t%s\tShould count the events a slow subscriber missed, got %d.", failed, dropped)
		}
		t.Logf("\t%s\tShould count the events a slow subscriber missed.", success)

		if _, err := evts.Release("all"); err == nil {
			t.Fatalf("\t%s\tShould not release twice.", failed)
		}
		t.Logf("\t%s\tShould not release twice.", success)

		evts.Shutdown()
		if evts.Subscribers() != 0 {
			t.Fatalf("\t%s\tShould remove every subscriber on shutdown.", failed)
		}
		if _, open := <-cons; open {
			t.Fatalf("\t%s\tShould close the channels on shutdown.", failed)
		}
		t.Logf("\t%s\tShould close the channels on shutdown.", success)
	}
}
