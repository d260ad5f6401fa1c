package connector

import "testing"

func TestTransitionPriorityFaultWins(t *testing.T) {
	state := Transition(Inputs{Faulted: true, TransactionRunning: true, Plugged: true, EVSEReady: true})
	if state != Faulted {
		t.Errorf("got %s, want Faulted", state)
	}
}

func TestTransitionUnavailableWhenInoperativeAndIdle(t *testing.T) {
	state := Transition(Inputs{Availability: Inoperative})
	if state != Unavailable {
		t.Errorf("got %s, want Unavailable", state)
	}
}

func TestTransitionInoperativeDoesNotInterruptRunningTx(t *testing.T) {
	state := Transition(Inputs{Availability: Inoperative, TransactionRunning: true, Plugged: true, EVSEReady: true})
	if state != Charging {
		t.Errorf("got %s, want Charging (running tx should not be interrupted by Inoperative)", state)
	}
}

func TestTransitionChargingRequiresPluggedAndReady(t *testing.T) {
	if got := Transition(Inputs{TransactionRunning: true, Plugged: true, EVSEReady: true}); got != Charging {
		t.Errorf("got %s, want Charging", got)
	}
	if got := Transition(Inputs{TransactionRunning: true, Plugged: true, EVSEReady: false}); got != SuspendedEVSE {
		t.Errorf("got %s, want SuspendedEVSE", got)
	}
	if got := Transition(Inputs{TransactionRunning: true, Plugged: false, EVSEReady: true}); got != SuspendedEV {
		t.Errorf("got %s, want SuspendedEV", got)
	}
}

func TestTransitionPreparingOnPlugOrSession(t *testing.T) {
	if got := Transition(Inputs{Plugged: true}); got != Preparing {
		t.Errorf("got %s, want Preparing", got)
	}
	if got := Transition(Inputs{SessionActive: true}); got != Preparing {
		t.Errorf("got %s, want Preparing", got)
	}
}

func TestTransitionFinishingWinsOverPreparingWhileStillPlugged(t *testing.T) {
	if got := Transition(Inputs{EndingSessionGrace: true, Plugged: true}); got != Finishing {
		t.Errorf("got %s, want Finishing", got)
	}
	// Unplugging during the grace window falls through to Available, not
	// Finishing: nothing in Inputs claims Plugged any more.
	if got := Transition(Inputs{EndingSessionGrace: true}); got != Available {
		t.Errorf("got %s, want Available once unplugged", got)
	}
}

func TestTransitionDefaultAvailable(t *testing.T) {
	if got := Transition(Inputs{}); got != Available {
		t.Errorf("got %s, want Available", got)
	}
}

func TestObserveDebouncesUntilMinimumDuration(t *testing.T) {
	m := New(1)
	status, ok := m.Observe(Inputs{Plugged: true}, 0, 10, true)
	if ok {
		t.Fatalf("expected no report before MinimumStatusDuration elapses, got %s", status)
	}
	status, ok = m.Observe(Inputs{Plugged: true}, 5000, 10, true)
	if ok {
		t.Fatalf("expected no report at 5s when MinimumStatusDuration=10s, got %s", status)
	}
	status, ok = m.Observe(Inputs{Plugged: true}, 10000, 10, true)
	if !ok || status != Preparing {
		t.Fatalf("expected Preparing reported at 10s, got %s, %v", status, ok)
	}
}

func TestObserveCoalescesFlappingToFinalValue(t *testing.T) {
	m := New(1)
	// Flap Preparing -> Available -> Preparing within the debounce window;
	// only the final stable value should ever be reported.
	m.Observe(Inputs{Plugged: true}, 0, 10, true)
	m.Observe(Inputs{}, 2000, 10, true)
	status, ok := m.Observe(Inputs{Plugged: true}, 4000, 10, true)
	if ok {
		t.Fatalf("expected no intermediate report during flap, got %s", status)
	}
	status, ok = m.Observe(Inputs{Plugged: true}, 14000, 10, true)
	if !ok || status != Preparing {
		t.Fatalf("expected final stable Preparing reported, got %s, %v", status, ok)
	}
}

func TestObserveSkipsReportWhenTargetMatchesAlreadyReported(t *testing.T) {
	m := New(1)
	status, ok := m.Observe(Inputs{Plugged: true}, 0, 0, true)
	if !ok || status != Preparing {
		t.Fatalf("expected first observation to report Preparing, got %s, %v", status, ok)
	}
	// Re-observing the same stable state should not re-report.
	status, ok = m.Observe(Inputs{Plugged: true}, 1000, 0, true)
	if ok {
		t.Errorf("expected no duplicate report for unchanged state, got %s", status)
	}
}

func TestObserveCoalescesWhileOffline(t *testing.T) {
	m := New(1)
	status, ok := m.Observe(Inputs{Plugged: true}, 0, 0, false)
	if ok {
		t.Fatalf("expected no immediate send while offline, got %s", status)
	}
	reported, ok := m.Reconnected()
	if !ok || reported != Preparing {
		t.Fatalf("expected coalesced Preparing on reconnect, got %s, %v", reported, ok)
	}
	if _, ok := m.Reconnected(); ok {
		t.Error("expected Reconnected to only fire once")
	}
}
