package coordinator

import (
	"testing"

	"github.com/kochedykov/MicroOcpp/clock"
	"github.com/kochedykov/MicroOcpp/connector"
	"github.com/kochedykov/MicroOcpp/internal/config"
	"github.com/kochedykov/MicroOcpp/internal/fsstore"
	"github.com/kochedykov/MicroOcpp/registry"
	"github.com/kochedykov/MicroOcpp/rpc"
	"github.com/kochedykov/MicroOcpp/store"
)

type fakeHardware struct {
	plugged      map[int]bool
	evseReady    map[int]bool
	meter        map[int]int
	hasPlugSensor bool
}

func newFakeHardware() *fakeHardware {
	return &fakeHardware{
		plugged:       make(map[int]bool),
		evseReady:     make(map[int]bool),
		meter:         make(map[int]int),
		hasPlugSensor: true,
	}
}

func (h *fakeHardware) Plugged(id int) bool       { return h.plugged[id] }
func (h *fakeHardware) EVSEReady(id int) bool     { return h.evseReady[id] }
func (h *fakeHardware) MeterReading(id int) int   { return h.meter[id] }
func (h *fakeHardware) HasPlugSensor(id int) bool { return h.hasPlugSensor }

type harness struct {
	clock   *clock.Clock
	store   *store.Store
	cfg     *config.Registry
	rpc     *rpc.Engine
	hw      *fakeHardware
	tr      *rpc.LoopbackTransport
	coord   *Coordinator
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	fs, err := fsstore.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	c := clock.NewClockWithEpoch("epoch-1")
	s := store.New(fs, c.BootEpoch(), 8)
	cfg := config.New(fs, config.DefaultPath)
	reg := registry.New()
	eng := rpc.New(reg)
	tr := rpc.NewLoopbackTransport()
	eng.SetTransport(tr)
	hw := newFakeHardware()
	coord := New(c, s, cfg, eng, hw, Hooks{})
	coord.SetConnectors([]int{1})
	return &harness{clock: c, store: s, cfg: cfg, rpc: eng, hw: hw, tr: tr, coord: coord}
}

func decodeSentAction(t *testing.T, frame []byte) (action, messageID string) {
	t.Helper()
	msg, err := rpc.Decode(frame)
	if err != nil {
		t.Fatal(err)
	}
	call, ok := msg.(*rpc.Call)
	if !ok {
		t.Fatalf("expected a CALL frame, got %T", msg)
	}
	return call.Action, call.MessageID
}

func TestBeginAuthorizedSendsStartTransactionOnceClockValid(t *testing.T) {
	h := newHarness(t)
	h.clock.Set("2026-08-03T10:00:00.000Z", 0)
	h.hw.plugged[1] = true

	if err := h.coord.BeginAuthorized(0, 1, "TAG1"); err != nil {
		t.Fatal(err)
	}
	h.rpc.Tick(0)

	if len(h.tr.Sent) != 1 {
		t.Fatalf("got %d sent frames, want 1", len(h.tr.Sent))
	}
	action, msgID := decodeSentAction(t, h.tr.Sent[0])
	if action != "StartTransaction" {
		t.Fatalf("got action %q, want StartTransaction", action)
	}

	rec := h.store.Head(1)
	if !rec.Start.RPC.Requested {
		t.Fatal("expected Start.RPC.Requested")
	}

	result, err := rpc.EncodeCallResult(msgID, []byte(`{"idTagInfo":{"status":"Accepted"},"transactionId":42}`))
	if err != nil {
		t.Fatal(err)
	}
	h.tr.Deliver(result)
	h.rpc.Tick(1000)

	if !rec.Start.RPC.Confirmed {
		t.Error("expected Start.RPC.Confirmed after CALLRESULT")
	}
	if rec.Start.Server.TransactionID != 42 {
		t.Errorf("got transactionId %d, want 42", rec.Start.Server.TransactionID)
	}
	if !rec.Running() {
		t.Error("expected Running after StartTransaction confirmed")
	}
}

func TestBeginRequiresAuthorizeBeforeStart(t *testing.T) {
	h := newHarness(t)
	h.clock.Set("2026-08-03T10:00:00.000Z", 0)
	h.hw.plugged[1] = true
	h.cfg.SetBool(config.KeyLocalPreAuthorize, false)

	if err := h.coord.Begin(0, 1, "TAG1"); err != nil {
		t.Fatal(err)
	}
	h.rpc.Tick(0)

	if len(h.tr.Sent) != 1 {
		t.Fatalf("got %d sent frames, want 1", len(h.tr.Sent))
	}
	action, msgID := decodeSentAction(t, h.tr.Sent[0])
	if action != "Authorize" {
		t.Fatalf("got action %q, want Authorize (StartTransaction must wait for it)", action)
	}

	result, err := rpc.EncodeCallResult(msgID, []byte(`{"idTagInfo":{"status":"Accepted"}}`))
	if err != nil {
		t.Fatal(err)
	}
	h.tr.Deliver(result)
	h.rpc.Tick(1000)

	rec := h.store.Head(1)
	if !rec.Session.Authorized {
		t.Fatal("expected Session.Authorized after Authorize CALLRESULT")
	}
	if !rec.Start.RPC.Requested {
		t.Fatal("expected StartTransaction to have been requested once authorized")
	}
}

func TestBeginBusyWhileAlreadyPreparingOrRunning(t *testing.T) {
	h := newHarness(t)
	h.clock.Set("2026-08-03T10:00:00.000Z", 0)

	if err := h.coord.BeginAuthorized(0, 1, "TAG1"); err != nil {
		t.Fatal(err)
	}
	if err := h.coord.Begin(0, 1, "TAG2"); err == nil {
		t.Fatal("expected Busy error for a second begin() on the same connector")
	}
}

func TestConnectionTimeOutSilentlyAbortsUnpluggedSession(t *testing.T) {
	h := newHarness(t)
	h.clock.Set("2026-08-03T10:00:00.000Z", 0)
	h.cfg.SetInt(config.KeyConnectionTimeOut, 30)
	// hw.plugged[1] stays false: the session never reaches starting conditions.

	if err := h.coord.BeginAuthorized(0, 1, "TAG1"); err != nil {
		t.Fatal(err)
	}

	h.coord.Tick(29_000)
	rec := h.store.Head(1)
	if rec == nil || !rec.Session.Active {
		t.Fatal("expected session still active before ConnectionTimeOut elapses")
	}

	h.coord.Tick(30_000)
	if h.store.Head(1) != nil {
		t.Fatal("expected the record to have settled (Aborted) after ConnectionTimeOut")
	}
	if len(h.tr.Sent) != 0 {
		t.Error("expected no RPC ever sent for a ConnectionTimeOut abort")
	}
}

func TestEndBeforeStartRequestedIsAbortedWithoutRPC(t *testing.T) {
	h := newHarness(t)
	h.clock.Set("2026-08-03T10:00:00.000Z", 0)
	// No plug: starting conditions never hold, so Start.RPC.Requested stays false.

	if err := h.coord.BeginAuthorized(0, 1, "TAG1"); err != nil {
		t.Fatal(err)
	}
	if err := h.coord.End(0, 1, "Local"); err != nil {
		t.Fatal(err)
	}

	if len(h.tr.Sent) != 0 {
		t.Error("expected no RPC for a session that never started")
	}
	if h.store.Head(1) != nil {
		t.Fatal("expected the record to have settled (Aborted)")
	}
}

func TestPreBootTransactionEmitsOnceClockBecomesValid(t *testing.T) {
	h := newHarness(t)
	h.hw.plugged[1] = true
	// Clock is never Set before Begin: the session opens pre-boot.

	if err := h.coord.BeginAuthorized(0, 1, "TAG1"); err != nil {
		t.Fatal(err)
	}
	rec := h.store.Head(1)
	if rec.Start.Client.TS.Resolved {
		t.Fatal("expected a pending (unresolved) start anchor before the clock is set")
	}
	if len(h.tr.Sent) != 0 {
		t.Fatal("expected no StartTransaction to be sent before the clock is valid")
	}

	h.clock.Set("2026-08-03T10:00:05.000Z", 5_000)
	h.coord.Tick(5_000)
	h.rpc.Tick(5_000)

	if len(h.tr.Sent) != 1 {
		t.Fatalf("got %d sent frames, want 1 once the clock became valid", len(h.tr.Sent))
	}
	action, _ := decodeSentAction(t, h.tr.Sent[0])
	if action != "StartTransaction" {
		t.Fatalf("got action %q, want StartTransaction", action)
	}
}

func TestLostStopTimestampFallsBackToStartPlusOneSecond(t *testing.T) {
	h := newHarness(t)
	// Simulate a record carried over from a previous, now-confirmed
	// boot: the start anchor is already resolved, but this process's
	// clock has never been Set.
	rec, err := h.store.Allocate(1)
	if err != nil {
		t.Fatal(err)
	}
	rec.Session.IDTag = "TAG1"
	rec.Session.Active = true
	rec.Session.Authorized = true
	startWall, parseErr := clock.ParseISO8601("2026-08-03T10:00:00.000Z")
	if parseErr != nil {
		t.Fatal(parseErr)
	}
	rec.Start.Client.TS = clock.Anchor{Resolved: true, Wall: startWall}
	rec.Start.RPC.Requested = true
	rec.Start.RPC.Confirmed = true
	rec.Start.Server.TransactionID = 7
	if err := h.store.Commit(rec); err != nil {
		t.Fatal(err)
	}

	if err := h.coord.End(0, 1, "Local"); err != nil {
		t.Fatal(err)
	}

	if !rec.Stop.Client.TS.Resolved {
		t.Fatal("expected the S6 fallback to produce an already-resolved stop anchor")
	}
	want := startWall.Add(1)
	if !rec.Stop.Client.TS.Wall.Equal(want) {
		t.Errorf("got stop ts %s, want start+1s %s", rec.Stop.Client.TS.Wall, want)
	}
}

func TestRemoteStartTransactionPicksFirstIdleConnectorWhenUnspecified(t *testing.T) {
	h := newHarness(t)
	h.clock.Set("2026-08-03T10:00:00.000Z", 0)
	h.coord.SetConnectors([]int{1, 2})

	status := h.coord.RemoteStartTransaction(0, "TAG1")
	if status != "Accepted" {
		t.Fatalf("got %q, want Accepted", status)
	}
	if h.store.Head(1) == nil {
		t.Error("expected connector 1 to have received the remote start")
	}
}

func TestRemoteStartTransactionRejectsBusyConnector(t *testing.T) {
	h := newHarness(t)
	h.clock.Set("2026-08-03T10:00:00.000Z", 0)

	if status := h.coord.RemoteStartTransaction(1, "TAG1"); status != "Accepted" {
		t.Fatalf("got %q, want Accepted", status)
	}
	if status := h.coord.RemoteStartTransaction(1, "TAG2"); status != "Rejected" {
		t.Fatalf("got %q, want Rejected for an already-occupied connector", status)
	}
}

func TestRemoteStopTransactionFindsByServerTransactionID(t *testing.T) {
	h := newHarness(t)
	h.clock.Set("2026-08-03T10:00:00.000Z", 0)
	h.hw.plugged[1] = true

	if err := h.coord.BeginAuthorized(0, 1, "TAG1"); err != nil {
		t.Fatal(err)
	}
	h.rpc.Tick(0)
	_, msgID := decodeSentAction(t, h.tr.Sent[0])
	result, _ := rpc.EncodeCallResult(msgID, []byte(`{"idTagInfo":{"status":"Accepted"},"transactionId":99}`))
	h.tr.Deliver(result)
	h.rpc.Tick(1000)

	if status := h.coord.RemoteStopTransaction(99); status != "Accepted" {
		t.Fatalf("got %q, want Accepted", status)
	}
	if status := h.coord.RemoteStopTransaction(123); status != "Rejected" {
		t.Fatalf("got %q, want Rejected for an unknown transaction id", status)
	}
}

func TestChangeAvailabilitySchedulesWhileRunningAcceptsOtherwise(t *testing.T) {
	h := newHarness(t)
	if status := h.coord.ChangeAvailability(1, true); status != "Accepted" {
		t.Fatalf("got %q, want Accepted for an idle connector", status)
	}
	if got := h.coord.Availability(1); got != connector.Inoperative {
		t.Errorf("got availability %s, want Inoperative", got)
	}

	h.clock.Set("2026-08-03T10:00:00.000Z", 0)
	h.hw.plugged[2] = true
	if err := h.coord.BeginAuthorized(0, 2, "TAG1"); err != nil {
		t.Fatal(err)
	}
	h.rpc.Tick(0)
	_, msgID := decodeSentAction(t, h.tr.Sent[0])
	result, _ := rpc.EncodeCallResult(msgID, []byte(`{"idTagInfo":{"status":"Accepted"},"transactionId":1}`))
	h.tr.Deliver(result)
	h.rpc.Tick(1000)

	if status := h.coord.ChangeAvailability(2, true); status != "Scheduled" {
		t.Fatalf("got %q, want Scheduled for a connector with a Running transaction", status)
	}
}

func TestUnlockConnectorInvokesHook(t *testing.T) {
	h := newHarness(t)
	var unlocked int
	h.coord.hooks.Unlock = func(id int) { unlocked = id }

	if status := h.coord.UnlockConnector(1); status != "Unlocked" {
		t.Fatalf("got %q, want Unlocked", status)
	}
	if unlocked != 1 {
		t.Errorf("got unlocked connector %d, want 1", unlocked)
	}
}

func TestResetAbortsActiveTransactionsThenReboots(t *testing.T) {
	h := newHarness(t)
	h.clock.Set("2026-08-03T10:00:00.000Z", 0)
	var rebootedHard bool
	h.coord.hooks.Reboot = func(hard bool) { rebootedHard = hard }

	if err := h.coord.BeginAuthorized(0, 1, "TAG1"); err != nil {
		t.Fatal(err)
	}
	if status := h.coord.Reset(true); status != "Accepted" {
		t.Fatalf("got %q, want Accepted", status)
	}
	if !rebootedHard {
		t.Error("expected a hard reboot to have been requested")
	}
	if h.store.Head(1) != nil {
		t.Error("expected the unstarted session to have been aborted before reboot")
	}
}

func TestResetSoftDefersRebootUntilRunningTransactionSettles(t *testing.T) {
	h := newHarness(t)
	h.clock.Set("2026-08-03T10:00:00.000Z", 0)
	var reboots int
	h.coord.hooks.Reboot = func(hard bool) { reboots++ }

	h.hw.plugged[1] = true
	if err := h.coord.BeginAuthorized(0, 1, "TAG1"); err != nil {
		t.Fatal(err)
	}
	h.rpc.Tick(0)
	_, msgID := decodeSentAction(t, h.tr.Sent[0])
	result, _ := rpc.EncodeCallResult(msgID, []byte(`{"idTagInfo":{"status":"Accepted"},"transactionId":1}`))
	h.tr.Deliver(result)
	h.rpc.Tick(1000)

	if status := h.coord.Reset(false); status != "Accepted" {
		t.Fatalf("got %q, want Accepted", status)
	}
	if reboots != 0 {
		t.Fatal("expected a soft reset not to reboot while a transaction is Running")
	}
	if h.store.Head(1) == nil {
		t.Fatal("expected the Running transaction to survive a soft reset request")
	}

	h.coord.Tick(2000)
	if reboots != 0 {
		t.Fatal("expected the reboot to still be deferred while the transaction is Running")
	}

	if err := h.coord.End(2000, 1, "Local"); err != nil {
		t.Fatal(err)
	}
	h.coord.Tick(3000)
	if reboots != 1 {
		t.Fatalf("got %d reboots, want 1 once the transaction settled", reboots)
	}
}

func TestClearCacheEmptiesLocalAuthorizationCache(t *testing.T) {
	h := newHarness(t)
	h.clock.Set("2026-08-03T10:00:00.000Z", 0)
	h.hw.plugged[1] = true

	if err := h.coord.Begin(0, 1, "TAG1"); err != nil {
		t.Fatal(err)
	}
	h.rpc.Tick(0)
	_, msgID := decodeSentAction(t, h.tr.Sent[0])
	result, _ := rpc.EncodeCallResult(msgID, []byte(`{"idTagInfo":{"status":"Accepted"}}`))
	h.tr.Deliver(result)
	h.rpc.Tick(1000)

	if !h.coord.localAuthorize("TAG1") {
		t.Fatal("expected TAG1 to be locally cached as Accepted before ClearCache")
	}
	if status := h.coord.ClearCache(); status != "Accepted" {
		t.Fatalf("got %q, want Accepted", status)
	}
	if h.coord.localAuthorize("TAG1") {
		t.Error("expected ClearCache to empty the local authorization cache")
	}
}

func TestUnlockConnectorEndsRunningTransactionFirst(t *testing.T) {
	h := newHarness(t)
	h.clock.Set("2026-08-03T10:00:00.000Z", 0)
	h.coord.hooks.Unlock = func(id int) {}
	h.hw.plugged[1] = true

	if err := h.coord.BeginAuthorized(0, 1, "TAG1"); err != nil {
		t.Fatal(err)
	}
	h.rpc.Tick(0)
	_, msgID := decodeSentAction(t, h.tr.Sent[0])
	result, _ := rpc.EncodeCallResult(msgID, []byte(`{"idTagInfo":{"status":"Accepted"},"transactionId":1}`))
	h.tr.Deliver(result)
	h.rpc.Tick(1000)

	if status := h.coord.UnlockConnector(1); status != "Unlocked" {
		t.Fatalf("got %q, want Unlocked", status)
	}
	rec := h.store.Head(1)
	if rec == nil || !rec.Stop.RPC.Requested {
		t.Fatal("expected UnlockConnector to end the Running transaction")
	}
	if rec.Stop.Client.Reason != "UnlockCommand" {
		t.Errorf("got stop reason %q, want UnlockCommand", rec.Stop.Client.Reason)
	}
}
