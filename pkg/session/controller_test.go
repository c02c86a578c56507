package session

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/james-see/pedalconf/pkg/protocol"
	"github.com/james-see/pedalconf/pkg/store"
	"github.com/james-see/pedalconf/pkg/transport/sim"
)

// fakeTransport is a scripted transport. Reads are served from a queue whose
// last entry repeats; notifications are pushed by the test.
type fakeTransport struct {
	mu       sync.Mutex
	reads    [][]byte
	readErr  error
	writes   [][]byte
	writeErr error
	handler  func([]byte)
	closed   bool
	// calls records "subscribe" and "read" in the order they happened
	calls    []string
}

func (f *fakeTransport) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeTransport) ReadOnce(ctx context.Context) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "read")
	if f.readErr != nil {
		return nil, f.readErr
	}
	data := f.reads[0]
	if len(f.reads) > 1 {
		f.reads = f.reads[1:]
	}
	return data, nil
}

func (f *fakeTransport) Write(ctx context.Context, cmd []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	f.writes = append(f.writes, cmd)
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) lastWrite() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.writes) == 0 {
		return nil
	}
	return f.writes[len(f.writes)-1]
}

// notifyingTransport adds Subscribe to fakeTransport
type notifyingTransport struct {
	*fakeTransport
}

func (n notifyingTransport) Subscribe(handler func([]byte)) (func(), error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, "subscribe")
	n.handler = handler
	return func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		n.handler = nil
	}, nil
}

func (n notifyingTransport) push(data []byte) bool {
	n.mu.Lock()
	h := n.handler
	n.mu.Unlock()
	if h == nil {
		return false
	}
	h(data)
	return true
}

func packet(v protocol.Version, state protocol.BoardState) []byte {
	return protocol.MustCodec(v).EncodeState(state)
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func waitEvent(t *testing.T, ch <-chan Event, kind EventKind) Event {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Kind == kind {
				return ev
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s event", kind)
		}
	}
}

func intp(v int) *int { return &v }

func TestConnectPolledV1(t *testing.T) {
	fw, _ := sim.New(protocol.V1)
	st := store.New()
	c := New(fw, st, Options{Version: protocol.V1})

	if err := c.Connect(testContext(t)); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	if !reflect.DeepEqual(st.Snapshot(), fw.State()) {
		t.Errorf("store = %+v, want %+v", st.Snapshot(), fw.State())
	}

	status := c.Status()
	if !status.Connected || status.Mode != "polled" || status.State != "idle" || status.Version != protocol.V1 {
		t.Errorf("Status() = %+v", status)
	}
}

func TestConnectAutoDetectsV2(t *testing.T) {
	fw, _ := sim.New(protocol.V2)
	c := New(fw, store.New(), Options{})

	if err := c.Connect(testContext(t)); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	status := c.Status()
	if status.Version != protocol.V2 || status.Mode != "notify" {
		t.Errorf("Status() = %+v, want v2 notify", status)
	}
	b, _ := c.Store().Get(0)
	if b.Velocity == nil {
		t.Error("v2 state decoded without velocity")
	}
}

func TestConnectV2SubscribesBeforeRead(t *testing.T) {
	ft := &fakeTransport{reads: [][]byte{packet(protocol.V2, protocol.DefaultBoardState())}}
	nt := notifyingTransport{ft}
	c := New(nt, store.New(), Options{Version: protocol.V2})

	if err := c.Connect(testContext(t)); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if got, want := ft.callLog(), []string{"subscribe", "read"}; !reflect.DeepEqual(got, want) {
		t.Errorf("transport calls = %v, want %v", got, want)
	}
	if c.Status().Mode != "notify" {
		t.Errorf("Mode = %s, want notify", c.Status().Mode)
	}
}

func TestConnectAutoSubscribesAfterDetecting(t *testing.T) {
	ft := &fakeTransport{reads: [][]byte{packet(protocol.V2, protocol.DefaultBoardState())}}
	c := New(notifyingTransport{ft}, store.New(), Options{})

	if err := c.Connect(testContext(t)); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if got, want := ft.callLog(), []string{"read", "subscribe"}; !reflect.DeepEqual(got, want) {
		t.Errorf("transport calls = %v, want %v", got, want)
	}
}

func TestConnectExplicitVersionIsNotDetected(t *testing.T) {
	v1Packet := packet(protocol.V1, protocol.DefaultBoardState())
	v2Packet := packet(protocol.V2, protocol.DefaultBoardState())
	short := append([]byte(nil), v2Packet[:24]...)
	short[0] = 3

	tests := []struct {
		name        string
		version     protocol.Version
		read        []byte
		wantErr     error
		wantVersion protocol.Version
		wantMode    string
	}{
		{"v2 rejects 24 bytes", protocol.V2, short, protocol.ErrInvalidLength, protocol.V2, "notify"},
		{"v1 keeps v1 on 25 bytes", protocol.V1, v2Packet, nil, protocol.V1, "polled"},
		{"v1 on 21 bytes", protocol.V1, v1Packet, nil, protocol.V1, "polled"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ft := &fakeTransport{reads: [][]byte{tt.read}}
			st := store.New()
			c := New(notifyingTransport{ft}, st, Options{Version: tt.version})

			err := c.Connect(testContext(t))
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Connect() error = %v, want %v", err, tt.wantErr)
				}
				if st.Generation() != 0 || st.CurrentBank() != 0 {
					t.Errorf("store mutated by rejected packet: bank %d", st.CurrentBank())
				}
			} else if err != nil {
				t.Fatalf("Connect() error = %v", err)
			}

			status := c.Status()
			if status.Version != tt.wantVersion || status.Mode != tt.wantMode {
				t.Errorf("Status() = %+v, want %s %s", status, tt.wantVersion, tt.wantMode)
			}
			if c.Codec().Version() != tt.wantVersion {
				t.Errorf("Codec().Version() = %s, want %s", c.Codec().Version(), tt.wantVersion)
			}
		})
	}
}

func TestConnectUnknownVersion(t *testing.T) {
	ft := &fakeTransport{reads: [][]byte{packet(protocol.V1, protocol.DefaultBoardState())}}
	c := New(ft, store.New(), Options{Version: protocol.Version(7)})

	if err := c.Connect(testContext(t)); !errors.Is(err, protocol.ErrUnknownVersion) {
		t.Fatalf("Connect() error = %v, want ErrUnknownVersion", err)
	}
	if len(ft.callLog()) != 0 {
		t.Error("transport used with an unknown version")
	}
}

func TestConnectReadFailure(t *testing.T) {
	ft := &fakeTransport{readErr: errors.New("gatt read rejected")}
	st := store.New()
	c := New(ft, st, Options{Version: protocol.V1})
	events, stop := c.Watch(8)
	defer stop()

	err := c.Connect(testContext(t))
	if !errors.Is(err, ErrTransportFailure) {
		t.Fatalf("Connect() error = %v, want ErrTransportFailure", err)
	}
	if c.Status().Connected {
		t.Error("controller connected after failed read")
	}
	if st.Generation() != 0 {
		t.Error("store mutated after failed read")
	}
	waitEvent(t, events, EventError)
}

func TestConnectAutoRejectsShortPacket(t *testing.T) {
	ft := &fakeTransport{reads: [][]byte{[]byte("READY")}}
	c := New(ft, store.New(), Options{})

	if err := c.Connect(testContext(t)); !errors.Is(err, protocol.ErrInvalidLength) {
		t.Fatalf("Connect() error = %v, want ErrInvalidLength", err)
	}
	if c.Status().Connected {
		t.Error("connected without a usable packet")
	}
}

func TestSaveV1RereadsAfterDelay(t *testing.T) {
	fw, _ := sim.New(protocol.V1)
	st := store.New()
	c := New(fw, st, Options{Version: protocol.V1, RereadDelay: 10 * time.Millisecond})
	ctx := testContext(t)

	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	gen := st.Generation()

	if err := c.Save(ctx, 0, store.Edit{Value: intp(70), Channel: intp(2)}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if err := c.WaitIdle(ctx); err != nil {
		t.Fatalf("WaitIdle() error = %v", err)
	}

	writes := fw.Writes()
	want := []byte{1, 0, 0, 0, 70, 2}
	if len(writes) != 1 || !reflect.DeepEqual(writes[0], want) {
		t.Errorf("writes = %v, want [%v]", writes, want)
	}
	if st.Generation() <= gen {
		t.Error("no re-read after save")
	}
	b, _ := st.Get(0)
	if b.Value != 70 || b.Channel != 2 {
		t.Errorf("store button 0 = %+v, want value 70 channel 2", b)
	}
}

func TestSaveWhilePendingIsBusy(t *testing.T) {
	ft := &fakeTransport{reads: [][]byte{packet(protocol.V1, protocol.DefaultBoardState())}}
	c := New(ft, store.New(), Options{Version: protocol.V1, RereadDelay: time.Hour})
	ctx := testContext(t)

	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if err := c.Save(ctx, 1, store.Edit{Value: intp(1)}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if !c.Pending() {
		t.Fatal("Pending() = false after save")
	}
	if c.Status().State != "awaiting-read" {
		t.Errorf("State = %s, want awaiting-read", c.Status().State)
	}

	if err := c.Save(ctx, 2, store.Edit{Value: intp(2)}); !errors.Is(err, ErrBusy) {
		t.Errorf("second Save() error = %v, want ErrBusy", err)
	}
	if err := c.SwitchBank(ctx, 1); !errors.Is(err, ErrBusy) {
		t.Errorf("SwitchBank() error = %v, want ErrBusy", err)
	}

	// An explicit read settles the outstanding write
	if err := c.Refresh(ctx); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if c.Pending() {
		t.Error("Pending() = true after Refresh")
	}
	_ = c.Disconnect()
}

func TestStaleRereadDoesNotSettleNextWrite(t *testing.T) {
	const delay = 200 * time.Millisecond
	ft := &fakeTransport{reads: [][]byte{packet(protocol.V1, protocol.DefaultBoardState())}}
	c := New(ft, store.New(), Options{Version: protocol.V1, RereadDelay: delay})
	ctx := testContext(t)
	defer c.Disconnect()

	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if err := c.Save(ctx, 0, store.Edit{Value: intp(1)}); err != nil {
		t.Fatalf("first Save() error = %v", err)
	}
	// settle the first write early; its timer must not outlive it
	if err := c.Refresh(ctx); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	time.Sleep(delay / 2)

	start := time.Now()
	if err := c.Save(ctx, 1, store.Edit{Value: intp(2)}); err != nil {
		t.Fatalf("second Save() error = %v", err)
	}
	if err := c.WaitIdle(ctx); err != nil {
		t.Fatalf("WaitIdle() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed < delay*3/4 {
		t.Errorf("second save settled after %v, want about %v", elapsed, delay)
	}
}

func TestDisconnectStopsRereadTimer(t *testing.T) {
	ft := &fakeTransport{reads: [][]byte{packet(protocol.V1, protocol.DefaultBoardState())}}
	c := New(ft, store.New(), Options{Version: protocol.V1, RereadDelay: 20 * time.Millisecond})
	ctx := testContext(t)

	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if err := c.Save(ctx, 0, store.Edit{Value: intp(1)}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	c.HandleDisconnect(nil)
	reads := len(ft.callLog())

	time.Sleep(60 * time.Millisecond)
	if got := len(ft.callLog()); got != reads {
		t.Errorf("transport read %d times after disconnect", got-reads)
	}
}

func TestSaveV1DropsVelocity(t *testing.T) {
	ft := &fakeTransport{reads: [][]byte{packet(protocol.V1, protocol.DefaultBoardState())}}
	st := store.New()
	c := New(ft, st, Options{Version: protocol.V1, RereadDelay: time.Hour})
	ctx := testContext(t)

	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if err := c.Save(ctx, 0, store.Edit{Velocity: intp(10)}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	if got := ft.lastWrite(); len(got) != 6 {
		t.Errorf("v1 save wrote %d bytes, want 6", len(got))
	}
	b, _ := st.Get(0)
	if b.Velocity != nil {
		t.Errorf("v1 store holds velocity %d", *b.Velocity)
	}
	_ = c.Disconnect()
}

// The polled re-read is a heuristic: if the firmware has not persisted the
// change when the re-read happens, the store reverts to the stale packet.
func TestV1RereadIsBestEffort(t *testing.T) {
	stale := packet(protocol.V1, protocol.DefaultBoardState())
	ft := &fakeTransport{reads: [][]byte{stale, stale}}
	st := store.New()
	c := New(ft, st, Options{Version: protocol.V1, RereadDelay: 5 * time.Millisecond})
	ctx := testContext(t)

	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if err := c.Save(ctx, 0, store.Edit{Value: intp(99)}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if err := c.WaitIdle(ctx); err != nil {
		t.Fatalf("WaitIdle() error = %v", err)
	}

	b, _ := st.Get(0)
	if b.Value != 60 {
		t.Errorf("store value = %d, want the stale 60 from the late re-read", b.Value)
	}
}

func TestSaveV2WaitsForNotification(t *testing.T) {
	initial := protocol.DefaultBoardState()
	ft := &fakeTransport{reads: [][]byte{packet(protocol.V2, initial)}}
	nt := notifyingTransport{ft}
	st := store.New()
	c := New(nt, st, Options{Version: protocol.V2})
	ctx := testContext(t)
	events, stop := c.Watch(16)
	defer stop()

	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if err := c.Save(ctx, 2, store.Edit{Value: intp(40), Velocity: intp(77)}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	want := []byte{1, 2, 0, 0, 40, 1, 77}
	if got := ft.lastWrite(); !reflect.DeepEqual(got, want) {
		t.Errorf("write = %v, want %v", got, want)
	}
	if !c.Pending() || c.Status().State != "awaiting-notification" {
		t.Fatalf("Status() = %+v, want pending awaiting-notification", c.Status())
	}

	// The firmware confirms with its own view, which may differ from the edit
	confirmed := initial.Clone()
	confirmed.Buttons[2] = protocol.ButtonConfig{Value: 41, Channel: 1, Velocity: protocol.IntPtr(77), Enabled: 1}
	if !nt.push(packet(protocol.V2, confirmed)) {
		t.Fatal("no subscriber")
	}

	ev := waitEvent(t, events, EventStateReplaced)
	for ev.Op != "notify" {
		ev = waitEvent(t, events, EventStateReplaced)
	}
	if c.Pending() {
		t.Error("Pending() = true after notification")
	}
	b, _ := st.Get(2)
	if b.Value != 41 {
		t.Errorf("store value = %d, want firmware's 41", b.Value)
	}
}

func TestV2DroppedNotificationLeavesPending(t *testing.T) {
	fw, _ := sim.New(protocol.V2)
	fw.DropNotifications(true)
	st := store.New()
	c := New(fw, st, Options{Version: protocol.V2})
	ctx := testContext(t)

	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if err := c.SwitchBank(ctx, 2); err != nil {
		t.Fatalf("SwitchBank() error = %v", err)
	}

	short, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	if err := c.WaitIdle(short); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("WaitIdle() error = %v, want deadline exceeded", err)
	}
	if st.CurrentBank() != 0 {
		t.Errorf("bank = %d before any read, want stale 0", st.CurrentBank())
	}

	if err := c.Refresh(ctx); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if st.CurrentBank() != 2 || c.Pending() {
		t.Errorf("after Refresh bank = %d pending = %v, want 2 false", st.CurrentBank(), c.Pending())
	}
}

func TestSwitchBankV2(t *testing.T) {
	fw, _ := sim.New(protocol.V2, sim.WithNotifyDelay(5*time.Millisecond))
	st := store.New()
	c := New(fw, st, Options{Version: protocol.V2})
	ctx := testContext(t)

	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if err := c.SwitchBank(ctx, 1); err != nil {
		t.Fatalf("SwitchBank() error = %v", err)
	}
	if err := c.WaitIdle(ctx); err != nil {
		t.Fatalf("WaitIdle() error = %v", err)
	}

	if got := fw.Writes()[0]; !reflect.DeepEqual(got, []byte{2, 1, 0, 0, 0, 0, 0}) {
		t.Errorf("bank command = %v", got)
	}
	if st.CurrentBank() != 1 {
		t.Errorf("CurrentBank() = %d, want 1", st.CurrentBank())
	}
	b, _ := st.Get(0)
	if b.Value != 67 {
		t.Errorf("bank 2 button 1 = %d, want 67", b.Value)
	}
}

func TestSwitchBankInvalid(t *testing.T) {
	fw, _ := sim.New(protocol.V1)
	c := New(fw, store.New(), Options{Version: protocol.V1})
	if err := c.Connect(testContext(t)); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	for _, bank := range []int{-1, protocol.NumBanks} {
		if err := c.SwitchBank(testContext(t), bank); !errors.Is(err, ErrInvalidBank) {
			t.Errorf("SwitchBank(%d) error = %v, want ErrInvalidBank", bank, err)
		}
	}
	if len(fw.Writes()) != 0 {
		t.Error("invalid bank was written")
	}
}

func TestWriteFailureLeavesStoreUntouched(t *testing.T) {
	fw, _ := sim.New(protocol.V1)
	st := store.New()
	c := New(fw, st, Options{Version: protocol.V1})
	ctx := testContext(t)
	events, stop := c.Watch(8)
	defer stop()

	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	before := st.Snapshot()

	fw.FailWrites(errors.New("gatt write rejected"))
	err := c.Save(ctx, 0, store.Edit{Value: intp(1)})
	if !errors.Is(err, ErrTransportFailure) {
		t.Fatalf("Save() error = %v, want ErrTransportFailure", err)
	}
	var terr *TransportError
	if !errors.As(err, &terr) || terr.Op != "save" {
		t.Errorf("Save() error = %#v, want *TransportError{Op: save}", err)
	}

	if !reflect.DeepEqual(st.Snapshot(), before) {
		t.Error("store changed after failed write")
	}
	if c.Pending() {
		t.Error("failed write left the controller pending")
	}
	waitEvent(t, events, EventError)

	// Retrying is up to the caller
	fw.FailWrites(nil)
	if err := c.Save(ctx, 0, store.Edit{Value: intp(1)}); err != nil {
		t.Errorf("retry Save() error = %v", err)
	}
}

func TestInvalidLengthDoesNotMutateStore(t *testing.T) {
	fw, _ := sim.New(protocol.V1)
	st := store.New()
	c := New(fw, st, Options{Version: protocol.V1})
	ctx := testContext(t)

	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	before, gen := st.Snapshot(), st.Generation()

	fw.TruncateReads(20)
	if err := c.Refresh(ctx); !errors.Is(err, protocol.ErrInvalidLength) {
		t.Fatalf("Refresh() error = %v, want ErrInvalidLength", err)
	}
	if !reflect.DeepEqual(st.Snapshot(), before) || st.Generation() != gen {
		t.Error("store mutated by a short packet")
	}
	if !c.Status().Connected {
		t.Error("short packet dropped the connection")
	}
}

func TestNotificationDecodeError(t *testing.T) {
	ft := &fakeTransport{reads: [][]byte{packet(protocol.V2, protocol.DefaultBoardState())}}
	nt := notifyingTransport{ft}
	st := store.New()
	c := New(nt, st, Options{Version: protocol.V2})
	events, stop := c.Watch(8)
	defer stop()

	if err := c.Connect(testContext(t)); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	gen := st.Generation()

	nt.push(make([]byte, 24))
	ev := waitEvent(t, events, EventError)
	if !errors.Is(ev.Err, protocol.ErrInvalidLength) {
		t.Errorf("event error = %v, want ErrInvalidLength", ev.Err)
	}
	if st.Generation() != gen {
		t.Error("store mutated by a short notification")
	}
}

func TestNotificationAfterDisconnectIgnored(t *testing.T) {
	ft := &fakeTransport{reads: [][]byte{packet(protocol.V2, protocol.DefaultBoardState())}}
	nt := notifyingTransport{ft}
	st := store.New()
	c := New(nt, st, Options{Version: protocol.V2})
	events, stop := c.Watch(8)
	defer stop()

	if err := c.Connect(testContext(t)); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	ft.mu.Lock()
	inFlight := ft.handler
	ft.mu.Unlock()

	c.HandleDisconnect(errors.New("link lost"))
	waitEvent(t, events, EventDisconnected)
	gen := st.Generation()

	changed := protocol.DefaultBoardState()
	changed.Bank = 2
	inFlight(packet(protocol.V2, changed))

	if st.Generation() != gen || st.CurrentBank() != 0 {
		t.Errorf("late notification applied: bank %d", st.CurrentBank())
	}
	select {
	case ev := <-events:
		t.Errorf("event %s after disconnect", ev.Kind)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestDeviceInitiatedChange(t *testing.T) {
	fw, _ := sim.New(protocol.V2)
	st := store.New()
	c := New(fw, st, Options{Version: protocol.V2})
	events, stop := c.Watch(8)
	defer stop()

	if err := c.Connect(testContext(t)); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	fw.NextBank()
	ev := waitEvent(t, events, EventStateReplaced)
	for ev.Op != "notify" {
		ev = waitEvent(t, events, EventStateReplaced)
	}
	if ev.State.Bank != 1 || st.CurrentBank() != 1 {
		t.Errorf("bank = %d / %d, want 1", ev.State.Bank, st.CurrentBank())
	}
}

func TestDisconnectPreservesStore(t *testing.T) {
	fw, _ := sim.New(protocol.V1)
	st := store.New()
	c := New(fw, st, Options{Version: protocol.V1, RereadDelay: time.Hour})
	ctx := testContext(t)
	events, stop := c.Watch(8)
	defer stop()

	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if err := c.SwitchBank(ctx, 2); err != nil {
		t.Fatalf("SwitchBank() error = %v", err)
	}
	before := st.Snapshot()

	fw.Drop(errors.New("supervision timeout"))
	ev := waitEvent(t, events, EventDisconnected)
	if !errors.Is(ev.Err, ErrDisconnected) {
		t.Errorf("event error = %v, want ErrDisconnected", ev.Err)
	}

	status := c.Status()
	if status.Connected || status.Pending || status.State != "disconnected" {
		t.Errorf("Status() = %+v after drop", status)
	}
	if !reflect.DeepEqual(st.Snapshot(), before) {
		t.Error("store changed on disconnect")
	}
	if err := c.Save(ctx, 0, store.Edit{}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Save() error = %v, want ErrNotConnected", err)
	}

	// Reconnecting is a user action and starts from a fresh read
	fw.Reconnect()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("reconnect error = %v", err)
	}
	if st.CurrentBank() != 2 {
		t.Errorf("bank after reconnect = %d, want 2", st.CurrentBank())
	}
}

func TestOperationsBeforeConnect(t *testing.T) {
	fw, _ := sim.New(protocol.V1)
	c := New(fw, store.New(), Options{Version: protocol.V1})
	ctx := testContext(t)

	if err := c.Save(ctx, 0, store.Edit{}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Save() error = %v, want ErrNotConnected", err)
	}
	if err := c.Refresh(ctx); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Refresh() error = %v, want ErrNotConnected", err)
	}
	if err := c.WaitIdle(ctx); err != nil {
		t.Errorf("WaitIdle() error = %v", err)
	}
}

func TestTransportErrorUnwrap(t *testing.T) {
	cause := errors.New("boom")
	err := error(&TransportError{Op: "read", Err: cause})

	if !errors.Is(err, ErrTransportFailure) || !errors.Is(err, cause) {
		t.Error("TransportError does not unwrap to both sentinel and cause")
	}
	if !IsTransportFailure(err) {
		t.Error("IsTransportFailure() = false")
	}
	if err.Error() != "read failed: boom" {
		t.Errorf("Error() = %q", err.Error())
	}
}
