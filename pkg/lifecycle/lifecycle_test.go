package lifecycle

import (
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestValidateTransition(t *testing.T) {
	tests := []struct {
		from    State
		to      State
		wantErr bool
	}{
		{StateRunning, StateDraining, false},
		{StateDraining, StateStopped, false},
		{StateRunning, StateStopped, true},
		{StateRunning, StateRunning, true},
		{StateDraining, StateRunning, true},
		{StateDraining, StateDraining, true},
		{StateStopped, StateRunning, true},
		{StateStopped, StateDraining, true},
		{StateStopped, StateStopped, true},
		{State("paused"), StateStopped, true},
		{StateRunning, State("paused"), true},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			err := ValidateTransition(tt.from, tt.to)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateTransition(%s, %s) error = %v, wantErr %v", tt.from, tt.to, err, tt.wantErr)
			}
		})
	}
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []string
}

func (r *recordingNotifier) add(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, s)
}

func (r *recordingNotifier) Ready()            { r.add("ready") }
func (r *recordingNotifier) Stopping()         { r.add("stopping") }
func (r *recordingNotifier) Status(msg string) { r.add("status:" + msg) }

func closed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func TestMonitorLifecycle(t *testing.T) {
	n := &recordingNotifier{}
	m := NewMonitor(n)

	if !m.Ready() || !m.Live() {
		t.Fatalf("new monitor should be ready and live")
	}
	if closed(m.Draining()) || closed(m.Stopped()) {
		t.Fatalf("channels closed before transitions")
	}

	if !m.BeginDrain() {
		t.Fatalf("first BeginDrain should perform the transition")
	}
	if m.BeginDrain() {
		t.Errorf("second BeginDrain should be a no-op")
	}
	if m.Ready() {
		t.Errorf("draining monitor must not be ready")
	}
	if !m.Live() {
		t.Errorf("draining monitor must stay live")
	}
	if !closed(m.Draining()) {
		t.Errorf("Draining() not closed")
	}

	if err := m.Transition(StateStopped); err != nil {
		t.Fatalf("Transition(stopped): %v", err)
	}
	if m.Live() {
		t.Errorf("stopped monitor must not be live")
	}
	if !closed(m.Stopped()) {
		t.Errorf("Stopped() not closed")
	}
	if err := m.Transition(StateRunning); err == nil {
		t.Errorf("stopped must be terminal")
	}

	want := []string{"stopping", "status:stopped"}
	if len(n.events) != len(want) {
		t.Fatalf("notifications = %v, want %v", n.events, want)
	}
	for i := range want {
		if n.events[i] != want[i] {
			t.Errorf("notification[%d] = %q, want %q", i, n.events[i], want[i])
		}
	}
}

func TestConcurrentBeginDrainHasOneWinner(t *testing.T) {
	m := NewMonitor(nil)
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if m.BeginDrain() {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if winners != 1 {
		t.Errorf("winners = %d, want 1", winners)
	}
}

func TestSystemdNotifierWritesToSocket(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "notify.sock")
	conn, err := net.ListenUnixgram("unixgram", &net.UnixAddr{Name: sock, Net: "unixgram"})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer conn.Close()
	t.Setenv("NOTIFY_SOCKET", sock)

	SystemdNotifier{}.Ready()

	buf := make([]byte, 64)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got := string(buf[:n]); got != "READY=1" {
		t.Errorf("notification = %q, want READY=1", got)
	}
}

func TestSystemdNotifierWithoutSocket(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")
	SystemdNotifier{}.Stopping()
}
