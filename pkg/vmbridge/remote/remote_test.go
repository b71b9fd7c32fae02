package remote

import (
	"errors"
	"testing"

	"go.uber.org/zap"
)

type fakeSession struct {
	setFloatErrs []error // consumed one per SetFloat call
	setFloatLog  []Param
	closed       bool
}

func (s *fakeSession) Version() (string, error) { return "3.1.1.1", nil }

func (s *fakeSession) SetFloat(param Param, value float32) error {
	s.setFloatLog = append(s.setFloatLog, param)

	if len(s.setFloatErrs) == 0 {
		return nil
	}

	err := s.setFloatErrs[0]
	s.setFloatErrs = s.setFloatErrs[1:]

	return err
}

func (s *fakeSession) GetFloat(param Param) (float32, error)   { return 0, nil }
func (s *fakeSession) SetString(param Param, val string) error { return nil }
func (s *fakeSession) GetString(param Param) (string, error)   { return "", nil }
func (s *fakeSession) Dirty() (bool, error)                    { return true, nil }

func (s *fakeSession) Close() error {
	s.closed = true
	return nil
}

// fakeDialer returns the queued sessions (or errors) in order and counts calls
type fakeDialer struct {
	sessions []Session
	errs     []error
	calls    int
}

func (d *fakeDialer) dial() (Session, error) {
	i := d.calls
	d.calls++

	if i < len(d.errs) && d.errs[i] != nil {
		return nil, d.errs[i]
	}

	if i < len(d.sessions) {
		return d.sessions[i], nil
	}

	return nil, errors.New("dialer exhausted")
}

func TestStripParam(t *testing.T) {
	if got := StripParam(3, "Gain"); got != "Strip[3].Gain" {
		t.Errorf("StripParam(3, Gain) = %q, want Strip[3].Gain", got)
	}

	if got := StripParam(0, "Mute"); got != "Strip[0].Mute" {
		t.Errorf("StripParam(0, Mute) = %q, want Strip[0].Mute", got)
	}
}

func TestClientHealthyCallDoesNotRedial(t *testing.T) {
	sess := &fakeSession{}
	dialer := &fakeDialer{sessions: []Session{sess}}

	client := NewClient(zap.NewNop().Sugar(), dialer.dial)

	if !client.Connected() {
		t.Fatal("expected client to be connected after eager dial")
	}

	for i := 0; i < 3; i++ {
		if err := client.SetFloat(StripParam(3, "Gain"), -12); err != nil {
			t.Fatalf("SetFloat call %d: %v", i, err)
		}
	}

	if dialer.calls != 1 {
		t.Errorf("dialed %d times, want 1 (only the eager dial)", dialer.calls)
	}

	if len(sess.setFloatLog) != 3 {
		t.Errorf("session received %d SetFloat calls, want 3", len(sess.setFloatLog))
	}
}

func TestClientReconnectsAndRetriesOnce(t *testing.T) {
	stale := &fakeSession{setFloatErrs: []error{errors.New("engine gone")}}
	fresh := &fakeSession{}
	dialer := &fakeDialer{sessions: []Session{stale, fresh}}

	client := NewClient(zap.NewNop().Sugar(), dialer.dial)

	if err := client.SetFloat(StripParam(3, "Mute"), 1); err != nil {
		t.Fatalf("SetFloat after reconnect: %v", err)
	}

	if !stale.closed {
		t.Error("stale session was not closed before reconnecting")
	}

	if dialer.calls != 2 {
		t.Errorf("dialed %d times, want 2 (eager dial + reconnect)", dialer.calls)
	}

	if len(fresh.setFloatLog) != 1 {
		t.Errorf("fresh session received %d SetFloat calls, want 1", len(fresh.setFloatLog))
	}
}

func TestClientRetryFailureKeepsFreshSession(t *testing.T) {
	stale := &fakeSession{setFloatErrs: []error{errors.New("engine gone")}}
	fresh := &fakeSession{setFloatErrs: []error{errors.New("still booting")}}
	dialer := &fakeDialer{sessions: []Session{stale, fresh}}

	client := NewClient(zap.NewNop().Sugar(), dialer.dial)

	if err := client.SetFloat(StripParam(3, "Gain"), -30); err == nil {
		t.Fatal("expected error when the retry also fails")
	}

	// the fresh session survives so the next call starts from it
	if !client.Connected() {
		t.Error("expected client to keep the fresh session after a failed retry")
	}

	if err := client.SetFloat(StripParam(3, "Gain"), -30); err != nil {
		t.Fatalf("SetFloat on kept fresh session: %v", err)
	}

	if dialer.calls != 2 {
		t.Errorf("dialed %d times, want 2", dialer.calls)
	}
}

func TestClientDialFailureReturnsConnectError(t *testing.T) {
	dialErr := errors.New("login refused")
	dialer := &fakeDialer{errs: []error{dialErr, dialErr}}

	client := NewClient(zap.NewNop().Sugar(), dialer.dial)

	if client.Connected() {
		t.Fatal("expected client to stay disconnected after failed eager dial")
	}

	err := client.SetFloat(StripParam(3, "Gain"), 0)
	if err == nil {
		t.Fatal("expected error when dialing fails")
	}

	var connErr *ConnectError
	if !errors.As(err, &connErr) {
		t.Fatalf("error %v is not a ConnectError", err)
	}

	if !errors.Is(err, dialErr) {
		t.Errorf("error %v does not wrap the dial error", err)
	}

	if client.Connected() {
		t.Error("expected client to remain disconnected")
	}
}

func TestClientCommitDirty(t *testing.T) {
	sess := &fakeSession{}
	dialer := &fakeDialer{sessions: []Session{sess}}

	client := NewClient(zap.NewNop().Sugar(), dialer.dial)

	if err := client.CommitDirty(); err != nil {
		t.Fatalf("CommitDirty: %v", err)
	}
}
