package accounts

import (
	"context"
	"errors"
	"testing"
	"time"

	"telegram-orchestrator/internal/domain/model"
)

func TestProbeDelay(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		failures int
		base     time.Duration
		want     time.Duration
	}{
		{name: "firstProbe", failures: 0, base: 30 * time.Second, want: 30 * time.Second},
		{name: "secondProbe", failures: 1, base: 30 * time.Second, want: time.Minute},
		{name: "fourthProbe", failures: 3, base: 30 * time.Second, want: 4 * time.Minute},
		{name: "cappedAtDay", failures: 20, base: time.Hour, want: 24 * time.Hour},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := probeDelay(tc.failures, tc.base); got != tc.want {
				t.Fatalf("probeDelay(%d, %v) = %v, want %v", tc.failures, tc.base, got, tc.want)
			}
		})
	}
}

func TestRecoverOneSuccess(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	sess := freshSession("a")
	sess.Status = model.SessionFloodWait
	sess.FloodWaitUntil = t0.Add(-time.Minute)
	sess.ErrorCount = 2

	state := newFakeState(sess)
	locks := newFakeLocks()
	m := testManager(state, locks, &fakeProber{})

	m.recoverOne(ctx, model.RecoveryEntry{AccountID: "a", Reason: model.RecoveryFloodWait, DueAt: t0})

	got := state.sessions["a"]
	if got.Status != model.SessionActive {
		t.Fatalf("Status = %q, want ACTIVE", got.Status)
	}
	if !got.FloodWaitUntil.IsZero() || !got.BlockedUntil.IsZero() {
		t.Fatalf("windows must be cleared: flood=%v blocked=%v", got.FloodWaitUntil, got.BlockedUntil)
	}
	if got.ErrorCount != 0 {
		t.Fatalf("ErrorCount = %d, want 0", got.ErrorCount)
	}
	if _, busy := locks.held["a"]; busy {
		t.Fatalf("probe lock must be released")
	}
}

func TestRecoverOneSkipsTerminalStates(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	cases := []struct {
		name   string
		status model.SessionStatus
	}{
		{name: "alreadyActive", status: model.SessionActive},
		{name: "disabledForever", status: model.SessionDisabled},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			sess := freshSession("a")
			sess.Status = tc.status
			state := newFakeState(sess)
			locks := newFakeLocks()
			m := testManager(state, locks, &fakeProber{})

			m.recoverOne(ctx, model.RecoveryEntry{AccountID: "a", Reason: model.RecoveryFloodWait, DueAt: t0})

			if state.saved != 0 {
				t.Fatalf("session must not be touched, saves = %d", state.saved)
			}
			if len(locks.scheduled) != 0 {
				t.Fatalf("nothing to reschedule, got %#v", locks.scheduled)
			}
		})
	}
}

func TestRecoverOneBusyAccountRescheduled(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	sess := freshSession("a")
	sess.Status = model.SessionFloodWait
	state := newFakeState(sess)
	locks := newFakeLocks()
	locks.denied["a"] = true
	m := testManager(state, locks, &fakeProber{})

	m.recoverOne(ctx, model.RecoveryEntry{AccountID: "a", Reason: model.RecoveryFloodWait, DueAt: t0})

	if len(locks.scheduled) != 1 {
		t.Fatalf("scheduled = %#v, want one retry entry", locks.scheduled)
	}
	entry := locks.scheduled[0]
	if entry.Reason != model.RecoveryFloodWait {
		t.Fatalf("Reason = %q, want FLOOD_WAIT", entry.Reason)
	}
	if want := t0.Add(time.Minute); !entry.DueAt.Equal(want) {
		t.Fatalf("DueAt = %v, want %v", entry.DueAt, want)
	}
}

func TestRecoverOneFatalProbeDisables(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	sess := freshSession("a")
	sess.Status = model.SessionBlocked
	state := newFakeState(sess)
	probe := &fakeProber{outcomes: map[string]model.Outcome{
		"a": model.Failure(model.KindUserDeactivated, errors.New("rpc error code 401: USER_DEACTIVATED")),
	}}
	m := testManager(state, newFakeLocks(), probe)

	m.recoverOne(ctx, model.RecoveryEntry{AccountID: "a", Reason: model.RecoveryPeerFlood, DueAt: t0})

	if got := state.sessions["a"]; got.Status != model.SessionDisabled {
		t.Fatalf("Status = %q, want DISABLED", got.Status)
	}
	if len(probe.evicted) != 1 {
		t.Fatalf("evicted = %v, want the probed session", probe.evicted)
	}
}

func TestRecoverOneFailedProbeRescheduled(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	sess := freshSession("a")
	sess.Status = model.SessionFloodWait
	state := newFakeState(sess)
	locks := newFakeLocks()
	probe := &fakeProber{outcomes: map[string]model.Outcome{
		"a": model.FloodWait(3600, errors.New("rpc error code 420: FLOOD_WAIT_3600")),
	}}
	m := testManager(state, locks, probe)

	m.recoverOne(ctx, model.RecoveryEntry{AccountID: "a", Reason: model.RecoveryFloodWait, DueAt: t0})

	got := state.sessions["a"]
	if got.ErrorCount != 1 {
		t.Fatalf("ErrorCount = %d, want 1", got.ErrorCount)
	}
	if got.Status != model.SessionFloodWait {
		t.Fatalf("Status = %q, want FLOOD_WAIT", got.Status)
	}
	if len(locks.scheduled) != 1 {
		t.Fatalf("scheduled = %#v, want one entry", locks.scheduled)
	}
	// Новая пауза платформы дольше экспоненциальной: ждём её конца плюс буфер.
	if want := t0.Add(3600 * time.Second).Add(60 * time.Second); !locks.scheduled[0].DueAt.Equal(want) {
		t.Fatalf("DueAt = %v, want %v", locks.scheduled[0].DueAt, want)
	}
}

func TestRecoverOneMaxFailuresDisables(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	sess := freshSession("a")
	sess.Status = model.SessionFloodWait
	sess.ErrorCount = 4 // следующая неудача — пятая
	state := newFakeState(sess)
	locks := newFakeLocks()
	probe := &fakeProber{outcomes: map[string]model.Outcome{
		"a": model.Failure(model.KindTransientNetwork, errors.New("dial tcp: i/o timeout")),
	}}
	m := testManager(state, locks, probe)

	m.recoverOne(ctx, model.RecoveryEntry{AccountID: "a", Reason: model.RecoveryFloodWait, DueAt: t0})

	if got := state.sessions["a"]; got.Status != model.SessionDisabled {
		t.Fatalf("Status = %q, want DISABLED after max failures", got.Status)
	}
	if len(locks.scheduled) != 0 {
		t.Fatalf("disabled session must not be rescheduled, got %#v", locks.scheduled)
	}
	if len(probe.evicted) != 1 {
		t.Fatalf("evicted = %v, want the disabled session", probe.evicted)
	}
}
