package broker

import (
	"context"
	"net"
	"os"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/gotd/td/tgerr"

	"telegram-orchestrator/internal/domain/model"
)

func TestClassifyRPCCodes(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		want model.ErrorKind
	}{
		{name: "peerFlood", err: tgerr.New(400, "PEER_FLOOD"), want: model.KindPeerFlood},
		{name: "phoneBanned", err: tgerr.New(400, "PHONE_NUMBER_BANNED"), want: model.KindPhoneBanned},
		{name: "deactivatedBan", err: tgerr.New(401, "USER_DEACTIVATED_BAN"), want: model.KindPhoneBanned},
		{name: "deactivated", err: tgerr.New(401, "USER_DEACTIVATED"), want: model.KindUserDeactivated},
		{name: "authKeyUnregistered", err: tgerr.New(401, "AUTH_KEY_UNREGISTERED"), want: model.KindAuthKeyError},
		{name: "sessionRevoked", err: tgerr.New(401, "SESSION_REVOKED"), want: model.KindAuthKeyError},
		{name: "privacy", err: tgerr.New(403, "USER_PRIVACY_RESTRICTED"), want: model.KindPrivacyRestricted},
		{name: "blockedByUser", err: tgerr.New(400, "USER_BLOCKED"), want: model.KindPrivacyRestricted},
		{name: "usernameFree", err: tgerr.New(400, "USERNAME_NOT_OCCUPIED"), want: model.KindUserNotFound},
		{name: "phoneFree", err: tgerr.New(400, "PHONE_NOT_OCCUPIED"), want: model.KindUserNotFound},
		{name: "badUsername", err: tgerr.New(400, "USERNAME_INVALID"), want: model.KindInvalidIdentifier},
		{name: "badUserID", err: tgerr.New(400, "USER_ID_INVALID"), want: model.KindInvalidIdentifier},
		{name: "alreadyIn", err: tgerr.New(400, "USER_ALREADY_PARTICIPANT"), want: model.KindAlreadyParticipant},
		{name: "notMutual", err: tgerr.New(400, "USER_NOT_MUTUAL_CONTACT"), want: model.KindNotMutualContact},
		{name: "tooManyChannels", err: tgerr.New(400, "USER_CHANNELS_TOO_MUCH"), want: model.KindTargetChannelLimit},
		{name: "adminRequired", err: tgerr.New(400, "CHAT_ADMIN_REQUIRED"), want: model.KindGroupRestriction},
		{name: "bannedInChannel", err: tgerr.New(400, "USER_BANNED_IN_CHANNEL"), want: model.KindGroupRestriction},
		{name: "channelPrivate", err: tgerr.New(400, "CHANNEL_PRIVATE"), want: model.KindGroupRestriction},
		{name: "unknownCode", err: tgerr.New(400, "STICKERSET_INVALID"), want: model.KindUnknownPlatform},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := Classify(tc.err)
			if got.Kind != tc.want {
				t.Fatalf("Classify(%v).Kind = %q, want %q", tc.err, got.Kind, tc.want)
			}
			if got.Human == "" {
				t.Fatalf("Classify(%v) lost human phrase", tc.err)
			}
		})
	}
}

func TestClassifyFloodWait(t *testing.T) {
	t.Parallel()

	got := Classify(tgerr.New(420, "FLOOD_WAIT_30"))
	if got.Kind != model.KindFloodWait {
		t.Fatalf("Kind = %q, want FLOOD_WAIT", got.Kind)
	}
	if got.FloodSeconds != 30 {
		t.Fatalf("FloodSeconds = %d, want 30", got.FloodSeconds)
	}
	if got.FloodDuration() != 30*time.Second {
		t.Fatalf("FloodDuration() = %v, want 30s", got.FloodDuration())
	}
}

func TestClassifyWrappedRPC(t *testing.T) {
	t.Parallel()

	// Вид распознаётся и через цепочку обёрток.
	err := errors.Wrap(tgerr.New(400, "PEER_FLOOD"), "invite to channel")
	if got := Classify(err); got.Kind != model.KindPeerFlood {
		t.Fatalf("Kind = %q, want PEER_FLOOD through wrapping", got.Kind)
	}
}

func TestClassifyMissingInvitee(t *testing.T) {
	t.Parallel()

	err := errors.Wrap(errMissingInvitee, "invite user 42")
	if got := Classify(err); got.Kind != model.KindPrivacyRestricted {
		t.Fatalf("Kind = %q, want PRIVACY_RESTRICTED for silent drop", got.Kind)
	}
}

func TestClassifyTransient(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
	}{
		{name: "deadline", err: context.DeadlineExceeded},
		{name: "netTimeout", err: &net.OpError{Op: "dial", Err: os.ErrDeadlineExceeded}},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := Classify(tc.err); got.Kind != model.KindTransientNetwork {
				t.Fatalf("Classify(%v).Kind = %q, want TRANSIENT_NETWORK", tc.err, got.Kind)
			}
		})
	}
}

func TestClassifyCancelled(t *testing.T) {
	t.Parallel()

	// Отмена контекста — сигнал остановки, не сетевой сбой: иначе штатное
	// выключение записывало бы аккаунту ошибку.
	cases := []struct {
		name string
		err  error
	}{
		{name: "bare", err: context.Canceled},
		{name: "wrapped", err: errors.Wrap(context.Canceled, "fetch history")},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := Classify(tc.err)
			if got.Kind != model.KindCancelled {
				t.Fatalf("Classify(%v).Kind = %q, want CANCELLED", tc.err, got.Kind)
			}
			if got.Kind.AccountFault() || got.Kind.RecoverableForAccount() {
				t.Fatalf("CANCELLED must not be held against the account")
			}
		})
	}
}

func TestClassifySuccessAndUnknown(t *testing.T) {
	t.Parallel()

	if got := Classify(nil); !got.Success() {
		t.Fatalf("Classify(nil) = %#v, want success", got)
	}
	if got := Classify(errors.New("bolt: database closed")); got.Kind != model.KindUnknownPlatform {
		t.Fatalf("Kind = %q, want UNKNOWN_PLATFORM_ERROR for non-platform error", got.Kind)
	}
}
