package broker

import (
	"testing"
	"time"

	"telegram-orchestrator/internal/domain/model"
	"telegram-orchestrator/internal/infra/config"
)

func TestEffectiveDelay(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		profile time.Duration
		budget  int
		want    time.Duration
	}{
		// SAFE: профильная пауза 2s строже бюджетного периода 3s? Нет:
		// 20 зап/мин — период 3s, он длиннее и побеждает.
		{name: "safeBudgetWins", profile: 2 * time.Second, budget: 20, want: 3 * time.Second},
		// MEDIUM: 40 зап/мин — период 1.5s длиннее профильных 800ms.
		{name: "mediumBudgetWins", profile: 800 * time.Millisecond, budget: 40, want: 1500 * time.Millisecond},
		// FAST per-user: профильные 500ms короче периода 666ms.
		{name: "fastBudgetWins", profile: 500 * time.Millisecond, budget: 90, want: time.Minute / 90},
		// Профиль строже бюджета.
		{name: "profileWins", profile: 5 * time.Second, budget: 60, want: 5 * time.Second},
		// Нулевой бюджет не ограничивает.
		{name: "noBudget", profile: time.Second, budget: 0, want: time.Second},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := effectiveDelay(tc.profile, tc.budget); got != tc.want {
				t.Fatalf("effectiveDelay(%v, %d) = %v, want %v", tc.profile, tc.budget, got, tc.want)
			}
		})
	}
}

func TestSpeedProfileDelays(t *testing.T) {
	t.Parallel()

	// Для каждого профиля эффективная пауза не короче профильной.
	for _, profile := range []model.SpeedProfile{model.SpeedSafe, model.SpeedMedium, model.SpeedFast} {
		s := config.Speed(profile)
		if got := effectiveDelay(s.PerMessageDelay, s.BudgetPerMinute); got < s.PerMessageDelay {
			t.Fatalf("%s: message delay %v below profile %v", profile, got, s.PerMessageDelay)
		}
		if got := effectiveDelay(s.PerUserDelay, s.BudgetPerMinute); got < s.PerUserDelay {
			t.Fatalf("%s: user delay %v below profile %v", profile, got, s.PerUserDelay)
		}
	}
}
