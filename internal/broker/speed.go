// Темп исходящих вызовов парсинга. Два ограничителя работают одновременно:
// профильная задержка на элемент и минутный бюджет запросов (token bucket).
// Эффективная пауза всегда равна более строгой из двух.
package broker

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"telegram-orchestrator/internal/infra/config"
)

// pacer дозирует вызовы одной парсинг-задачи.
type pacer struct {
	settings config.SpeedSettings
	limiter  *rate.Limiter
}

func newPacer(s config.SpeedSettings) *pacer {
	return &pacer{
		settings: s,
		limiter:  rate.NewLimiter(rate.Limit(float64(s.BudgetPerMinute)/60.0), 1),
	}
}

// effectiveDelay возвращает паузу между элементами: максимум из профильной
// задержки и периода, вытекающего из минутного бюджета.
func effectiveDelay(profile time.Duration, budgetPerMinute int) time.Duration {
	if budgetPerMinute <= 0 {
		return profile
	}
	budgetPeriod := time.Minute / time.Duration(budgetPerMinute)
	if budgetPeriod > profile {
		return budgetPeriod
	}
	return profile
}

// waitMessage блокируется перед очередным запросом истории.
func (p *pacer) waitMessage(ctx context.Context) error {
	return p.wait(ctx, p.settings.PerMessageDelay)
}

// waitUser блокируется перед очередным запросом участников.
func (p *pacer) waitUser(ctx context.Context) error {
	return p.wait(ctx, p.settings.PerUserDelay)
}

func (p *pacer) wait(ctx context.Context, profile time.Duration) error {
	if err := p.limiter.Wait(ctx); err != nil {
		return err
	}
	delay := effectiveDelay(profile, p.settings.BudgetPerMinute)
	// Бюджет уже выдержан лимитером; досыпаем разницу до профильной паузы.
	if delay > profile {
		return nil
	}
	timer := time.NewTimer(profile)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
