// Проверка бюджета сессии перед действием. Правила идут в фиксированном
// порядке, решение принимает первое нарушенное; retry_after считается от
// таймстампов самих действий, фоновых чисток окон нет.
package accounts

import (
	"time"

	"telegram-orchestrator/internal/domain/model"
	"telegram-orchestrator/internal/infra/config"
)

// Имена правил бюджета. RuleChannelLifetime особенный: retry_after у него
// нулевой, этот запрет не истекает.
const (
	RuleChannelLifetime = "channel_lifetime"
	RuleDaily           = "daily"
	RuleChannelDaily    = "channel_daily"
	RuleHourly          = "hourly"
	RuleCooldown        = "cooldown"
	RuleBurst           = "burst"
	RuleMessageDaily    = "message_daily"
)

// Decision — вердикт проверки бюджета.
type Decision struct {
	Allowed bool
	// Rule — имя первого нарушенного правила (пусто при Allowed).
	Rule string
	// RetryAfter — через сколько правило перестанет мешать. Ноль при
	// Allowed и для пожизненного потолка.
	RetryAfter time.Duration
}

func allowed() Decision { return Decision{Allowed: true} }

func denied(rule string, retryAfter time.Duration) Decision {
	if retryAfter < 0 {
		retryAfter = 0
	}
	return Decision{Rule: rule, RetryAfter: retryAfter}
}

// dayKey возвращает UTC-день действия с учётом часа сброса счётчиков.
func dayKey(now time.Time, resetHourUTC int) string {
	return now.UTC().Add(-time.Duration(resetHourUTC) * time.Hour).Format("2006-01-02")
}

// untilNextReset — сколько осталось до ближайшего сброса суточных счётчиков.
func untilNextReset(now time.Time, resetHourUTC int) time.Duration {
	utc := now.UTC()
	next := time.Date(utc.Year(), utc.Month(), utc.Day(), resetHourUTC, 0, 0, 0, time.UTC)
	if !next.After(utc) {
		next = next.Add(24 * time.Hour)
	}
	return next.Sub(utc)
}

// normalizeDay обнуляет суточные счётчики сессии, если начался новый день.
// Пожизненные счётчики и часовые окна не трогаются.
func normalizeDay(sess *model.Session, now time.Time, resetHourUTC int) {
	day := dayKey(now, resetHourUTC)
	if sess.CounterDay == day {
		return
	}
	sess.CounterDay = day
	sess.InvitesToday = 0
	sess.MessagesToday = 0
	sess.ContactsToday = 0
	for channel, usage := range sess.Channels {
		usage.InvitesToday = 0
		sess.Channels[channel] = usage
	}
}

// recentInvites возвращает отметки инвайтов внутри окна window от now.
func recentInvites(times []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	var out []time.Time
	for _, t := range times {
		if t.After(cutoff) {
			out = append(out, t)
		}
	}
	return out
}

// checkInvite применяет правила инвайт-бюджета к сессии (суточные счётчики
// уже нормализованы). Порядок правил фиксирован: пожизненный потолок,
// суточные, часовое окно, кулдаун, burst.
func checkInvite(sess *model.Session, channel string, table config.LimitTable, now time.Time, resetHourUTC int) Decision {
	usage := sess.ChannelUsageFor(channel)

	if usage.InvitesLifetime >= table.InviteChannelLifetime {
		return denied(RuleChannelLifetime, 0)
	}
	if sess.InvitesToday >= table.InviteDaily {
		return denied(RuleDaily, untilNextReset(now, resetHourUTC))
	}
	if usage.InvitesToday >= table.InviteChannelDaily {
		return denied(RuleChannelDaily, untilNextReset(now, resetHourUTC))
	}

	hour := recentInvites(sess.InviteTimes, now, time.Hour)
	if len(hour) >= table.InviteHourly {
		oldest := hour[0]
		for _, t := range hour {
			if t.Before(oldest) {
				oldest = t
			}
		}
		return denied(RuleHourly, oldest.Add(time.Hour).Sub(now))
	}

	if last, ok := lastInvite(sess.InviteTimes); ok {
		if gap := now.Sub(last); gap < table.InviteCooldown {
			return denied(RuleCooldown, table.InviteCooldown-gap)
		}
	}

	burst := recentInvites(sess.InviteTimes, now, table.BurstCooldown)
	if len(burst) >= table.BurstMax {
		oldest := burst[0]
		for _, t := range burst {
			if t.Before(oldest) {
				oldest = t
			}
		}
		return denied(RuleBurst, oldest.Add(table.BurstCooldown).Sub(now))
	}

	return allowed()
}

// checkMessage применяет суточный лимит личных сообщений.
func checkMessage(sess *model.Session, table config.LimitTable, now time.Time, resetHourUTC int) Decision {
	if sess.MessagesToday >= table.MessageDaily {
		return denied(RuleMessageDaily, untilNextReset(now, resetHourUTC))
	}
	return allowed()
}

// checkBudget выбирает набор правил по назначению аллокации. Парсинг и
// админ-проба не тратят инвайт-бюджет и проходят всегда.
func checkBudget(sess *model.Session, purpose model.Purpose, channel string, table config.LimitTable, now time.Time, resetHourUTC int) Decision {
	switch purpose {
	case model.PurposeInvite:
		return checkInvite(sess, channel, table, now, resetHourUTC)
	case model.PurposeDirect:
		return checkMessage(sess, table, now, resetHourUTC)
	default:
		return allowed()
	}
}

func lastInvite(times []time.Time) (time.Time, bool) {
	if len(times) == 0 {
		return time.Time{}, false
	}
	last := times[0]
	for _, t := range times[1:] {
		if t.After(last) {
			last = t
		}
	}
	return last, true
}

// pruneInviteTimes оставляет только отметки, ещё влияющие на какое-либо
// окно (самое длинное — час).
func pruneInviteTimes(times []time.Time, now time.Time) []time.Time {
	return recentInvites(times, now, time.Hour)
}
