package scheduling

import "time"

// expandRecurrence materializes the concrete windows implied by a recurring
// seed: one non-recurring window per day after the seed date, through
// RecurringUntil inclusive, on every weekday listed in RecurringDays
// (0=Sunday .. 6=Saturday). The seed's own date is never re-emitted, even
// when its weekday matches. A seed with no days, no until date, or an until
// date before the seed date expands to nothing.
func expandRecurrence(seed *AvailabilityWindow) []*AvailabilityWindow {
	if !seed.Recurring || seed.RecurringUntil == nil || len(seed.RecurringDays) == 0 {
		return nil
	}

	days := make(map[time.Weekday]bool, len(seed.RecurringDays))
	for _, d := range seed.RecurringDays {
		days[time.Weekday(d)] = true
	}

	until := *seed.RecurringUntil
	var out []*AvailabilityWindow
	for d := seed.Date.AddDays(1); !d.After(until); d = d.AddDays(1) {
		if !days[d.Weekday()] {
			continue
		}
		out = append(out, &AvailabilityWindow{
			ProviderID: seed.ProviderID,
			Date:       d,
			StartTime:  seed.StartTime,
			EndTime:    seed.EndTime,
		})
	}
	return out
}
