package cron

import (
	"errors"
	"fmt"
	"strings"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/grail/internal/persistence"
)

// cronParser parses the normalized six-field form (second, minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Second | cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// NormalizeExpr accepts 5-field (minute precision), 6-field (with seconds)
// and 7-field (with a trailing year) expressions and returns the six-field
// form. Only "*" is accepted for the year.
func NormalizeExpr(expr string) (string, error) {
	parts := strings.Fields(expr)
	if len(parts) == 1 && strings.HasPrefix(parts[0], "@") {
		return parts[0], nil
	}
	switch len(parts) {
	case 5:
		return "0 " + strings.Join(parts, " "), nil
	case 6:
		return strings.Join(parts, " "), nil
	case 7:
		if parts[6] != "*" {
			return "", fmt.Errorf("cron year field %q not supported, use *", parts[6])
		}
		return strings.Join(parts[:6], " "), nil
	default:
		return "", errors.New("cron expr must have 5, 6, or 7 fields")
	}
}

// ParseExpr normalizes and parses an expression.
func ParseExpr(expr string) (cronlib.Schedule, error) {
	norm, err := NormalizeExpr(expr)
	if err != nil {
		return nil, err
	}
	sched, err := cronParser.Parse(norm)
	if err != nil {
		return nil, fmt.Errorf("parse cron expr %q: %w", expr, err)
	}
	return sched, nil
}

// NextRunTime returns the next activation of expr strictly after the given time.
func NextRunTime(expr string, after time.Time) (time.Time, error) {
	sched, err := ParseExpr(expr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}

// ValidateJob checks a job before it is persisted.
func ValidateJob(j persistence.CronJob) error {
	required := map[string]string{
		"id":           j.ID,
		"name":         j.Name,
		"workspace_id": j.WorkspaceID,
		"channel_id":   j.ChannelID,
		"prompt_text":  j.PromptText,
	}
	for _, field := range []string{"id", "name", "workspace_id", "channel_id", "prompt_text"} {
		if strings.TrimSpace(required[field]) == "" {
			return fmt.Errorf("cron job %s is required", field)
		}
	}
	switch j.Mode {
	case persistence.CronModeAgent, persistence.CronModeMessage:
	default:
		return fmt.Errorf("cron job mode %q must be agent or message", j.Mode)
	}
	switch j.ScheduleKind {
	case persistence.ScheduleEvery:
		if j.EverySeconds <= 0 {
			return errors.New("cron job every_seconds must be positive")
		}
	case persistence.ScheduleCron:
		if strings.TrimSpace(j.CronExpr) == "" {
			return errors.New("cron job cron_expr is required")
		}
		if _, err := ParseExpr(j.CronExpr); err != nil {
			return err
		}
	case persistence.ScheduleAt:
		if j.AtTS <= 0 {
			return errors.New("cron job at_ts must be a unix timestamp")
		}
	default:
		return fmt.Errorf("cron job schedule_kind %q must be every, cron or at", j.ScheduleKind)
	}
	return nil
}

// FirstRun computes the initial next_run_at for a new job.
func FirstRun(j persistence.CronJob, now time.Time) (*time.Time, error) {
	switch j.ScheduleKind {
	case persistence.ScheduleAt:
		t := time.Unix(j.AtTS, 0).UTC()
		return &t, nil
	default:
		return NextAfterFire(j, now)
	}
}

// NextAfterFire computes next_run_at after a firing. One-shot jobs return nil.
func NextAfterFire(j persistence.CronJob, firedAt time.Time) (*time.Time, error) {
	switch j.ScheduleKind {
	case persistence.ScheduleEvery:
		if j.EverySeconds <= 0 {
			return nil, errors.New("every_seconds must be positive")
		}
		t := firedAt.Add(time.Duration(j.EverySeconds) * time.Second).UTC()
		return &t, nil
	case persistence.ScheduleCron:
		next, err := NextRunTime(j.CronExpr, firedAt)
		if err != nil {
			return nil, err
		}
		next = next.UTC()
		return &next, nil
	case persistence.ScheduleAt:
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown schedule kind %q", j.ScheduleKind)
	}
}
