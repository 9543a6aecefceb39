package cron

import (
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	rcron "github.com/robfig/cron/v3"
)

// Schedule kinds.
const (
	KindCron  = "cron"
	KindEvery = "every"
	KindAt    = "at"
)

// Actions a job can request from the gateway.
const (
	ActionNegotiateAll = "negotiate_all"
	ActionNegotiate    = "negotiate"
	ActionStats        = "stats"
	ActionPrune        = "prune"
)

// InternalPrefix marks jobs the gateway owns. They are re-asserted on every
// start and cannot be removed by users.
const InternalPrefix = "__internal:"

var parser = rcron.NewParser(rcron.Second | rcron.Minute | rcron.Hour | rcron.Dom | rcron.Month | rcron.Dow | rcron.Descriptor)

type Schedule struct {
	Kind    string `json:"kind"`
	Expr    string `json:"expr,omitempty"`
	EveryMs int64  `json:"everyMs,omitempty"`
	AtMs    int64  `json:"atMs,omitempty"`
}

// Validate checks that the schedule can fire.
func (s Schedule) Validate() error {
	switch s.Kind {
	case KindCron:
		if _, err := parser.Parse(s.Expr); err != nil {
			return fmt.Errorf("invalid cron expression %q: %w", s.Expr, err)
		}
	case KindEvery:
		if s.EveryMs <= 0 {
			return fmt.Errorf("every schedule needs a positive interval")
		}
	case KindAt:
		if s.AtMs <= 0 {
			return fmt.Errorf("at schedule needs a timestamp")
		}
	default:
		return fmt.Errorf("unknown schedule kind %q", s.Kind)
	}
	return nil
}

func (s Schedule) String() string {
	switch s.Kind {
	case KindCron:
		return s.Expr
	case KindEvery:
		return "every " + (time.Duration(s.EveryMs) * time.Millisecond).String()
	case KindAt:
		return "at " + time.UnixMilli(s.AtMs).Format(time.RFC3339)
	}
	return s.Kind
}

// Payload says what a job does when it fires. Channel and To, when set,
// receive a text report of the result.
type Payload struct {
	Action   string `json:"action"`
	SeekerID string `json:"seekerId,omitempty"`
	Channel  string `json:"channel,omitempty"`
	To       string `json:"to,omitempty"`
}

type JobState struct {
	LastRunAtMs int64  `json:"lastRunAtMs,omitempty"`
	LastStatus  string `json:"lastStatus,omitempty"`
	LastError   string `json:"lastError,omitempty"`
}

type CronJob struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	Enabled        bool     `json:"enabled"`
	Schedule       Schedule `json:"schedule"`
	Payload        Payload  `json:"payload"`
	State          JobState `json:"state"`
	DeleteAfterRun bool     `json:"deleteAfterRun,omitempty"`
	CreatedAtMs    int64    `json:"createdAtMs"`
}

func NewCronJob(name string, schedule Schedule, payload Payload) CronJob {
	return CronJob{
		ID:             strings.ToLower(ulid.Make().String()),
		Name:           name,
		Enabled:        true,
		Schedule:       schedule,
		Payload:        payload,
		DeleteAfterRun: schedule.Kind == KindAt,
		CreatedAtMs:    time.Now().UnixMilli(),
	}
}

// Internal reports whether the gateway owns the job.
func (j CronJob) Internal() bool {
	return strings.HasPrefix(j.ID, InternalPrefix)
}
