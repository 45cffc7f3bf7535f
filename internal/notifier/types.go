package notifier

import (
	"context"
	"sort"
	"strings"
	"time"
)

// Config controls the async notification pipeline.
type Config struct {
	Enabled         bool
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int

	// RecipientRole names the role whose members receive alerts.
	RecipientRole string
}

type Priority string

const (
	PriorityNormal Priority = "NORMAL"
	PriorityHigh   Priority = "HIGH"
	PriorityUrgent Priority = "URGENT"
)

// CategorySystem is the category of every job-health notification.
const CategorySystem = "SYSTEM"

type Metadata struct {
	JobID               int64  `json:"jobId"`
	JobName             string `json:"jobName"`
	Error               string `json:"error,omitempty"`
	ConsecutiveFailures uint32 `json:"consecutiveFailures,omitempty"`
}

// Notification is one message for one recipient.
type Notification struct {
	RecipientID string   `json:"recipientId"`
	Title       string   `json:"title"`
	Message     string   `json:"message"`
	Category    string   `json:"category"`
	Priority    Priority `json:"priority"`
	Metadata    Metadata `json:"metadata"`
}

// Alert is a notification before recipient fan-out.
type Alert struct {
	Title    string
	Message  string
	Priority Priority
	Metadata Metadata
}

// Sink delivers a single notification.
type Sink interface {
	Emit(ctx context.Context, n Notification) error
}

// RoleResolver lists the recipient ids holding a role.
type RoleResolver interface {
	Members(ctx context.Context, role string) ([]string, error)
}

// StaticRoles resolves roles from a fixed map (role -> recipient ids).
type StaticRoles map[string][]string

func (r StaticRoles) Members(_ context.Context, role string) ([]string, error) {
	ids := r[strings.TrimSpace(role)]
	out := make([]string, 0, len(ids))
	seen := map[string]struct{}{}
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

type HistoryItem struct {
	At           time.Time
	Notification Notification
}

// NotificationEvent is emitted on the event bus for notifier lifecycle events.
type NotificationEvent struct {
	RecipientID string    `json:"recipient_id"`
	Priority    Priority  `json:"priority"`
	JobID       int64     `json:"job_id,omitempty"`
	Key         string    `json:"key"`
	At          time.Time `json:"at"`
	Error       string    `json:"error,omitempty"`
}

func eventFor(n Notification, key string, err error) NotificationEvent {
	ev := NotificationEvent{RecipientID: n.RecipientID, Priority: n.Priority, JobID: n.Metadata.JobID, Key: key, At: time.Now()}
	if err != nil {
		ev.Error = err.Error()
	}
	return ev
}
