package models

import "time"

const InstancesTableName = "instances"

type InstanceStatus string

const (
	StatusDeploying InstanceStatus = "deploying"
	StatusRunning   InstanceStatus = "running"
	StatusStopped   InstanceStatus = "stopped"
	StatusFailed    InstanceStatus = "failed"
)

// AllStatuses lists every lifecycle state, in display order.
var AllStatuses = []InstanceStatus{StatusDeploying, StatusRunning, StatusStopped, StatusFailed}

// DefaultPrefix is used when a bot config leaves the command prefix empty.
const DefaultPrefix = "."

// BotConfig is the configuration snapshot handed to the provider.
type BotConfig struct {
	BotNumber       string `json:"botNumber"`
	SessionData     string `json:"sessionData"`
	Prefix          string `json:"prefix"`
	OpenAIKey       string `json:"openaiKey,omitempty"`
	GeminiKey       string `json:"geminiKey,omitempty"`
	AutoViewMessage bool   `json:"autoViewMessage"`
	AutoViewStatus  bool   `json:"autoViewStatus"`
	AutoReactStatus bool   `json:"autoReactStatus"`
	AutoReact       bool   `json:"autoReact"`
	AutoTyping      bool   `json:"autoTyping"`
	AutoRecording   bool   `json:"autoRecording"`
}

// Instance is a deployed bot.
//
// PendingCharge holds the coins debited for an in-flight create or edit. It is
// cleared by whichever writer settles the deployment, and that writer alone
// refunds it on failure.
type Instance struct {
	ID              string         `json:"id"`
	AccountID       string         `json:"userId"`
	Name            string         `json:"herokuAppName"`
	ProviderID      string         `json:"providerId,omitempty"`
	Config          BotConfig      `json:"config"`
	Status          InstanceStatus `json:"status"`
	StatusChangedAt time.Time      `json:"statusChangedAt"`
	DeployedAt      time.Time      `json:"deployedAt"`
	ExpiresAt       time.Time      `json:"expiresAt"`
	FailureCount    int            `json:"failureCount"`
	PendingCharge   int64          `json:"pendingCharge,omitempty"`
	LastError       string         `json:"lastError,omitempty"`
	CreatedAt       time.Time      `json:"createdAt"`
	UpdatedAt       time.Time      `json:"updatedAt"`
}

// InstanceCondition guards a conditional update. Nil or empty fields match anything.
type InstanceCondition struct {
	Statuses      []InstanceStatus
	ExpiresAt     *time.Time
	FailureCount  *int
	PendingCharge *int64
}

// Matches reports whether inst satisfies every set field of c.
func (c InstanceCondition) Matches(inst *Instance) bool {
	if len(c.Statuses) > 0 {
		ok := false
		for _, s := range c.Statuses {
			if inst.Status == s {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	// Stored timestamps carry microsecond precision.
	if c.ExpiresAt != nil && !inst.ExpiresAt.Truncate(time.Microsecond).Equal(c.ExpiresAt.Truncate(time.Microsecond)) {
		return false
	}
	if c.FailureCount != nil && inst.FailureCount != *c.FailureCount {
		return false
	}
	if c.PendingCharge != nil && inst.PendingCharge != *c.PendingCharge {
		return false
	}
	return true
}

// InstancePatch lists the fields a conditional update writes. Nil fields are left alone.
type InstancePatch struct {
	Status          *InstanceStatus
	StatusChangedAt *time.Time
	ProviderID      *string
	Config          *BotConfig
	ExpiresAt       *time.Time
	FailureCount    *int
	PendingCharge   *int64
	LastError       *string
	UpdatedAt       time.Time
}

// Apply writes the set fields of p onto inst.
func (p InstancePatch) Apply(inst *Instance) {
	if p.Status != nil {
		inst.Status = *p.Status
	}
	if p.StatusChangedAt != nil {
		inst.StatusChangedAt = *p.StatusChangedAt
	}
	if p.ProviderID != nil {
		inst.ProviderID = *p.ProviderID
	}
	if p.Config != nil {
		inst.Config = *p.Config
	}
	if p.ExpiresAt != nil {
		inst.ExpiresAt = *p.ExpiresAt
	}
	if p.FailureCount != nil {
		inst.FailureCount = *p.FailureCount
	}
	if p.PendingCharge != nil {
		inst.PendingCharge = *p.PendingCharge
	}
	if p.LastError != nil {
		inst.LastError = *p.LastError
	}
	if !p.UpdatedAt.IsZero() {
		inst.UpdatedAt = p.UpdatedAt
	}
}

// Transition is a patch that moves the instance to status at the given time.
func Transition(status InstanceStatus, at time.Time) InstancePatch {
	return InstancePatch{Status: &status, StatusChangedAt: &at, UpdatedAt: at}
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T { return &v }
