package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/eclipsemd/botdeck/pkg/db/models"
	"go.uber.org/zap"
)

const (
	EventStatus  = "instance.status"
	EventRenewed = "instance.renewed"
	EventDeleted = "instance.deleted"
)

// EventChannelPattern matches the channels of every account.
const EventChannelPattern = "botdeck:*:instances"

// EventChannel is the pub/sub channel carrying one account's instance events.
func EventChannel(accountID string) string {
	return fmt.Sprintf("botdeck:%s:instances", accountID)
}

// Event describes a change to an instance.
type Event struct {
	Type       string                `json:"type"`
	AccountID  string                `json:"userId"`
	InstanceID string                `json:"botId"`
	Name       string                `json:"herokuAppName"`
	Status     models.InstanceStatus `json:"status,omitempty"`
	ExpiresAt  *time.Time            `json:"expiresAt,omitempty"`
	Reason     string                `json:"reason,omitempty"`
	At         time.Time             `json:"at"`
}

func (m *Manager) emit(ctx context.Context, typ string, inst *models.Instance, reason string) {
	if m.publisher == nil || inst == nil {
		return
	}
	ev := Event{
		Type:       typ,
		AccountID:  inst.AccountID,
		InstanceID: inst.ID,
		Name:       inst.Name,
		Reason:     reason,
		At:         m.now(),
	}
	if typ != EventDeleted {
		ev.Status = inst.Status
		exp := inst.ExpiresAt
		ev.ExpiresAt = &exp
	}
	b, err := json.Marshal(ev)
	if err != nil {
		m.logger.Warn("marshal event failed", zap.Error(err))
		return
	}
	m.publisher.Publish(ctx, EventChannel(inst.AccountID), b)
}
