package controller

import (
	"math"
	"net/http"
	"strconv"

	"github.com/eclipsemd/botdeck/pkg/db/models"
	"github.com/eclipsemd/botdeck/pkg/redis"
	"github.com/go-jose/go-jose/v4/json"
)

const adminPageSize = 20

type botSummary struct {
	Name   string                `json:"name"`
	Status models.InstanceStatus `json:"status"`
}

func (c *Controller) HandleAdminStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	counts, err := c.App.Store.CountInstancesByStatus(ctx)
	if err != nil {
		c.writeError(w, r, err)
		return
	}
	_, users, err := c.App.Store.ListAccounts(ctx, 0, 1)
	if err != nil {
		c.writeError(w, r, err)
		return
	}
	all, err := c.App.Store.ListInstancesByStatus(ctx, models.AllStatuses...)
	if err != nil {
		c.writeError(w, r, err)
		return
	}

	bots := map[string]int{}
	total := 0
	for _, s := range models.AllStatuses {
		bots[string(s)] = counts[s]
		total += counts[s]
	}
	bots["total"] = total

	byUser := map[string][]botSummary{}
	for _, inst := range all {
		byUser[inst.AccountID] = append(byUser[inst.AccountID], botSummary{Name: inst.Name, Status: inst.Status})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"bots":       bots,
		"users":      users,
		"botsByUser": byUser,
	})
}

type adminUser struct {
	models.Account
	BotCount int `json:"botCount"`
}

type pagination struct {
	Page  int `json:"page"`
	Limit int `json:"limit"`
	Total int `json:"total"`
	Pages int `json:"pages"`
}

func (c *Controller) HandleAdminUsers(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	if page < 1 {
		page = 1
	}

	accounts, total, err := c.App.Store.ListAccounts(ctx, (page-1)*adminPageSize, adminPageSize)
	if err != nil {
		c.writeError(w, r, err)
		return
	}
	counts, err := c.App.Store.CountInstancesByAccount(ctx)
	if err != nil {
		c.writeError(w, r, err)
		return
	}

	users := make([]adminUser, 0, len(accounts))
	for _, a := range accounts {
		users = append(users, adminUser{Account: a, BotCount: counts[a.ID]})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"users": users,
		"pagination": pagination{
			Page:  page,
			Limit: adminPageSize,
			Total: total,
			Pages: int(math.Ceil(float64(total) / adminPageSize)),
		},
	})
}

// HandleAdminEvents returns the most recent instance events kept in the Redis stream.
func (c *Controller) HandleAdminEvents(w http.ResponseWriter, r *http.Request) {
	if c.App.RedisClient == nil {
		writeJSON(w, http.StatusOK, map[string]any{"enabled": false, "events": []any{}})
		return
	}
	limit := int64(50)
	if n, err := strconv.ParseInt(r.URL.Query().Get("limit"), 10, 64); err == nil && n > 0 && n <= 500 {
		limit = n
	}

	msgs, err := c.App.RedisClient.XRevRange(r.Context(), redis.EventStream, limit)
	if err != nil {
		c.writeError(w, r, err)
		return
	}
	events := make([]map[string]any, 0, len(msgs))
	for _, m := range msgs {
		ev := map[string]any{"id": m.ID, "channel": m.Values["channel"]}
		if raw, ok := m.Values["event"].(string); ok {
			var body map[string]any
			if err := json.Unmarshal([]byte(raw), &body); err == nil {
				ev["event"] = body
			} else {
				ev["event"] = raw
			}
		}
		events = append(events, ev)
	}
	writeJSON(w, http.StatusOK, map[string]any{"enabled": true, "events": events})
}
