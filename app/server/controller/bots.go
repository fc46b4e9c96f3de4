package controller

import (
	"context"
	"net/http"

	"github.com/eclipsemd/botdeck/pkg/db/models"
	"github.com/gorilla/mux"
)

func (c *Controller) HandleBotsList(w http.ResponseWriter, r *http.Request) {
	bots, err := c.App.Lifecycle.List(r.Context(), accountID(r))
	if err != nil {
		c.writeError(w, r, err)
		return
	}
	if bots == nil {
		bots = []models.Instance{}
	}
	writeJSON(w, http.StatusOK, bots)
}

func (c *Controller) HandleBotGet(w http.ResponseWriter, r *http.Request) {
	bot, err := c.App.Lifecycle.Get(r.Context(), accountID(r), mux.Vars(r)["id"])
	if err != nil {
		c.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, bot)
}

// HandleBotCreate charges the deployment cost and answers 201 while the
// provider work continues in the background.
func (c *Controller) HandleBotCreate(w http.ResponseWriter, r *http.Request) {
	var cfg models.BotConfig
	if !decode(w, r, &cfg) {
		return
	}
	bot, err := c.App.Lifecycle.Create(r.Context(), accountID(r), cfg)
	if err != nil {
		c.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, bot)
}

func (c *Controller) HandleBotEdit(w http.ResponseWriter, r *http.Request) {
	var cfg models.BotConfig
	if !decode(w, r, &cfg) {
		return
	}
	bot, err := c.App.Lifecycle.Edit(r.Context(), accountID(r), mux.Vars(r)["id"], cfg)
	if err != nil {
		c.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, bot)
}

func (c *Controller) HandleBotDelete(w http.ResponseWriter, r *http.Request) {
	if err := c.App.Lifecycle.Delete(r.Context(), accountID(r), mux.Vars(r)["id"]); err != nil {
		c.writeError(w, r, err)
		return
	}
	writeMessage(w, http.StatusOK, "Bot deleted successfully")
}

func (c *Controller) HandleBotRestart(w http.ResponseWriter, r *http.Request) {
	c.botOp(w, r, c.App.Lifecycle.Restart)
}

func (c *Controller) HandleBotPause(w http.ResponseWriter, r *http.Request) {
	c.botOp(w, r, c.App.Lifecycle.Pause)
}

func (c *Controller) HandleBotResume(w http.ResponseWriter, r *http.Request) {
	c.botOp(w, r, c.App.Lifecycle.Resume)
}

func (c *Controller) HandleBotDeployLatest(w http.ResponseWriter, r *http.Request) {
	c.botOp(w, r, c.App.Lifecycle.DeployLatest)
}

func (c *Controller) botOp(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, accountID, id string) (*models.Instance, error)) {
	bot, err := op(r.Context(), accountID(r), mux.Vars(r)["id"])
	if err != nil {
		c.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, bot)
}

func (c *Controller) HandleBotLogs(w http.ResponseWriter, r *http.Request) {
	logs, err := c.App.Lifecycle.Logs(r.Context(), accountID(r), mux.Vars(r)["id"])
	if err != nil {
		c.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"logs": logs})
}
