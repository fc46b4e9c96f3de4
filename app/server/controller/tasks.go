package controller

import (
	"net/http"

	"github.com/eclipsemd/botdeck/pkg/tasks"
	"github.com/gorilla/mux"
)

func (c *Controller) HandleTasksList(w http.ResponseWriter, r *http.Request) {
	views, err := c.App.Tasks.List(r.Context(), accountID(r))
	if err != nil {
		c.writeError(w, r, err)
		return
	}
	if views == nil {
		views = []tasks.View{}
	}
	writeJSON(w, http.StatusOK, views)
}

func (c *Controller) HandleTaskComplete(w http.ResponseWriter, r *http.Request) {
	res, err := c.App.Tasks.Complete(r.Context(), accountID(r), mux.Vars(r)["id"])
	if err != nil {
		c.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
