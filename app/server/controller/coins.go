package controller

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/eclipsemd/botdeck/pkg/apperr"
	"github.com/eclipsemd/botdeck/pkg/db/models"
	"github.com/eclipsemd/botdeck/pkg/ledger"
)

func (c *Controller) HandleCanClaim(w http.ResponseWriter, r *http.Request) {
	st, err := c.App.Claims.Status(r.Context(), accountID(r))
	if err != nil {
		c.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (c *Controller) HandleClaim(w http.ResponseWriter, r *http.Request) {
	res, err := c.App.Claims.ClaimOne(r.Context(), accountID(r))
	if err != nil {
		c.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (c *Controller) HandleTransfer(w http.ResponseWriter, r *http.Request) {
	var in struct {
		RecipientEmail string `json:"recipientEmail"`
		Amount         int64  `json:"amount"`
	}
	if !decode(w, r, &in) {
		return
	}
	if strings.TrimSpace(in.RecipientEmail) == "" {
		c.writeError(w, r, apperr.New(apperr.KindInvalidArgument, "recipient email and amount are required"))
		return
	}

	ctx := r.Context()
	from := accountID(r)
	res, err := c.App.Ledger.Transfer(ctx, from, in.RecipientEmail, in.Amount)
	if err != nil {
		c.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message":        "Successfully transferred " + strconv.FormatInt(in.Amount, 10) + " coins to " + strings.TrimSpace(in.RecipientEmail),
		"remainingCoins": res.Sent.BalanceAfter,
	})
}

func (c *Controller) HandleTransactions(w http.ResponseWriter, r *http.Request) {
	limit := ledger.DefaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	txs, err := c.App.Ledger.History(r.Context(), accountID(r), limit)
	if err != nil {
		c.writeError(w, r, err)
		return
	}
	if txs == nil {
		txs = []models.Transaction{}
	}
	writeJSON(w, http.StatusOK, txs)
}
