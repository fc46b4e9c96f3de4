package controller

import (
	"net/http"
	"strings"

	"github.com/eclipsemd/botdeck/pkg/apperr"
	"github.com/eclipsemd/botdeck/pkg/db/models"
	"github.com/eclipsemd/botdeck/pkg/referral"
	"github.com/gorilla/mux"
)

type authResponse struct {
	User  *models.Account `json:"user"`
	Token string          `json:"token"`
}

func (c *Controller) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Email        string `json:"email"`
		Password     string `json:"password"`
		FirstName    string `json:"firstName"`
		LastName     string `json:"lastName"`
		ReferralCode string `json:"referralCode"`
	}
	if !decode(w, r, &in) {
		return
	}
	if strings.TrimSpace(in.Email) == "" || in.Password == "" {
		c.writeError(w, r, apperr.New(apperr.KindInvalidArgument, "email and password are required"))
		return
	}

	acct, err := c.App.Referral.Signup(r.Context(), referral.SignupRequest{
		Email:        in.Email,
		Password:     in.Password,
		FirstName:    in.FirstName,
		LastName:     in.LastName,
		ReferralCode: in.ReferralCode,
	})
	if err != nil {
		c.writeError(w, r, err)
		return
	}
	c.respondWithToken(w, r, http.StatusCreated, acct)
}

func (c *Controller) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if !decode(w, r, &in) {
		return
	}
	if strings.TrimSpace(in.Email) == "" || in.Password == "" {
		c.writeError(w, r, apperr.New(apperr.KindInvalidArgument, "email and password are required"))
		return
	}
	acct, err := c.App.Referral.Authenticate(r.Context(), in.Email, in.Password)
	if err != nil {
		c.writeError(w, r, err)
		return
	}
	c.respondWithToken(w, r, http.StatusOK, acct)
}

func (c *Controller) respondWithToken(w http.ResponseWriter, r *http.Request, status int, acct *models.Account) {
	token, err := c.IssueToken(acct.ID)
	if err != nil {
		c.writeError(w, r, err)
		return
	}
	writeJSON(w, status, authResponse{User: acct, Token: token})
}

// HandleLogout exists for the UI; tokens are stateless and simply dropped client side.
func (c *Controller) HandleLogout(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

func (c *Controller) HandleUser(w http.ResponseWriter, r *http.Request) {
	acct, err := c.currentAccount(r)
	if err != nil {
		c.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

func (c *Controller) HandleUpdateProfile(w http.ResponseWriter, r *http.Request) {
	var in struct {
		FirstName string `json:"firstName"`
		LastName  string `json:"lastName"`
	}
	if !decode(w, r, &in) {
		return
	}
	acct, err := c.App.Store.UpdateProfile(r.Context(), accountID(r),
		strings.TrimSpace(in.FirstName), strings.TrimSpace(in.LastName))
	if err != nil {
		c.writeError(w, r, notFoundAs(err, errUnauthorized))
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

func (c *Controller) HandleAutoMonitor(w http.ResponseWriter, r *http.Request) {
	var in struct {
		AutoMonitor *int `json:"autoMonitor"`
	}
	if !decode(w, r, &in) {
		return
	}
	if in.AutoMonitor == nil || (*in.AutoMonitor != 0 && *in.AutoMonitor != 1) {
		c.writeError(w, r, apperr.New(apperr.KindInvalidArgument, "autoMonitor must be 0 or 1"))
		return
	}
	acct, err := c.App.Store.SetAutoMonitor(r.Context(), accountID(r), *in.AutoMonitor == 1)
	if err != nil {
		c.writeError(w, r, notFoundAs(err, errUnauthorized))
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

func (c *Controller) HandleValidateReferral(w http.ResponseWriter, r *http.Request) {
	valid, err := c.App.Referral.Validate(r.Context(), mux.Vars(r)["code"])
	if err != nil {
		c.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"valid": valid})
}
