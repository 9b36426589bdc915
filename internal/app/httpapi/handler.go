// Package httpapi exposes the platform REST API.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	app "github.com/omsu-chain/campuscoin/internal/app"
	"github.com/omsu-chain/campuscoin/internal/app/domain"
	"github.com/omsu-chain/campuscoin/internal/app/domain/activity"
	"github.com/omsu-chain/campuscoin/internal/app/domain/ledger"
	"github.com/omsu-chain/campuscoin/internal/app/domain/reward"
	"github.com/omsu-chain/campuscoin/internal/app/domain/user"
	"github.com/omsu-chain/campuscoin/internal/app/services/activities"
	ledgersvc "github.com/omsu-chain/campuscoin/internal/app/services/ledger"
	"github.com/omsu-chain/campuscoin/internal/app/services/rewards"
	"github.com/omsu-chain/campuscoin/internal/app/services/users"
	"github.com/omsu-chain/campuscoin/internal/app/storage"
	"github.com/omsu-chain/campuscoin/internal/chain"
	"github.com/omsu-chain/campuscoin/internal/middleware"
)

// PublicPaths are the routes the auth middleware must let through.
var PublicPaths = []string{"/healthz", "/api/auth/register", "/api/auth/login", "/api/leaderboard"}

// handler bundles HTTP endpoints for the application services.
type handler struct {
	app *app.Application
}

// NewHandler returns a router exposing the core REST API. Authentication is
// applied outside, so the handler only consumes the actor from the context.
func NewHandler(application *app.Application) http.Handler {
	h := &handler{app: application}
	r := mux.NewRouter()

	r.HandleFunc("/healthz", h.health).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/auth/register", h.register).Methods(http.MethodPost)
	api.HandleFunc("/auth/login", h.login).Methods(http.MethodPost)
	api.HandleFunc("/auth/me", h.me).Methods(http.MethodGet)
	api.HandleFunc("/leaderboard", h.leaderboard).Methods(http.MethodGet)

	api.HandleFunc("/users", h.listUsers).Methods(http.MethodGet)
	api.HandleFunc("/users/{id}", h.getUser).Methods(http.MethodGet)
	api.HandleFunc("/users/{id}", h.updateUser).Methods(http.MethodPatch)
	api.HandleFunc("/users/{id}/status", h.setUserStatus).Methods(http.MethodPatch)
	api.HandleFunc("/users/{id}/history", h.history).Methods(http.MethodGet)
	api.HandleFunc("/users/{id}/audit", h.audit).Methods(http.MethodGet)

	api.HandleFunc("/activities", h.listActivities).Methods(http.MethodGet)
	api.HandleFunc("/activities", h.createActivity).Methods(http.MethodPost)
	api.HandleFunc("/activities/{id}", h.getActivity).Methods(http.MethodGet)
	api.HandleFunc("/activities/{id}", h.updateActivity).Methods(http.MethodPatch)
	api.HandleFunc("/activities/{id}/register", h.registerForActivity).Methods(http.MethodPost)
	api.HandleFunc("/activities/{id}/registrations", h.participants).Methods(http.MethodGet)
	api.HandleFunc("/activities/{id}/mint", h.mint).Methods(http.MethodPost)

	api.HandleFunc("/my/registrations", h.myRegistrations).Methods(http.MethodGet)
	api.HandleFunc("/my/transactions", h.myTransactions).Methods(http.MethodGet)
	api.HandleFunc("/registrations/{id}", h.reviewRegistration).Methods(http.MethodPatch)

	api.HandleFunc("/rewards", h.listRewards).Methods(http.MethodGet)
	api.HandleFunc("/rewards", h.createReward).Methods(http.MethodPost)
	api.HandleFunc("/rewards/{id}", h.getReward).Methods(http.MethodGet)
	api.HandleFunc("/rewards/{id}", h.updateReward).Methods(http.MethodPatch)
	api.HandleFunc("/rewards/{id}/purchase", h.purchase).Methods(http.MethodPost)

	api.HandleFunc("/batches/{id}", h.getBatch).Methods(http.MethodGet)

	return r
}

func (h *handler) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- Auth -------------------------------------------------------------------

func (h *handler) register(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Name          string `json:"name"`
		Surname       string `json:"surname"`
		StudentID     string `json:"student_id"`
		Email         string `json:"email"`
		Password      string `json:"password"`
		Pseudonym     string `json:"pseudonym"`
		Faculty       string `json:"faculty"`
		WalletAddress string `json:"wallet_address"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	created, err := h.app.Users.Register(r.Context(), users.RegisterInput{
		Name:          payload.Name,
		Surname:       payload.Surname,
		StudentID:     payload.StudentID,
		Email:         payload.Email,
		Password:      payload.Password,
		Pseudonym:     payload.Pseudonym,
		Faculty:       payload.Faculty,
		WalletAddress: payload.WalletAddress,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (h *handler) login(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	token, u, err := h.app.Users.Login(r.Context(), payload.Email, payload.Password)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"token": token, "user": u})
}

func (h *handler) leaderboard(w http.ResponseWriter, r *http.Request) {
	rows, err := h.app.Users.Leaderboard(r.Context(), queryInt(r, "limit", 10))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

// --- Users ------------------------------------------------------------------

func (h *handler) me(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	u, err := h.app.Users.Get(r.Context(), actor, actor.UserID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (h *handler) getUser(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	u, err := h.app.Users.Get(r.Context(), actor, mux.Vars(r)["id"])
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (h *handler) updateUser(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}

	var payload struct {
		Name          *string `json:"name"`
		Surname       *string `json:"surname"`
		Pseudonym     *string `json:"pseudonym"`
		Faculty       *string `json:"faculty"`
		WalletAddress *string `json:"wallet_address"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	updated, err := h.app.Users.UpdateProfile(r.Context(), actor, mux.Vars(r)["id"], users.UpdateProfileInput{
		Name:          payload.Name,
		Surname:       payload.Surname,
		Pseudonym:     payload.Pseudonym,
		Faculty:       payload.Faculty,
		WalletAddress: payload.WalletAddress,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (h *handler) setUserStatus(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}

	var payload struct {
		Status string `json:"status"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	updated, err := h.app.Users.SetStatus(r.Context(), actor, mux.Vars(r)["id"], user.Status(payload.Status))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (h *handler) listUsers(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	list, err := h.app.Users.List(r.Context(), actor, queryInt(r, "offset", 0), queryInt(r, "limit", 50))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *handler) history(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	entries, err := h.app.Ledger.History(r.Context(), actor, mux.Vars(r)["id"], queryInt(r, "limit", 0))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *handler) myTransactions(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	entries, err := h.app.Ledger.History(r.Context(), actor, actor.UserID, queryInt(r, "limit", 0))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *handler) audit(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	report, err := h.app.Ledger.Audit(r.Context(), actor, mux.Vars(r)["id"])
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// --- Activities -------------------------------------------------------------

func (h *handler) listActivities(w http.ResponseWriter, r *http.Request) {
	list, err := h.app.Activities.List(r.Context(),
		activity.Status(r.URL.Query().Get("status")),
		queryInt(r, "offset", 0), queryInt(r, "limit", 50))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

type activityPayload struct {
	Title           *string          `json:"title"`
	Description     *string          `json:"description"`
	Tokens          *int64           `json:"tokens"`
	Date            *activityDate    `json:"date"`
	Location        *string          `json:"location"`
	Status          *activity.Status `json:"status"`
	MaxParticipants *int             `json:"max_participants"`
}

func (h *handler) createActivity(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}

	var payload activityPayload
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	in := activities.CreateInput{MaxParticipants: payload.MaxParticipants}
	if payload.Title != nil {
		in.Title = *payload.Title
	}
	if payload.Description != nil {
		in.Description = *payload.Description
	}
	if payload.Tokens != nil {
		in.Tokens = *payload.Tokens
	}
	if payload.Date != nil {
		in.Date = payload.Date.Time
	}
	if payload.Location != nil {
		in.Location = *payload.Location
	}

	created, err := h.app.Activities.Create(r.Context(), actor, in)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (h *handler) getActivity(w http.ResponseWriter, r *http.Request) {
	act, err := h.app.Activities.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, act)
}

func (h *handler) updateActivity(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}

	var payload activityPayload
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	in := activities.UpdateInput{
		Title:           payload.Title,
		Description:     payload.Description,
		Tokens:          payload.Tokens,
		Location:        payload.Location,
		Status:          payload.Status,
		MaxParticipants: payload.MaxParticipants,
	}
	if payload.Date != nil {
		in.Date = &payload.Date.Time
	}

	updated, err := h.app.Activities.Update(r.Context(), actor, mux.Vars(r)["id"], in)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (h *handler) registerForActivity(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	reg, err := h.app.Activities.Register(r.Context(), actor, mux.Vars(r)["id"])
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, reg)
}

func (h *handler) participants(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	list, err := h.app.Activities.Participants(r.Context(), actor, mux.Vars(r)["id"])
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *handler) myRegistrations(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	list, err := h.app.Activities.ListMine(r.Context(), actor)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *handler) reviewRegistration(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}

	var payload struct {
		Status string `json:"status"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	updated, err := h.app.Activities.Review(r.Context(), actor, mux.Vars(r)["id"], activity.RegistrationStatus(payload.Status))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// --- Minting ----------------------------------------------------------------

func (h *handler) mint(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}

	var payload struct {
		UserIDs []string `json:"user_ids"`
		Note    string   `json:"note"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	result, err := h.app.Ledger.CreditForActivity(r.Context(), actor, ledgersvc.CreditInput{
		ActivityID:     mux.Vars(r)["id"],
		UserIDs:        payload.UserIDs,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
		Note:           payload.Note,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}

	// An in-flight batch is accepted, not completed: the chain confirmed (or
	// may still confirm) but the ledger commit is pending.
	status := http.StatusCreated
	if result.Pending() {
		status = http.StatusAccepted
	}
	writeJSON(w, status, map[string]interface{}{
		"batch":   result.Batch,
		"entries": result.Entries,
	})
}

func (h *handler) getBatch(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	batch, err := h.app.Ledger.GetBatch(r.Context(), actor, mux.Vars(r)["id"])
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, batch)
}

// --- Rewards ----------------------------------------------------------------

func (h *handler) listRewards(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	list, err := h.app.Rewards.List(r.Context(), actor, reward.Status(r.URL.Query().Get("status")))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *handler) createReward(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}

	var payload struct {
		Title       string `json:"title"`
		Description string `json:"description"`
		TokenCost   int64  `json:"token_cost"`
		Quantity    *int   `json:"quantity"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	created, err := h.app.Rewards.Create(r.Context(), actor, rewards.CreateInput{
		Title:       payload.Title,
		Description: payload.Description,
		TokenCost:   payload.TokenCost,
		Quantity:    payload.Quantity,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (h *handler) getReward(w http.ResponseWriter, r *http.Request) {
	rw, err := h.app.Rewards.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rw)
}

func (h *handler) updateReward(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}

	var payload struct {
		Title       *string        `json:"title"`
		Description *string        `json:"description"`
		TokenCost   *int64         `json:"token_cost"`
		Quantity    *int           `json:"quantity"`
		Status      *reward.Status `json:"status"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	updated, err := h.app.Rewards.Update(r.Context(), actor, mux.Vars(r)["id"], rewards.UpdateInput{
		Title:       payload.Title,
		Description: payload.Description,
		TokenCost:   payload.TokenCost,
		Quantity:    payload.Quantity,
		Status:      payload.Status,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (h *handler) purchase(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	entry, balance, err := h.app.Ledger.DebitForPurchase(r.Context(), actor, mux.Vars(r)["id"])
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"entry":   entry,
		"balance": balance,
	})
}

// --- Helpers ----------------------------------------------------------------

// writeServiceError maps domain failures to HTTP statuses.
func writeServiceError(w http.ResponseWriter, err error) {
	var verr *ledger.ValidationError
	if errors.As(err, &verr) {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"error":            "batch validation failed",
			"missing_accounts": verr.MissingAccounts,
			"inactive":         verr.InactiveAccounts,
			"missing_wallets":  verr.MissingWallets,
			"not_confirmed":    verr.NotConfirmed,
		})
		return
	}

	switch {
	case errors.Is(err, domain.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, user.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, err)
	case errors.Is(err, user.ErrForbidden):
		writeError(w, http.StatusForbidden, err)
	case errors.Is(err, storage.ErrDuplicateKey),
		errors.Is(err, activity.ErrAlreadyRegistered),
		errors.Is(err, activity.ErrRegistrationClosed),
		errors.Is(err, activity.ErrCapacityReached),
		errors.Is(err, activity.ErrRewardLocked),
		errors.Is(err, ledger.ErrInsufficientBalance),
		errors.Is(err, ledger.ErrOutOfStock),
		errors.Is(err, ledger.ErrRewardUnavailable),
		errors.Is(err, ledger.ErrBatchFailed):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, chain.ErrGasEstimation),
		errors.Is(err, chain.ErrSubmission),
		errors.Is(err, chain.ErrConfirmationTimeout):
		writeError(w, http.StatusBadGateway, err)
	default:
		// Anything unclassified is an infrastructure fault, not a client
		// mistake.
		writeError(w, http.StatusInternalServerError, err)
	}
}

func actorFrom(w http.ResponseWriter, r *http.Request) (user.Actor, bool) {
	actor, ok := middleware.ActorFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, errors.New("authentication required"))
		return user.Actor{}, false
	}
	return actor, true
}

// activityDate accepts both RFC 3339 timestamps and bare dates.
type activityDate struct {
	Time time.Time
}

func (d *activityDate) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, raw); err == nil {
			d.Time = t
			return nil
		}
	}
	return fmt.Errorf("invalid date %q", raw)
}

func (d activityDate) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Time.Format(time.RFC3339))
}

func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return fallback
	}
	return v
}

func decodeJSON(body io.ReadCloser, dst interface{}) error {
	defer body.Close()
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
