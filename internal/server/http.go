package server

import (
	"NexLedger/internal/auth"
	"NexLedger/internal/core"
	"NexLedger/internal/ingestion"
	"NexLedger/internal/lock"
	"NexLedger/internal/lockdown"
	"NexLedger/internal/observability"
	"NexLedger/internal/query"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/zerolog"
)

const maxBodyBytes = 1 << 20

// HTTPDeps are the collaborators of the HTTP API.
type HTTPDeps struct {
	Processor  *core.Processor
	Queries    *query.Service
	Dispatcher *lockdown.Dispatcher
	Verifier   auth.Verifier
	Health     *observability.HealthChecker
	Metrics    *observability.Metrics
	Logger     zerolog.Logger
}

type api struct {
	HTTPDeps
}

// NewHTTPHandler builds the JSON API on a grpc-gateway runtime mux.
func NewHTTPHandler(d HTTPDeps) (http.Handler, error) {
	switch {
	case d.Processor == nil:
		return nil, errors.New("server: processor is required")
	case d.Queries == nil:
		return nil, errors.New("server: query service is required")
	case d.Dispatcher == nil:
		return nil, errors.New("server: lockdown dispatcher is required")
	case d.Verifier == nil:
		return nil, errors.New("server: token verifier is required")
	}
	a := &api{HTTPDeps: d}
	mux := runtime.NewServeMux()

	type route struct {
		method, pattern, name string
		h                     runtime.HandlerFunc
	}
	routes := []route{
		{"POST", "/v1/accounts", "open_account", a.operation(core.OpOpenAccount, 0)},
		{"POST", "/v1/accounts/{account_id}/verification", "set_verified", a.operation(core.OpSetVerified, auth.TierOperator)},
		{"POST", "/v1/deposits", "deposit", a.operation(core.OpDeposit, 0)},
		{"POST", "/v1/withdrawals", "withdrawal", a.operation(core.OpWithdrawal, 0)},
		{"POST", "/v1/tips", "tip", a.operation(core.OpTip, 0)},
		{"POST", "/v1/payouts", "payout", a.operation(core.OpPayout, 0)},
		{"POST", "/v1/holds", "hold", a.operation(core.OpHold, 0)},
		{"POST", "/v1/holds/release", "hold_release", a.operation(core.OpHoldRelease, 0)},
		{"POST", "/v1/adjustments", "adjustment", a.operation(core.OpAdjustment, auth.TierAdmin)},
		{"POST", "/v1/refunds", "refund", a.operation(core.OpRefund, auth.TierOperator)},
		{"POST", "/v1/pools/{pool_id}/contributions", "progressive_contribution", a.operation(core.OpProgressiveContribution, 0)},
		{"POST", "/v1/pools/{pool_id}/awards", "progressive_award", a.operation(core.OpProgressiveAward, 0)},
		{"GET", "/v1/accounts/{account_id}/balance", "get_balance", a.getBalance},
		{"GET", "/v1/accounts/{account_id}/transactions", "list_transactions", a.listTransactions},
		{"GET", "/v1/transactions/{transaction_id}", "get_transaction", a.getTransaction},
		{"GET", "/v1/pools", "list_pools", a.listPools},
		{"GET", "/v1/pools/{pool_id}", "get_pool", a.getPool},
		{"GET", "/v1/locks", "list_locks", a.admin(auth.TierOperator, a.listLocks)},
		{"GET", "/v1/lockdown", "lockdown_status", a.lockdownStatus},
		{"POST", "/v1/lockdown/activate", "lockdown_activate", a.lockdownCommand(lockdown.CommandActivate)},
		{"POST", "/v1/lockdown/lift", "lockdown_lift", a.lockdownCommand(lockdown.CommandLift)},
		{"GET", "/v1/admin/integrity", "verify_integrity", a.admin(auth.TierAdmin, a.verifyIntegrity)},
	}
	for _, r := range routes {
		if err := mux.HandlePath(r.method, r.pattern, a.instrument(r.name, r.h)); err != nil {
			return nil, fmt.Errorf("register %s %s: %w", r.method, r.pattern, err)
		}
	}

	root := http.NewServeMux()
	if d.Health != nil {
		root.HandleFunc("/healthz", d.Health.LivenessHandler)
		root.HandleFunc("/readyz", d.Health.ReadinessHandler)
	}
	root.Handle("/", mux)
	return root, nil
}

// --- operations ---

// operationResponse is the result of a mutating call.
type operationResponse struct {
	Record       *query.TransactionResponse `json:"record,omitempty"`
	Accounts     []query.BalanceResponse    `json:"accounts,omitempty"`
	Split        []shareResponse            `json:"split,omitempty"`
	Contribution *contributionResponse      `json:"contribution,omitempty"`
	Award        *query.AwardResponse       `json:"award,omitempty"`
	Pool         *query.PoolResponse        `json:"pool,omitempty"`
}

type shareResponse struct {
	Name   string       `json:"name"`
	Amount query.Amount `json:"amount"`
}

type contributionResponse struct {
	Base     query.Amount `json:"base"`
	Computed query.Amount `json:"computed"`
	Applied  query.Amount `json:"applied"`
}

// operation decodes a descriptor from the body, overlays path parameters
// and runs it through the processor. minTier 0 means no token is needed.
func (a *api) operation(kind string, minTier auth.Tier) runtime.HandlerFunc {
	h := func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		var d ingestion.Descriptor
		if err := decodeBody(r, &d); err != nil {
			a.writeError(w, err)
			return
		}
		if id, ok := params["account_id"]; ok {
			d.AccountID = id
		}
		if id, ok := params["pool_id"]; ok {
			d.PoolID = id
		}
		if d.CorrelationID == "" {
			d.CorrelationID = r.Header.Get("Idempotency-Key")
		}

		op, err := d.Operation(kind, a.Queries.Currency())
		if err != nil {
			a.writeError(w, err)
			return
		}
		res, err := a.Processor.Execute(r.Context(), op)
		if err != nil {
			a.writeError(w, err)
			return
		}

		status := http.StatusOK
		if kind == core.OpOpenAccount {
			status = http.StatusCreated
		}
		writeJSON(w, status, a.operationResponse(res))
	}
	if minTier == 0 {
		return h
	}
	return a.admin(minTier, h)
}

func (a *api) operationResponse(res core.Result) operationResponse {
	var out operationResponse
	var asOf int64
	if res.Record != nil {
		rec := a.Queries.Transaction(*res.Record)
		out.Record = &rec
		asOf = res.Record.Sequence
	}
	for _, acct := range res.Accounts {
		out.Accounts = append(out.Accounts, *a.Queries.Balance(acct, asOf))
	}
	if res.Split != nil {
		for _, alloc := range res.Split.Allocations {
			out.Split = append(out.Split, shareResponse{Name: alloc.Name, Amount: a.Queries.FormatAmount(alloc.Amount)})
		}
	}
	if c := res.Contribution; c != nil {
		out.Contribution = &contributionResponse{
			Base:     a.Queries.FormatAmount(c.Base),
			Computed: a.Queries.FormatAmount(c.Computed),
			Applied:  a.Queries.FormatAmount(c.Applied),
		}
	}
	if aw := res.Award; aw != nil {
		out.Award = &query.AwardResponse{AccountID: aw.AccountID, Amount: a.Queries.FormatAmount(aw.Amount), At: aw.At}
	}
	if res.Pool != nil {
		out.Pool = a.Queries.Pool(*res.Pool)
	}
	return out
}

// --- queries ---

func (a *api) getBalance(w http.ResponseWriter, r *http.Request, params map[string]string) {
	bal, err := a.Queries.GetBalance(r.Context(), params["account_id"])
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, bal)
}

func (a *api) listTransactions(w http.ResponseWriter, r *http.Request, params map[string]string) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			a.writeError(w, badRequest("limit must be a non-negative integer"))
			return
		}
		limit = n
	}
	history, err := a.Queries.GetTransactionHistory(r.Context(), params["account_id"], limit)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"transactions": history})
}

func (a *api) getTransaction(w http.ResponseWriter, r *http.Request, params map[string]string) {
	tx, err := a.Queries.GetTransaction(r.Context(), params["transaction_id"])
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

func (a *api) listPools(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"pools": a.Queries.ListPools(r.Context())})
}

func (a *api) getPool(w http.ResponseWriter, r *http.Request, params map[string]string) {
	p, err := a.Queries.GetPool(r.Context(), params["pool_id"])
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (a *api) listLocks(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	locks, err := a.Queries.ListActiveLocks(r.Context())
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"locks": locks})
}

func (a *api) verifyIntegrity(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	report, err := a.Queries.VerifyIntegrity(r.Context())
	if err != nil {
		a.writeError(w, err)
		return
	}
	status := http.StatusOK
	if !report.IsHealthy {
		status = http.StatusConflict
	}
	writeJSON(w, status, report)
}

// --- lockdown ---

func (a *api) lockdownStatus(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	if _, err := a.Dispatcher.Dispatch(r.Context(), lockdown.Command{
		Name:  lockdown.CommandStatus,
		Token: bearer(r),
	}); err != nil {
		a.writeError(w, err)
		return
	}
	st, err := a.Queries.GetLockdownState(r.Context())
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (a *api) lockdownCommand(name string) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
		var cmd lockdown.Command
		if err := decodeBody(r, &cmd); err != nil {
			a.writeError(w, err)
			return
		}
		cmd.Name = name
		cmd.Token = bearer(r)

		res, err := a.Dispatcher.Dispatch(r.Context(), cmd)
		if err != nil {
			a.writeError(w, err)
			return
		}
		a.Logger.Warn().
			Str("command", name).
			Str("level", res.State.Level.String()).
			Str("reason", res.State.Reason).
			Msg("lockdown command applied")
		writeJSON(w, http.StatusOK, res.State)
	}
}

// --- plumbing ---

// admin requires a bearer token of at least min before running h.
func (a *api) admin(min auth.Tier, h runtime.HandlerFunc) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		id, err := a.Verifier.Verify(bearer(r))
		if err == nil {
			err = id.Require(min)
		}
		if err != nil {
			a.writeError(w, err)
			return
		}
		h(w, r, params)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (a *api) instrument(name string, h runtime.HandlerFunc) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, r, params)
		if a.Metrics != nil {
			a.Metrics.QueryRequests.WithLabelValues(name, strconv.Itoa(rec.status)).Inc()
			a.Metrics.QueryDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
		}
	}
}

func bearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if tok, ok := strings.CutPrefix(h, "Bearer "); ok {
		return strings.TrimSpace(tok)
	}
	return ""
}

type requestError struct{ msg string }

func (e *requestError) Error() string { return e.msg }

func badRequest(msg string) error { return &requestError{msg: msg} }

func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return badRequest(fmt.Sprintf("invalid JSON body: %v", err))
	}
	return nil
}

// errorResponse is the JSON error envelope.
type errorResponse struct {
	Error     string `json:"error"`
	Reason    string `json:"reason"`
	Class     string `json:"class"`
	Retryable bool   `json:"retryable"`
}

// StatusFor maps an error to its HTTP status and class.
func StatusFor(err error) (int, core.ErrorClass) {
	var reqErr *requestError
	switch {
	case errors.As(err, &reqErr), errors.Is(err, ingestion.ErrInvalidDescriptor):
		return http.StatusBadRequest, core.ClassTerminal
	case errors.Is(err, lockdown.ErrLockdownActive):
		return http.StatusServiceUnavailable, core.ClassRetryable
	case errors.Is(err, lock.ErrAlreadyLocked):
		return http.StatusConflict, core.ClassRetryable
	}
	class := core.Classify(err)
	switch class {
	case core.ClassRetryable:
		return http.StatusServiceUnavailable, class
	case core.ClassNotFound:
		return http.StatusNotFound, class
	case core.ClassUnauthorized:
		return http.StatusUnauthorized, class
	case core.ClassForbidden:
		return http.StatusForbidden, class
	case core.ClassTerminal:
		return http.StatusUnprocessableEntity, class
	default:
		return http.StatusInternalServerError, class
	}
}

func (a *api) writeError(w http.ResponseWriter, err error) {
	status, class := StatusFor(err)
	msg := core.UserMessage(err)
	reason := core.Reason(err)
	var reqErr *requestError
	if errors.As(err, &reqErr) || errors.Is(err, ingestion.ErrInvalidDescriptor) {
		msg, reason = err.Error(), "invalid_request"
	}
	if status >= http.StatusInternalServerError && class == core.ClassInternal {
		a.Logger.Error().Err(err).Msg("request failed")
	}
	writeJSON(w, status, errorResponse{
		Error:     msg,
		Reason:    reason,
		Class:     string(class),
		Retryable: class == core.ClassRetryable,
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
