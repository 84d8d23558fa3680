package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"PerpClient/internal/account"
	"PerpClient/internal/address"
	"PerpClient/internal/instruction"
	"PerpClient/internal/orchestrator"
	"PerpClient/internal/persistence"
)

const maxBodyBytes = 1 << 20

// handlerFunc returns the response body or an error.
type handlerFunc func(r *http.Request, params map[string]string) (any, error)

func (s *Server) registerRoutes() error {
	routes := []struct {
		method, pattern, endpoint string
		fn                        handlerFunc
	}{
		{http.MethodGet, "/v1/registry", "registry", s.getRegistry},
		{http.MethodGet, "/v1/pools", "pools", s.listPools},
		{http.MethodGet, "/v1/pools/{id}", "pool", s.getPool},
		{http.MethodGet, "/v1/custodies", "custodies", s.listCustodies},
		{http.MethodGet, "/v1/custodies/{id}", "custody", s.getCustody},
		{http.MethodGet, "/v1/custodies/{id}/quote", "quote", s.quoteOpen},
		{http.MethodGet, "/v1/positions", "positions", s.listPositions},
		{http.MethodGet, "/v1/positions/{id}", "position", s.getPosition},
		{http.MethodGet, "/v1/dashboard", "dashboard", s.getDashboard},
		{http.MethodGet, "/v1/integrity", "integrity", s.verifyIntegrity},
		{http.MethodGet, "/v1/operations", "operations", s.listOperations},
		{http.MethodGet, "/v1/operations/{signature}", "operation", s.getOperation},
		{http.MethodGet, "/v1/accounts/{id}/history", "account_history", s.accountHistory},
	}
	for _, rt := range routes {
		if err := s.gateway.HandlePath(rt.method, rt.pattern, s.wrap(rt.endpoint, rt.fn)); err != nil {
			return err
		}
	}
	return s.gateway.HandlePath(http.MethodPost, "/v1/operations/{op}", s.submitOperation)
}

// wrap serialises the result and records the query metrics.
func (s *Server) wrap(endpoint string, fn handlerFunc) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		start := time.Now()
		v, err := fn(r, params)
		code := http.StatusOK
		if err != nil {
			code = httpStatusOf(err)
			writeError(w, s.marshaler, err)
		} else {
			writeBody(w, s.marshaler, code, v)
		}
		if s.metrics != nil {
			s.metrics.QueryRequests.WithLabelValues(endpoint, strconv.Itoa(code)).Inc()
			s.metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
			if err != nil {
				s.metrics.QueryErrors.WithLabelValues(endpoint, codeOf(err).String()).Inc()
			}
		}
	}
}

func pubkeyParam(params map[string]string, name string) (address.Pubkey, error) {
	id, err := address.ParsePubkey(params[name])
	if err != nil {
		return address.Pubkey{}, invalidArgument("%s: %v", name, err)
	}
	return id, nil
}

func uintQuery(r *http.Request, name string) (uint64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, invalidArgument("%s is required", name)
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, invalidArgument("%s: %v", name, err)
	}
	return v, nil
}

func limitQuery(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, invalidArgument("limit: want a non-negative integer, got %q", raw)
	}
	return n, nil
}

// === read model ===

func (s *Server) getRegistry(r *http.Request, _ map[string]string) (any, error) {
	return s.query.Registry(r.Context())
}

func (s *Server) listPools(r *http.Request, _ map[string]string) (any, error) {
	return s.query.Pools(r.Context())
}

func (s *Server) getPool(r *http.Request, params map[string]string) (any, error) {
	id, err := pubkeyParam(params, "id")
	if err != nil {
		return nil, err
	}
	return s.query.Pool(r.Context(), id)
}

func (s *Server) listCustodies(r *http.Request, _ map[string]string) (any, error) {
	return s.query.Custodies(r.Context())
}

func (s *Server) getCustody(r *http.Request, params map[string]string) (any, error) {
	id, err := pubkeyParam(params, "id")
	if err != nil {
		return nil, err
	}
	return s.query.Custody(r.Context(), id)
}

func (s *Server) quoteOpen(r *http.Request, params map[string]string) (any, error) {
	id, err := pubkeyParam(params, "id")
	if err != nil {
		return nil, err
	}
	side, ok := account.ParseSide(r.URL.Query().Get("side"))
	if !ok {
		return nil, invalidArgument("side: want long or short")
	}
	collateral, err := uintQuery(r, "collateral")
	if err != nil {
		return nil, err
	}
	leverage, err := uintQuery(r, "leverage")
	if err != nil {
		return nil, err
	}
	return s.query.QuoteOpen(r.Context(), id, side, collateral, leverage)
}

func (s *Server) listPositions(r *http.Request, _ map[string]string) (any, error) {
	if raw := r.URL.Query().Get("owner"); raw != "" {
		owner, err := address.ParsePubkey(raw)
		if err != nil {
			return nil, invalidArgument("owner: %v", err)
		}
		return s.query.PositionsOf(r.Context(), owner)
	}
	return s.query.Positions(r.Context())
}

func (s *Server) getPosition(r *http.Request, params map[string]string) (any, error) {
	id, err := pubkeyParam(params, "id")
	if err != nil {
		return nil, err
	}
	return s.query.Position(r.Context(), id)
}

func (s *Server) getDashboard(r *http.Request, _ map[string]string) (any, error) {
	return s.query.Dashboard(r.Context())
}

func (s *Server) verifyIntegrity(r *http.Request, _ map[string]string) (any, error) {
	return s.query.VerifyIntegrity(r.Context())
}

// === history ===

func (s *Server) listOperations(r *http.Request, _ map[string]string) (any, error) {
	q := r.URL.Query()
	f := persistence.OperationFilter{Op: q.Get("op"), State: q.Get("state")}
	if f.Op != "" {
		op, err := instruction.ParseOp(f.Op)
		if err != nil {
			return nil, invalidArgument("op: %v", err)
		}
		f.Op = op.String()
	}
	if f.State != "" {
		st, err := orchestrator.ParseState(f.State)
		if err != nil {
			return nil, invalidArgument("state: %v", err)
		}
		f.State = st.String()
	}
	if raw := q.Get("before"); raw != "" {
		before, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return nil, invalidArgument("before: %v", err)
		}
		f.Before = before
	}
	limit, err := limitQuery(r)
	if err != nil {
		return nil, err
	}
	f.Limit = limit
	return s.query.Operations(r.Context(), f)
}

func (s *Server) getOperation(r *http.Request, params map[string]string) (any, error) {
	return s.query.Operation(r.Context(), params["signature"])
}

func (s *Server) accountHistory(r *http.Request, params map[string]string) (any, error) {
	id, err := pubkeyParam(params, "id")
	if err != nil {
		return nil, err
	}
	limit, err := limitQuery(r)
	if err != nil {
		return nil, err
	}
	return s.query.AccountHistory(r.Context(), id, limit)
}

// === submission ===

// submitOperation decodes the typed request for {op} and runs it to an
// outcome. A confirmed operation answers 200, an unknown outcome 202 with
// the submitted record, and a rejection the mapped error with the record.
func (s *Server) submitOperation(w http.ResponseWriter, r *http.Request, params map[string]string) {
	start := time.Now()
	code, err := s.submit(w, r, params["op"])
	if s.metrics != nil {
		s.metrics.QueryRequests.WithLabelValues("submit", strconv.Itoa(code)).Inc()
		s.metrics.QueryDuration.WithLabelValues("submit").Observe(time.Since(start).Seconds())
		if err != nil {
			s.metrics.QueryErrors.WithLabelValues("submit", codeOf(err).String()).Inc()
		}
	}
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request, name string) (int, error) {
	fail := func(err error) (int, error) {
		writeError(w, s.marshaler, err)
		return httpStatusOf(err), err
	}
	if s.submitter == nil {
		return fail(status.Error(codes.Unimplemented, "operation submission is disabled"))
	}
	op, err := instruction.ParseOp(name)
	if err != nil {
		return fail(invalidArgument("%v", err))
	}
	p, err := instruction.NewParams(op)
	if err != nil {
		return fail(invalidArgument("%v", err))
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(p); err != nil {
		return fail(invalidArgument("decode %s: %v", op, err))
	}

	operation, err := s.submitter.Submit(r.Context(), p)
	if operation == nil {
		if err == nil {
			err = errors.New("no operation returned")
		}
		return fail(err)
	}
	rec := operation.Record(s.submitter.Instance())
	switch {
	case err == nil:
		writeBody(w, s.marshaler, http.StatusOK, rec)
		return http.StatusOK, nil
	case errors.Is(err, orchestrator.ErrOutcomeUnknown):
		writeBody(w, s.marshaler, http.StatusAccepted, rec)
		return http.StatusAccepted, nil
	default:
		body := newErrorBody(err)
		body.Operation = &rec
		code := httpStatusOf(err)
		writeBody(w, s.marshaler, code, body)
		return code, err
	}
}
