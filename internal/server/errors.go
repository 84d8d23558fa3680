package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"PerpClient/internal/orchestrator"
	"PerpClient/internal/persistence"
	"PerpClient/internal/protocol"
	"PerpClient/internal/query"
)

// errorBody is the JSON error envelope of every /v1 endpoint.
type errorBody struct {
	Code       string               `json:"code"`
	Message    string               `json:"message"`
	LedgerCode *uint32              `json:"ledger_code,omitempty"`
	Operation  *orchestrator.Record `json:"operation,omitempty"`
}

// codeOf maps the client's error taxonomy onto gRPC status codes; HTTP
// statuses follow from runtime.HTTPStatusFromCode.
func codeOf(err error) codes.Code {
	if st, ok := status.FromError(err); ok {
		return st.Code()
	}
	var ve *protocol.ValidationError
	switch {
	case errors.As(err, &ve):
		return codes.InvalidArgument
	case errors.Is(err, protocol.ErrNotFound), errors.Is(err, persistence.ErrOperationNotFound):
		return codes.NotFound
	case errors.Is(err, orchestrator.ErrDuplicateInFlight):
		return codes.AlreadyExists
	case errors.Is(err, protocol.ErrRejected):
		return codes.FailedPrecondition
	case errors.Is(err, query.ErrUnavailable):
		return codes.Unimplemented
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, orchestrator.ErrOutcomeUnknown):
		return codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	case protocol.IsRetryable(err):
		return codes.Unavailable
	default:
		return codes.Internal
	}
}

func httpStatusOf(err error) int {
	return runtime.HTTPStatusFromCode(codeOf(err))
}

func newErrorBody(err error) errorBody {
	body := errorBody{Code: codeOf(err).String(), Message: err.Error()}
	if st, ok := status.FromError(err); ok {
		body.Message = st.Message()
	}
	if code, ok := protocol.CodeOf(err); ok {
		c := uint32(code)
		body.LedgerCode = &c
	}
	return body
}

func invalidArgument(format string, args ...any) error {
	return status.Errorf(codes.InvalidArgument, format, args...)
}

func writeError(w http.ResponseWriter, m runtime.Marshaler, err error) {
	writeBody(w, m, httpStatusOf(err), newErrorBody(err))
}

func writeBody(w http.ResponseWriter, m runtime.Marshaler, code int, v any) {
	data, err := m.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", m.ContentType(v))
	w.WriteHeader(code)
	w.Write(data)
}
