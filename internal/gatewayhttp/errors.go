package gatewayhttp

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"

	"github.com/bgdnvk/bouncer/internal/idgen"
)

// ErrorKind is one of a closed set of agent-visible error kinds.
type ErrorKind string

const (
	ParseError         ErrorKind = "ParseError"
	AuthError          ErrorKind = "AuthError"
	Blocked            ErrorKind = "Blocked"
	ComplianceRejected ErrorKind = "ComplianceRejected"
	RateLimited        ErrorKind = "RateLimited"
	NotFound           ErrorKind = "NotFound"
	Conflict           ErrorKind = "Conflict"
	InternalError      ErrorKind = "InternalError"
)

// httpStatus is the kind-to-status-code table.
func (k ErrorKind) httpStatus() int {
	switch k {
	case ParseError:
		return http.StatusBadRequest
	case AuthError:
		return http.StatusUnauthorized
	case Blocked, ComplianceRejected:
		return http.StatusForbidden
	case RateLimited:
		return http.StatusTooManyRequests
	case NotFound:
		return http.StatusNotFound
	case Conflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// GatewayError is the JSON body every non-2xx response carries.
type GatewayError struct {
	Kind       ErrorKind `json:"kind"`
	Message    string    `json:"message"`
	BlockReason string   `json:"block_reason,omitempty"`
	Suggestion string    `json:"suggestion,omitempty"`
	RuleID     string    `json:"rule_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a GatewayError body. Internal errors never leak their
// detail string into the response; message is replaced with a generic string
// and the real message is left for the caller to have logged separately.
func writeError(w http.ResponseWriter, r *http.Request, kind ErrorKind, message string) {
	body := GatewayError{Kind: kind, Message: message}
	if kind == InternalError {
		body.Message = "internal error"
	}
	writeJSON(w, kind.httpStatus(), body)
}

func writeBlocked(w http.ResponseWriter, reason, suggestion string) {
	writeJSON(w, Blocked.httpStatus(), GatewayError{
		Kind: Blocked, Message: "command is blocked", BlockReason: reason, Suggestion: suggestion,
	})
}

func writeComplianceRejected(w http.ResponseWriter, ruleID, message string) {
	writeJSON(w, ComplianceRejected.httpStatus(), GatewayError{
		Kind: ComplianceRejected, Message: message, RuleID: ruleID,
	})
}

// readAndRestoreBody drains r.Body for signature verification and puts an
// equivalent reader back so downstream JSON decoding still works.
func readAndRestoreBody(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}

func signatureKey(secret string) []byte {
	return idgen.VerifyKey(secret, "bouncer-callback")
}

func verifySignature(key, body []byte, sig string) bool {
	return idgen.VerifySignature(key, body, sig)
}
