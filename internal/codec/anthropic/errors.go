package anthropic

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/tjfontaine/llm-bridge/internal/domain"
)

// AsBridgeError coerces any error into a BridgeError so it can be rendered
// in source-protocol shape. Unknown errors become generic api_error.
func AsBridgeError(err error) *domain.BridgeError {
	var bridgeErr *domain.BridgeError
	if errors.As(err, &bridgeErr) {
		return bridgeErr
	}
	return domain.ErrForwarding(false, "%s", err.Error()).WithCause(err)
}

// WriteError renders an error as the Messages API error envelope. The
// calling application never observes target-provider error formats or
// transformation internals beyond the message text.
func WriteError(w http.ResponseWriter, err error) {
	bridgeErr := AsBridgeError(err)

	body, _ := json.Marshal(ErrorResponse{
		Type: "error",
		Error: &APIError{
			Type:    string(bridgeErr.Type),
			Message: bridgeErr.Message,
		},
	})

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(bridgeErr.HTTPStatusCode())
	w.Write(body)
}
