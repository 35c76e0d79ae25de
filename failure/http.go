package failure

import (
	"encoding/json"
	"net/http"
	"strconv"
)

// Envelope é o corpo JSON das respostas de erro.
type Envelope struct {
	Error *Error `json:"error"`
}

// WriteJSON traduz err para status + corpo JSON em handlers net/http.
func WriteJSON(w http.ResponseWriter, err error) {
	appErr := FromError(err)
	h := w.Header()
	h.Set("Content-Type", "application/json; charset=utf-8")
	h.Set("Cache-Control", "no-store")
	if appErr.RetryAfter > 0 {
		secs := int(appErr.RetryAfter.Seconds())
		if secs < 1 {
			secs = 1
		}
		h.Set("Retry-After", strconv.Itoa(secs))
	}
	w.WriteHeader(appErr.Status)
	_ = json.NewEncoder(w).Encode(Envelope{Error: appErr})
}
