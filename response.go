package domainlimit

import "net/http"

// SetError stages an error response for the Handler middleware.
// It is a no-op when the request did not pass through Handler; see HasState.
func SetError(r *http.Request, err *APIError) {
	if state := getState(r.Context()); state != nil {
		state.setError(err)
	}
}

// SetResponse stages a success response for the Handler middleware.
// A nil body writes only the status. No-op without Handler.
func SetResponse(r *http.Request, status int, body any) {
	if state := getState(r.Context()); state != nil {
		state.setResponse(status, body)
	}
}

// SetHeader stages a response header, replacing earlier values. No-op without Handler.
func SetHeader(r *http.Request, key, value string) {
	if state := getState(r.Context()); state != nil {
		state.header(key, value, false)
	}
}

// AddHeader stages an additional value for a response header. No-op without Handler.
func AddHeader(r *http.Request, key, value string) {
	if state := getState(r.Context()); state != nil {
		state.header(key, value, true)
	}
}

// setHeader stages the header when the Handler middleware is active and sets
// it on w otherwise.
func setHeader(w http.ResponseWriter, r *http.Request, key, value string) {
	if state := getState(r.Context()); state != nil {
		state.header(key, value, false)
		return
	}
	w.Header().Set(key, value)
}

// writeError stages err when the Handler middleware is active and writes it as JSON otherwise.
func writeError(w http.ResponseWriter, r *http.Request, err *APIError) {
	if state := getState(r.Context()); state != nil {
		state.setError(err)
		return
	}
	writeJSON(w, err.Status, errorResponse{Error: err})
}
