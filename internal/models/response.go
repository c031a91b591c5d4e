package models

// Response statuses of the HTTP API envelope.
const (
	StatusOK       = "ok"
	StatusAccepted = "accepted"
	StatusError    = "error"
)

// APIResponse is the JSON envelope every admin endpoint answers with.
type APIResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Result  any    `json:"result,omitempty"`
}

func Success(result any) APIResponse {
	return APIResponse{Status: StatusOK, Result: result}
}

func SuccessWithMessage(message string, result any) APIResponse {
	return APIResponse{Status: StatusOK, Message: message, Result: result}
}

// Accepted marks an event that was taken for processing.
func Accepted(result any) APIResponse {
	return APIResponse{Status: StatusAccepted, Result: result}
}

func Error(message string) APIResponse {
	return APIResponse{Status: StatusError, Message: message}
}
