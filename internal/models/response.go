package models

import (
	"errors"
	"strings"
)

// Response is the payload shape returned to API callers for task submissions.
type Response struct {
	Success    bool        `json:"Success"`
	Error      string      `json:"Error,omitempty"`
	StackTrace []string    `json:"StackTrace,omitempty"`
	JobID      string      `json:"job_id,omitempty"`
	Content    interface{} `json:"Content,omitempty"`
}

// OK returns a successful response carrying jobID.
func OK(jobID string) Response {
	return Response{Success: true, JobID: jobID}
}

// Fail returns a validation style response: Success false, no stack trace.
func Fail(msg string) Response {
	return Response{Success: false, Error: msg}
}

// ErrorResponse shapes err for callers. Validation errors carry only the message;
// anything else also carries the stack.
func ErrorResponse(err error, stack string) Response {
	resp := Response{Success: false, Error: err.Error()}
	if !errors.Is(err, ErrValidation) && stack != "" {
		resp.StackTrace = strings.Split(strings.TrimRight(stack, "\n"), "\n")
	}
	return resp
}
