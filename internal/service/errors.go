package service

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/wenwu/saas-platform/gameserver-service/internal/client"
)

var (
	ErrOrderNotFound     = errors.New("order not found")
	ErrNoCapacity        = errors.New("no node in region has capacity")
	ErrAttemptInProgress = errors.New("another provisioning attempt is in progress")
	ErrNotCancelable     = errors.New("order can no longer be canceled")
	ErrNotPaid           = errors.New("subscription is not active")
	ErrNotProvisionable  = errors.New("order cannot be provisioned in its current status")
	ErrAttemptSuperseded = errors.New("provisioning attempt was superseded by a newer attempt")
)

// ErrorKind classifies provisioning failures.
type ErrorKind int

const (
	// KindConfig means a plan or region is not set up; an operator must fix it.
	KindConfig ErrorKind = iota + 1
	KindCapacity
	// KindConflict means one allocation candidate was taken; the next is tried.
	KindConflict
	KindTransient
	KindFatal
	// KindVanished means a bound remote resource no longer exists.
	KindVanished
)

func (k ErrorKind) String() string {
	switch k {
	case KindConfig:
		return "config"
	case KindCapacity:
		return "capacity"
	case KindConflict:
		return "conflict"
	case KindTransient:
		return "transient"
	case KindFatal:
		return "fatal"
	case KindVanished:
		return "vanished"
	}
	return "unknown"
}

// ProvisionError is the closed error variant produced by the coordinator.
type ProvisionError struct {
	Kind  ErrorKind
	Stage string
	Err   error
}

func (e *ProvisionError) Error() string {
	return fmt.Sprintf("%s: %s error: %v", e.Stage, e.Kind, e.Err)
}

func (e *ProvisionError) Unwrap() error { return e.Err }

// Retryable reports whether a later attempt may succeed without operator action.
func (e *ProvisionError) Retryable() bool {
	return e.Kind == KindCapacity || e.Kind == KindTransient
}

func newProvisionError(kind ErrorKind, stage string, err error) *ProvisionError {
	return &ProvisionError{Kind: kind, Stage: stage, Err: err}
}

// KindOf returns the kind of a provisioning error, or zero for other errors.
func KindOf(err error) ErrorKind {
	var pe *ProvisionError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return 0
}

// classifyRemoteError maps a control plane failure onto the error variant.
func classifyRemoteError(stage string, err error) *ProvisionError {
	var pe *ProvisionError
	if errors.As(err, &pe) {
		return pe
	}

	var apiErr *client.APIError
	if errors.As(err, &apiErr) {
		switch {
		case (apiErr.StatusCode == http.StatusConflict || apiErr.StatusCode == http.StatusUnprocessableEntity) &&
			strings.Contains(strings.ToLower(apiErr.Body), "allocation"):
			return newProvisionError(KindConflict, stage, err)
		case apiErr.StatusCode >= 500, apiErr.StatusCode == http.StatusTooManyRequests:
			return newProvisionError(KindTransient, stage, err)
		}
		return newProvisionError(KindFatal, stage, err)
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return newProvisionError(KindTransient, stage, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return newProvisionError(KindTransient, stage, err)
	}
	return newProvisionError(KindFatal, stage, err)
}
