package domain

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	identity "github.com/smallbiznis/casc/internal/identity/domain"
	"github.com/smallbiznis/casc/pkg/db/pagination"
)

type ListLeadFilter struct {
	StatusCode       string
	AssignedSellerID *uuid.UUID
	Unassigned       bool
	Source           string
	Tag              string
	Query            string
}

type CreateLeadRequest struct {
	Phone  string
	Name   string
	Email  string
	Source string
	Tags   []string
}

type ChangeStatusRequest struct {
	LeadID       uuid.UUID
	ExpectedFrom *string
	To           string
	Comment      *string
	Metadata     map[string]any
	Source       Source
}

type BulkChangeStatusRequest struct {
	LeadIDs  []uuid.UUID
	To       string
	Comment  *string
	Metadata map[string]any
}

type CreateStatusRequest struct {
	Code      string
	Name      string
	Color     string
	Icon      string
	IsInitial bool
	IsFinal   bool
	SortOrder int
}

type UpdateStatusRequest struct {
	Name      *string
	Color     *string
	Icon      *string
	IsInitial *bool
	IsFinal   *bool
	SortOrder *int
	Active    *bool
}

type CreateTransitionRequest struct {
	FromCode    *string
	ToCode      string
	Label       string
	Description string
}

// AvailableTransition is a destination reachable from a lead's current status.
type AvailableTransition struct {
	ToCode   string    `json:"to_code"`
	Label    string    `json:"label"`
	Wildcard bool      `json:"wildcard"`
	Status   StatusDef `json:"status"`
}

// BulkOK marks a lead whose transition committed.
const BulkOK = "ok"

type Service interface {
	Create(ctx context.Context, p identity.Principal, req CreateLeadRequest) (Lead, error)
	Get(ctx context.Context, p identity.Principal, id uuid.UUID) (Lead, error)
	List(ctx context.Context, p identity.Principal, filter ListLeadFilter, page pagination.Page) (pagination.Result[Lead], error)

	ChangeStatus(ctx context.Context, p identity.Principal, req ChangeStatusRequest) (StatusChangeResult, error)
	BulkChangeStatus(ctx context.Context, p identity.Principal, req BulkChangeStatusRequest) (map[uuid.UUID]string, error)
	AvailableTransitions(ctx context.Context, p identity.Principal, id uuid.UUID) ([]AvailableTransition, error)
	Timeline(ctx context.Context, p identity.Principal, id uuid.UUID, window pagination.Window) ([]StatusHistory, error)

	ListStatuses(ctx context.Context, p identity.Principal) ([]StatusDef, error)
	CreateStatus(ctx context.Context, p identity.Principal, req CreateStatusRequest) (StatusDef, error)
	UpdateStatus(ctx context.Context, p identity.Principal, code string, req UpdateStatusRequest) (StatusDef, error)
	ListTransitions(ctx context.Context, p identity.Principal) ([]Transition, error)
	CreateTransition(ctx context.Context, p identity.Principal, req CreateTransitionRequest) (Transition, error)
	DeleteTransition(ctx context.Context, p identity.Principal, id string) error
}

var (
	ErrNotFound           = errors.New("lead_not_found")
	ErrInvalidPhone       = errors.New("invalid_phone")
	ErrInvalidEmail       = errors.New("invalid_email")
	ErrPhoneExists        = errors.New("phone_exists")
	ErrInvalidTransition  = errors.New("invalid_transition")
	ErrUnknownStatus      = errors.New("unknown_status")
	ErrConflictWithState  = errors.New("conflict_with_current_state")
	ErrNoInitialStatus    = errors.New("no_initial_status")
	ErrStatusNotFound     = errors.New("status_not_found")
	ErrStatusExists       = errors.New("status_exists")
	ErrInvalidStatusCode  = errors.New("invalid_status_code")
	ErrTransitionNotFound = errors.New("transition_not_found")
	ErrTransitionExists   = errors.New("transition_exists")
	ErrEmptyBulk          = errors.New("empty_bulk_request")
	ErrBulkTooLarge       = errors.New("bulk_request_too_large")
	ErrInvalidSource      = errors.New("invalid_source")
)

// ConflictError reports that the lead moved away from the status the caller
// expected.
type ConflictError struct {
	Current string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s: current status is %q", ErrConflictWithState, e.Current)
}

func (e *ConflictError) Unwrap() error { return ErrConflictWithState }

// InvalidTransitionError reports a move with no configured edge out of the
// lead's current status.
type InvalidTransitionError struct {
	Current string
	To      string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("%s: %q -> %q", ErrInvalidTransition, e.Current, e.To)
}

func (e *InvalidTransitionError) Unwrap() error { return ErrInvalidTransition }

// ErrorCode renders err as the code reported in bulk results.
func ErrorCode(err error) string {
	for _, sentinel := range []error{
		ErrNotFound, ErrInvalidTransition, ErrUnknownStatus, ErrConflictWithState, ErrNoInitialStatus,
	} {
		if errors.Is(err, sentinel) {
			return sentinel.Error()
		}
	}
	if errors.Is(err, identity.ErrForbidden) {
		return identity.ErrForbidden.Error()
	}
	return "internal"
}
