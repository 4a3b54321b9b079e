package server

import (
	"context"
	"errors"
	"net/http"

	nativecommon "bobvault/native/common"
	"bobvault/native/lending"
)

// apiError is the JSON body of every non-2xx response.
type apiError struct {
	Error string `json:"error"`
}

func statusOf(err error) (int, string) {
	switch {
	case errors.Is(err, lending.ErrInvalidAmount):
		return http.StatusBadRequest, "invalid amount"
	case errors.Is(err, lending.ErrInvalidRate):
		return http.StatusBadRequest, "invalid rate"
	case errors.Is(err, lending.ErrUnauthorized):
		return http.StatusForbidden, "unauthorized"
	case errors.Is(err, lending.ErrUnknownAccount):
		return http.StatusNotFound, "account not found"
	case errors.Is(err, lending.ErrUnknownLoan):
		return http.StatusNotFound, "loan not found"
	case errors.Is(err, lending.ErrUnknownDeposit):
		return http.StatusNotFound, "deposit not found"
	case errors.Is(err, lending.ErrAlreadyFulfilled):
		return http.StatusConflict, "loan already fulfilled"
	case errors.Is(err, lending.ErrAccountNotEmpty):
		return http.StatusConflict, "account not empty"
	case errors.Is(err, lending.ErrAccountInactive):
		return http.StatusConflict, "account inactive"
	case errors.Is(err, lending.ErrDepositForwardPending):
		return http.StatusAccepted, "deposit pending"
	case errors.Is(err, lending.ErrInsufficientAllowance):
		return http.StatusUnprocessableEntity, "insufficient allowance"
	case errors.Is(err, lending.ErrInsufficientBalance):
		return http.StatusUnprocessableEntity, "insufficient balance"
	case errors.Is(err, lending.ErrInsufficientCollateral):
		return http.StatusUnprocessableEntity, "insufficient collateral"
	case errors.Is(err, lending.ErrExceedsBorrowingCapacity):
		return http.StatusUnprocessableEntity, "exceeds borrowing capacity"
	case errors.Is(err, lending.ErrRepaymentExceedsDebt):
		return http.StatusUnprocessableEntity, "repayment exceeds debt"
	case errors.Is(err, lending.ErrArithmeticOverflow):
		return http.StatusUnprocessableEntity, "amount out of range"
	case errors.Is(err, lending.ErrReentrantCall):
		return http.StatusServiceUnavailable, "ledger busy"
	case errors.Is(err, nativecommon.ErrModulePaused):
		return http.StatusServiceUnavailable, "operation paused"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, "request cancelled"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}
