package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/xraph/tenantflow"
)

// httpError maps tenantflow sentinel errors to HTTP statuses. Unknown errors
// are 500s and keep their message out of the response.
func httpError(err error) error {
	if err == nil {
		return nil
	}
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, tenantflow.ErrTemplateNotFound),
		errors.Is(err, tenantflow.ErrInstanceNotFound),
		errors.Is(err, tenantflow.ErrStepNotFound),
		errors.Is(err, tenantflow.ErrActorNotFound),
		errors.Is(err, tenantflow.ErrCheckpointNotFound):
		code = http.StatusNotFound
	case errors.Is(err, tenantflow.ErrValidation):
		code = http.StatusBadRequest
	case errors.Is(err, tenantflow.ErrNoOrganization):
		code = http.StatusUnauthorized
	case errors.Is(err, tenantflow.ErrIsolationViolation),
		errors.Is(err, tenantflow.ErrNotAssignee),
		errors.Is(err, tenantflow.ErrActorNotEligible):
		code = http.StatusForbidden
	case errors.Is(err, tenantflow.ErrTemplateVersionExists),
		errors.Is(err, tenantflow.ErrActorExists),
		errors.Is(err, tenantflow.ErrInstanceExists),
		errors.Is(err, tenantflow.ErrVersionConflict),
		errors.Is(err, tenantflow.ErrInvalidState),
		errors.Is(err, tenantflow.ErrLockHeld),
		errors.Is(err, tenantflow.ErrStaleResult):
		code = http.StatusConflict
	}
	if code == http.StatusInternalServerError {
		return echo.NewHTTPError(code, http.StatusText(code)).SetInternal(err)
	}
	return echo.NewHTTPError(code, err.Error()).SetInternal(err)
}

func badRequest(msg string, err error) error {
	return echo.NewHTTPError(http.StatusBadRequest, msg+": "+err.Error()).SetInternal(err)
}
