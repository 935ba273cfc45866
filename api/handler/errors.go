package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/use-agent/reelfetch/engine"
	"github.com/use-agent/reelfetch/models"
	"github.com/use-agent/reelfetch/proxypool"
)

// toFetchError classifies err into a coded FetchError.
func toFetchError(err error) *models.FetchError {
	var fe *models.FetchError
	if errors.As(err, &fe) {
		return fe
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return models.NewFetchError(models.ErrCodeTimeout, "request timed out", err)
	case errors.Is(err, context.Canceled):
		return models.NewFetchError(models.ErrCodeTimeout, "request canceled", err)
	case errors.Is(err, engine.ErrAllEnginesFailed):
		return models.NewFetchError(models.ErrCodeAllEnginesFailed, err.Error(), err)
	case errors.Is(err, proxypool.ErrNotFound):
		return models.NewFetchError(models.ErrCodeNotFound, "proxy not found", err)
	case errors.Is(err, proxypool.ErrPoolFull):
		return models.NewFetchError(models.ErrCodePoolFull, "proxy pool is full", err)
	default:
		return models.NewFetchError(models.ErrCodeInternal, err.Error(), err)
	}
}

// mapErrorToStatus translates error codes to HTTP status codes.
func mapErrorToStatus(e *models.FetchError) int {
	switch e.Code {
	case models.ErrCodeTimeout:
		return http.StatusGatewayTimeout // 504
	case models.ErrCodeNavigation, models.ErrCodeAllEnginesFailed, models.ErrCodeBlocked:
		return http.StatusBadGateway // 502
	case models.ErrCodeBrowserCrash:
		return http.StatusServiceUnavailable // 503
	case models.ErrCodeInvalidInput:
		return http.StatusBadRequest // 400
	case models.ErrCodeNotFound:
		return http.StatusNotFound // 404
	case models.ErrCodePoolFull:
		return http.StatusConflict // 409
	case models.ErrCodeParseFailed:
		return http.StatusUnprocessableEntity // 422
	case models.ErrCodeRateLimited:
		return http.StatusTooManyRequests // 429
	case models.ErrCodeUnauthorized:
		return http.StatusUnauthorized // 401
	default:
		return http.StatusInternalServerError // 500
	}
}

// respondError writes err as an ErrorResponse with the matching status.
func respondError(c *gin.Context, err error) {
	fe := toFetchError(err)
	c.JSON(mapErrorToStatus(fe), models.ErrorResponse{Success: false, Error: fe.ToDetail()})
}

func invalidInput(c *gin.Context, err error) {
	respondError(c, models.NewFetchError(models.ErrCodeInvalidInput, err.Error(), err))
}
