package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/Brownie44l1/classifier-api/internal/model"
	"github.com/Brownie44l1/classifier-api/internal/remote"
)

// mapError picks the status and client-facing message for a request-time
// error. Server-side failures are logged and not echoed back.
func mapError(c *gin.Context, err error) (int, string) {
	c.Error(err)

	switch {
	case errors.Is(err, model.ErrDecode):
		return http.StatusBadRequest, "Invalid image format. Supported: JPEG, PNG, GIF, BMP, TIFF"

	case errors.Is(err, remote.ErrInvalidURL):
		return http.StatusBadRequest, err.Error()

	case errors.Is(err, remote.ErrTooLarge):
		return http.StatusRequestEntityTooLarge, "image is too large"

	case errors.Is(err, remote.ErrStatus):
		return http.StatusBadGateway, err.Error()

	case errors.Is(err, model.ErrInferenceTimeout):
		log.WithError(err).WithField("request_id", c.GetString("request_id")).Warn("prediction timed out")
		return http.StatusGatewayTimeout, "prediction timed out"

	case errors.Is(err, model.ErrInference):
		log.WithError(err).WithField("request_id", c.GetString("request_id")).Error("prediction failed")
		return http.StatusInternalServerError, "Prediction failed"

	case errors.Is(err, context.Canceled):
		return 499, "request cancelled"

	default:
		// Anything left came from fetching a remote image.
		log.WithError(err).WithField("request_id", c.GetString("request_id")).Warn("image fetch failed")
		return http.StatusBadGateway, "could not fetch image"
	}
}
