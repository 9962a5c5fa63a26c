package api

import (
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
)

type RequestError struct {
	Message string `json:"error"`
	Code    int    `json:"code"`
}

func (r RequestError) Error() string {
	return fmt.Sprintf("Error %d: %s", r.Code, r.Message)
}

// ErrorHandler renders RequestError values with their code and anything else
// as an internal error.
func ErrorHandler(log *logrus.Entry) fiber.ErrorHandler {
	return func(ctx *fiber.Ctx, err error) error {
		fields := logrus.Fields{
			"path":    ctx.Path(),
			"ip":      ctx.IP(),
			"queries": ctx.Queries(),
		}

		var reqErr RequestError
		if errors.As(err, &reqErr) {
			if reqErr.Code != fiber.StatusNotFound {
				log.WithFields(fields).WithField("code", reqErr.Code).Warn(reqErr.Message)
			}
			return ctx.Status(reqErr.Code).JSON(reqErr)
		}

		var fiberErr *fiber.Error
		if errors.As(err, &fiberErr) {
			return ctx.Status(fiberErr.Code).JSON(RequestError{Code: fiberErr.Code, Message: fiberErr.Message})
		}

		log.WithFields(fields).WithError(err).Error("Request failed")
		return ctx.Status(fiber.StatusInternalServerError).JSON(RequestError{
			Code:    fiber.StatusInternalServerError,
			Message: "internal server error",
		})
	}
}
