package handler

import (
	"errors"
	"fmt"

	"github.com/attendly/confirm-engine/internal/domain"
	"github.com/gofiber/fiber/v2"
)

func errValidationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", domain.ErrValidation, fmt.Sprintf(format, args...))
}

// toHTTPError maps domain sentinels onto fiber errors; everything else
// stays a 500 for the transport error handler to log.
func toHTTPError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, domain.ErrValidation):
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrConflict):
		return fiber.NewError(fiber.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrSessionClosed):
		return fiber.NewError(fiber.StatusConflict, err.Error())
	}
	return err
}
