package logger

import (
	"time"

	"github.com/gofiber/fiber/v2"
)

// FiberMiddleware logs one line per request and propagates the request id
// into the request's user context so domain code can log with it. It must be
// installed after the requestid middleware.
func FiberMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()

		requestID, _ := c.Locals("requestid").(string)
		if requestID != "" {
			c.SetUserContext(WithRequestID(c.UserContext(), requestID))
		}

		chainErr := c.Next()
		if chainErr != nil {
			// Render the error now so the logged status is the one sent.
			if err := c.App().Config().ErrorHandler(c, chainErr); err != nil {
				_ = c.SendStatus(fiber.StatusInternalServerError)
			}
		}
		latency := time.Since(start)

		route := ""
		if r := c.Route(); r != nil {
			route = r.Path
		}
		attrs := []any{
			"status", c.Response().StatusCode(),
			"method", c.Method(),
			"path", c.OriginalURL(),
			"route", route,
			"ip", c.IP(),
			"user_agent", c.Get(fiber.HeaderUserAgent),
			"latency_ms", float64(latency.Microseconds()) / 1000.0,
		}

		log := FromContext(c.UserContext())
		if c.Response().StatusCode() < fiber.StatusInternalServerError {
			log.Info("http request", attrs...)
			return nil
		}
		if chainErr != nil {
			attrs = append(attrs, "err", chainErr.Error())
		}
		log.Error("http request", attrs...)
		return nil
	}
}
