package instrument

import (
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"integration-hub/internal/logger"
	"integration-hub/internal/metadata"
	"integration-hub/internal/metrics"
)

// Middleware returns a Fiber middleware that traces each request.
// It generates (or propagates) a trace ID, attaches a trace-scoped logger to
// the request context, and records latency and status once downstream
// handlers finish.
func Middleware(log *zap.Logger) fiber.Handler {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("http")

	return func(c *fiber.Ctx) error {
		start := time.Now()

		traceID := c.Get(TraceHeader)
		if traceID == "" {
			traceID = newTraceID()
		}
		reqLog := log.With(zap.String("trace_id", traceID))

		ctx := WithTraceID(c.UserContext(), traceID)
		ctx = logger.WithContext(ctx, reqLog)
		c.SetUserContext(ctx)
		c.Set(TraceHeader, traceID)

		err := c.Next()

		// set by the auth middleware on the way down
		userID := ""
		if op, ok := c.Locals(metadata.OperatorLocal).(*metadata.Operator); ok && op != nil {
			userID = op.ID
			c.SetUserContext(WithUserID(c.UserContext(), userID))
		}
		if err != nil {
			// let the app's error handler set the final status
			if herr := c.App().ErrorHandler(c, err); herr != nil {
				_ = c.SendStatus(fiber.StatusInternalServerError)
			}
		}

		fields := []zap.Field{
			zap.String("method", c.Method()),
			zap.String("path", c.Path()),
			zap.Int("status", c.Response().StatusCode()),
			zap.Duration("latency", time.Since(start)),
		}
		if userID != "" {
			fields = append(fields, zap.String("user_id", userID))
		}
		status := c.Response().StatusCode()
		if status >= 500 {
			reqLog.Error("request", fields...)
		} else {
			reqLog.Info("request", fields...)
		}

		route := c.Route().Path
		metrics.HTTPRequests.WithLabelValues(c.Method(), route, strconv.Itoa(status)).Inc()
		metrics.HTTPDuration.WithLabelValues(c.Method(), route).Observe(time.Since(start).Seconds())
		return nil
	}
}
