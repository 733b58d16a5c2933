package api

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/vultisig/multisigner/storage"
)

const (
	IdempotencyHeader = "Idempotency-Key"
	ReplayedHeader    = "Idempotent-Replayed"

	idempotencyTTL = 24 * time.Hour
)

func (s *Server) statsdMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		err := next(c)
		duration := time.Since(start).Milliseconds()

		// Send metrics to statsd
		_ = s.sdClient.Incr("http.requests", []string{"path:" + c.Path()}, 1)
		_ = s.sdClient.Timing("http.response_time", time.Duration(duration)*time.Millisecond, []string{"path:" + c.Path()}, 1)
		_ = s.sdClient.Incr("http.status."+fmt.Sprint(c.Response().Status), []string{"path:" + c.Path(), "method:" + c.Request().Method}, 1)

		return err
	}
}

type bodyRecorder struct {
	io.Writer
	http.ResponseWriter
}

func (w *bodyRecorder) Write(b []byte) (int, error) {
	return w.Writer.Write(b)
}

func (w *bodyRecorder) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// idempotencyMiddleware replays the stored response of a POST that carries an
// Idempotency-Key the caller already used. A key whose first request is still
// running is answered with 409. Responses with a 5xx status are not stored, so
// the client can retry them.
func (s *Server) idempotencyMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		clientKey := c.Request().Header.Get(IdempotencyHeader)
		if s.idempotency == nil || clientKey == "" || c.Request().Method != http.MethodPost {
			return next(c)
		}
		ctx := c.Request().Context()
		key := userID(c) + ":" + c.Request().URL.Path + ":" + clientKey

		claimed, err := s.idempotency.ClaimIdempotencyKey(ctx, key, idempotencyTTL)
		if err != nil {
			// without the store the request still runs, just without replay
			s.logger.Warnf("fail to claim idempotency key, err: %v", err)
			return next(c)
		}
		if !claimed {
			cached, err := s.idempotency.GetIdempotentResponse(ctx, key)
			if err != nil {
				return s.fail(c, err)
			}
			if cached == nil {
				return c.JSON(http.StatusConflict, ErrorResponse{
					Error: "a request with this idempotency key is still in progress",
					Code:  "request_in_progress",
				})
			}
			s.incCounter("http.idempotent_replay", []string{"path:" + c.Path()})
			c.Response().Header().Set(ReplayedHeader, "true")
			return c.JSONBlob(cached.Status, cached.Body)
		}

		var buf bytes.Buffer
		res := c.Response()
		res.Writer = &bodyRecorder{Writer: io.MultiWriter(res.Writer, &buf), ResponseWriter: res.Writer}
		err = next(c)
		if err != nil || res.Status >= http.StatusInternalServerError {
			if rerr := s.idempotency.ReleaseIdempotencyKey(ctx, key); rerr != nil {
				s.logger.Errorf("fail to release idempotency key, err: %v", rerr)
			}
			return err
		}
		if err := s.idempotency.SaveIdempotentResponse(ctx, key, storage.CachedResponse{
			Status: res.Status,
			Body:   buf.Bytes(),
		}, idempotencyTTL); err != nil {
			s.logger.Errorf("fail to save idempotent response, err: %v", err)
		}
		return nil
	}
}
