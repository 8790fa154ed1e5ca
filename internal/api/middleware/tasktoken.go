package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/bcnelson/instance-rental/internal/domain"
)

// TaskTokenHeader carries the callback token of a waiting state machine task.
const TaskTokenHeader = "TaskToken"

// TaskReporter reports task results back to the state machine.
type TaskReporter interface {
	SendTaskSuccess(ctx context.Context, token, output string) error
	SendTaskFailure(ctx context.Context, token, errorName, cause string) error
}

// TaskToken reports the outcome of requests carrying a task token: 2xx as
// success with the response body as output, anything else as failure named
// after the error code.
func TaskToken(reporter TaskReporter, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := r.Header.Get(TaskTokenHeader)
			if token == "" || reporter == nil {
				next.ServeHTTP(w, r)
				return
			}

			var body bytes.Buffer
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			ww.Tee(&body)
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			if status >= 200 && status < 300 {
				output := body.String()
				if output == "" {
					output = "{}"
				}
				if err := reporter.SendTaskSuccess(r.Context(), token, output); err != nil {
					logger.Error("failed to send task success", "path", r.URL.Path, "error", err)
				}
				return
			}

			name, cause := domain.ErrCodeInternalError, "Internal Server Error"
			var resp domain.StandardErrorResponse
			if json.Unmarshal(body.Bytes(), &resp) == nil && resp.Error.Code != "" {
				name, cause = resp.Error.Code, resp.Error.Message
			}
			logger.Info("sending task failure", "path", r.URL.Path, "error", name, "cause", cause)
			if err := reporter.SendTaskFailure(r.Context(), token, name, cause); err != nil {
				logger.Error("failed to send task failure", "path", r.URL.Path, "error", err)
			}
		})
	}
}
