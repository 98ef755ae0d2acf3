package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	funnel "github.com/tom2tomtomtom/airflow-sub008"
)

// Metadata keys set on records emitted by [TrackStep].
const (
	MetaMethod = "httpMethod"
	MetaRoute  = "httpRoute"
	MetaStatus = "httpStatus"
)

// IdentifyFunc extracts the workflow identity of a request. ok=false skips
// tracking for that request.
type IdentifyFunc func(c *gin.Context) (userID, sessionID string, ok bool)

// HeaderIdentity reads the user and session ids from request headers. Both
// must be present.
func HeaderIdentity(userHeader, sessionHeader string) IdentifyFunc {
	return func(c *gin.Context) (string, string, bool) {
		userID := c.GetHeader(userHeader)
		sessionID := c.GetHeader(sessionHeader)
		if userID == "" || sessionID == "" {
			return "", "", false
		}
		return userID, sessionID, true
	}
}

// TrackStep records step as started before the handler chain runs and as
// completed after it returns. A response status below 400 counts as
// success; otherwise the last gin error, or the status text, becomes the
// record's error message.
func TrackStep(tracker funnel.Tracker, step funnel.Step, identify IdentifyFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		if tracker == nil || identify == nil {
			c.Next()
			return
		}

		userID, sessionID, ok := identify(c)
		if !ok {
			c.Next()
			return
		}

		ctx := c.Request.Context()
		route := c.FullPath()
		tracker.TrackStepStart(ctx, userID, sessionID, step, map[string]any{
			MetaMethod: c.Request.Method,
			MetaRoute:  route,
		})

		c.Next()

		status := c.Writer.Status()
		success := status < http.StatusBadRequest
		errorMessage := ""
		if !success {
			errorMessage = failureMessage(c, status)
		}

		tracker.TrackStepCompletion(ctx, userID, sessionID, step, success, errorMessage, map[string]any{
			MetaMethod: c.Request.Method,
			MetaRoute:  route,
			MetaStatus: status,
		})
	}
}

func failureMessage(c *gin.Context, status int) string {
	if last := c.Errors.Last(); last != nil {
		return last.Error()
	}
	if text := http.StatusText(status); text != "" {
		return text
	}
	return "request failed"
}
