package middleware

import (
	"fmt"

	"github.com/gin-gonic/gin"

	"github.com/yungbote/querybridge-backend/internal/platform/apierr"
)

// Admission bounds concurrent query handling. Up to maxConcurrent requests
// run at once; up to maxQueue more wait for a slot (bailing out if the client
// gives up); everything beyond that is rejected immediately as overloaded.
// maxConcurrent <= 0 disables the limiter.
func Admission(maxConcurrent, maxQueue int) gin.HandlerFunc {
	if maxConcurrent <= 0 {
		return func(c *gin.Context) { c.Next() }
	}
	if maxQueue < 0 {
		maxQueue = 0
	}
	running := make(chan struct{}, maxConcurrent)
	waiting := make(chan struct{}, maxQueue)

	return func(c *gin.Context) {
		select {
		case running <- struct{}{}:
		default:
			select {
			case waiting <- struct{}{}:
				select {
				case running <- struct{}{}:
					<-waiting
				case <-c.Request.Context().Done():
					<-waiting
					abortError(c, apierr.DeadlineExceeded(fmt.Errorf("request abandoned while queued: %w", c.Request.Context().Err())))
					return
				}
			default:
				abortError(c, apierr.Overloaded(fmt.Errorf("server is at capacity")))
				return
			}
		}
		defer func() { <-running }()
		c.Next()
	}
}
