package api

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/forgeline/foreman/pkg/foremanerr"
)

// renderError maps a kind-tagged error to an HTTP error response.
// Unclassified errors are logged and hidden behind a generic 500.
func renderError(c *gin.Context, err error) {
	kind := foremanerr.KindOf(err)
	status := statusForKind(kind)
	if status == http.StatusInternalServerError {
		slog.Error("Unexpected API error", "path", c.FullPath(), "error", err)
		c.JSON(status, gin.H{"error": "internal server error"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error(), "kind": string(kind)})
}

func statusForKind(kind foremanerr.Kind) int {
	switch kind {
	case foremanerr.KindNotFound:
		return http.StatusNotFound
	case foremanerr.KindPreconditionFailed, foremanerr.KindCancelled, foremanerr.KindBudgetExhausted:
		return http.StatusConflict
	case foremanerr.KindContractViolation:
		return http.StatusForbidden
	case foremanerr.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
