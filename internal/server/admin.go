package server

import (
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	alertdomain "github.com/smallbiznis/payrail/internal/alert/domain"
	webhookdomain "github.com/smallbiznis/payrail/internal/webhook/domain"
	"github.com/smallbiznis/payrail/pkg/db/pagination"
)

var listableStatuses = map[webhookdomain.Status]struct{}{
	webhookdomain.StatusReceived:   {},
	webhookdomain.StatusProcessing: {},
	webhookdomain.StatusProcessed:  {},
	webhookdomain.StatusSkipped:    {},
	webhookdomain.StatusFailed:     {},
}

func (s *Server) ListWebhookEvents(c *gin.Context) {
	filter := webhookdomain.ListFilter{
		Provider: strings.ToLower(strings.TrimSpace(c.Query("provider"))),
		Status:   webhookdomain.Status(strings.ToLower(strings.TrimSpace(c.Query("status")))),
	}
	if filter.Status != "" {
		if _, ok := listableStatuses[filter.Status]; !ok {
			AbortWithError(c, newValidationError("status", "invalid_status", "unknown status"))
			return
		}
	}
	var page pagination.Pagination
	if err := c.ShouldBindQuery(&page); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	cursor, err := pagination.DecodeCursor(page.PageToken)
	if err != nil {
		AbortWithError(c, newValidationError("page_token", "invalid_page_token", "invalid page token"))
		return
	}
	if cursor != nil {
		before := snowflake.ID(cursor.ID)
		filter.Before = &before
	}
	limit := page.Limit()
	filter.Limit = limit + 1

	items, err := s.ledger.List(c.Request.Context(), filter)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	items, pageInfo := pagination.Trim(items, limit, func(e webhookdomain.Event) int64 { return e.ID.Int64() })
	if items == nil {
		items = []webhookdomain.Event{}
	}
	c.JSON(http.StatusOK, gin.H{"data": items, "page_info": pageInfo})
}

func (s *Server) GetWebhookEvent(c *gin.Context) {
	id, err := parseOptionalSnowflakeID(c.Param("id"))
	if err != nil || id == nil {
		AbortWithError(c, ErrNotFound)
		return
	}
	event, err := s.ledger.Get(c.Request.Context(), *id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": event})
}

// ReplayWebhookEvent re-dispatches a received or failed row. Terminal rows
// answer 409.
func (s *Server) ReplayWebhookEvent(c *gin.Context) {
	id, err := parseOptionalSnowflakeID(c.Param("id"))
	if err != nil || id == nil {
		AbortWithError(c, ErrNotFound)
		return
	}
	event, err := s.intake.Replay(c.Request.Context(), *id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": event})
}

func (s *Server) ListAlerts(c *gin.Context) {
	if s.alerts == nil {
		AbortWithError(c, ErrServiceUnavailable)
		return
	}
	limit, err := parseOptionalInt(c.Query("limit"))
	if err != nil {
		AbortWithError(c, newValidationError("limit", "invalid_limit", "limit must be a positive integer"))
		return
	}
	since, err := parseOptionalTime(c.Query("since"))
	if err != nil {
		AbortWithError(c, newValidationError("since", "invalid_since", "since must be RFC3339 or YYYY-MM-DD"))
		return
	}
	filter := alertdomain.Filter{
		Kind:  alertdomain.Kind(strings.TrimSpace(c.Query("kind"))),
		Limit: limit,
	}
	if since != nil {
		filter.Since = *since
	}

	items, err := s.alerts.List(c.Request.Context(), filter)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if items == nil {
		items = []alertdomain.Alert{}
	}
	c.JSON(http.StatusOK, gin.H{"data": items})
}
