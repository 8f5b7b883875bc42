// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/gzip"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/settlement-monitor/cmd/settlement-monitor/coordinator"
	"github.com/united-manufacturing-hub/settlement-monitor/cmd/settlement-monitor/helper"
	"github.com/united-manufacturing-hub/settlement-monitor/pkg/monitoring"
)

// Service is what the HTTP API needs from the coordinator.
type Service interface {
	RecordOperation(ctx context.Context, req coordinator.OperationRequest) (monitoring.Outcome, error)
	ReportSensorReading(ctx context.Context, req coordinator.ReadingRequest) (monitoring.Outcome, error)
	AdvanceTaskClock(ctx context.Context, taskID int64, now time.Time) (monitoring.Outcome, error)
	Balance(ctx context.Context, resourceID int64) (int64, error)
	Incidents(ctx context.Context, resourceID int64) ([]monitoring.Incident, error)
	Notifications(ctx context.Context, filter monitoring.NotificationFilter) ([]monitoring.Notification, error)
}

type handler struct {
	svc Service
}

func NewRouter(svc Service) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	// Logs all requests to stdout, RFC3339 with UTC time format.
	router.Use(ginzap.Ginzap(zap.L(), time.RFC3339, true))
	// Logs all panic to error log
	router.Use(ginzap.RecoveryWithZap(zap.L(), true))
	router.Use(gzip.Gzip(gzip.DefaultCompression))

	router.GET("/", func(c *gin.Context) {
		c.String(http.StatusOK, "online")
	})

	h := &handler{svc: svc}
	v1 := router.Group("/api/v1")
	{
		v1.POST("/resources/:id/operations", h.recordOperation)
		v1.GET("/resources/:id/balance", h.balance)
		v1.GET("/resources/:id/incidents", h.incidents)
		v1.PUT("/devices/:id/reading", h.reportReading)
		v1.POST("/tasks/:id/clock", h.advanceClock)
		v1.GET("/notifications", h.notifications)
	}
	return router
}

func (h *handler) recordOperation(c *gin.Context) {
	var uri idRequest
	if err := c.ShouldBindUri(&uri); err != nil {
		handleInvalidInputError(c, err)
		return
	}
	var body operationRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		handleInvalidInputError(c, err)
		return
	}
	req := coordinator.OperationRequest{
		ResourceID:   uri.ID,
		SettlementID: body.SettlementID,
		Quantity:     body.Quantity,
		Type:         monitoring.OperationType(body.OperationType),
	}
	if body.TimestampMs != 0 {
		req.Date = helper.UnixMsToTime(body.TimestampMs)
	}
	outcome, err := h.svc.RecordOperation(c.Request.Context(), req)
	if err != nil {
		handleMutationError(c, err)
		return
	}
	c.JSON(http.StatusCreated, toOutcome(outcome))
}

func (h *handler) reportReading(c *gin.Context) {
	var uri idRequest
	if err := c.ShouldBindUri(&uri); err != nil {
		handleInvalidInputError(c, err)
		return
	}
	var body readingRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		handleInvalidInputError(c, err)
		return
	}
	outcome, err := h.svc.ReportSensorReading(c.Request.Context(), coordinator.ReadingRequest{
		DeviceID: uri.ID,
		Value:    *body.Value,
		At:       helper.UnixMsToTime(body.TimestampMs),
	})
	if err != nil {
		handleMutationError(c, err)
		return
	}
	c.JSON(http.StatusOK, toOutcome(outcome))
}

func (h *handler) advanceClock(c *gin.Context) {
	var uri idRequest
	if err := c.ShouldBindUri(&uri); err != nil {
		handleInvalidInputError(c, err)
		return
	}
	var body clockRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			handleInvalidInputError(c, err)
			return
		}
	}
	outcome, err := h.svc.AdvanceTaskClock(c.Request.Context(), uri.ID, helper.UnixMsToTime(body.TimestampMs))
	if err != nil {
		handleMutationError(c, err)
		return
	}
	c.JSON(http.StatusOK, toOutcome(outcome))
}

func (h *handler) balance(c *gin.Context) {
	var uri idRequest
	if err := c.ShouldBindUri(&uri); err != nil {
		handleInvalidInputError(c, err)
		return
	}
	balance, err := h.svc.Balance(c.Request.Context(), uri.ID)
	if err != nil {
		handleMutationError(c, err)
		return
	}
	c.JSON(http.StatusOK, balanceResponse{ResourceID: uri.ID, Balance: balance})
}

func (h *handler) incidents(c *gin.Context) {
	var uri idRequest
	if err := c.ShouldBindUri(&uri); err != nil {
		handleInvalidInputError(c, err)
		return
	}
	incidents, err := h.svc.Incidents(c.Request.Context(), uri.ID)
	if err != nil {
		handleMutationError(c, err)
		return
	}
	c.JSON(http.StatusOK, toIncidents(incidents))
}

func (h *handler) notifications(c *gin.Context) {
	var query notificationsQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		handleInvalidInputError(c, err)
		return
	}
	notifications, err := h.svc.Notifications(c.Request.Context(), monitoring.NotificationFilter{
		Status:     monitoring.NotificationStatus(query.Status),
		SourceKind: monitoring.SourceKind(query.SourceKind),
		SourceID:   query.SourceID,
		Limit:      query.Limit,
	})
	if err != nil {
		handleMutationError(c, err)
		return
	}
	c.JSON(http.StatusOK, toNotifications(notifications))
}

func handleInvalidInputError(c *gin.Context, err error) {
	zap.S().Debugw("Invalid input error", "error", err)
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   err.Error(),
		"status":  http.StatusBadRequest,
		"message": "You have provided a wrong input. Please check your parameters.",
	})
}

// StatusFor maps a failed mutation to its HTTP status.
func StatusFor(err error) int {
	switch monitoring.Classify(err) {
	case monitoring.KindNotFound:
		return http.StatusNotFound
	case monitoring.KindInvariantViolation:
		return http.StatusBadRequest
	case monitoring.KindConcurrentConflict:
		return http.StatusConflict
	default:
		return http.StatusServiceUnavailable
	}
}

func handleMutationError(c *gin.Context, err error) {
	status := StatusFor(err)
	kind := monitoring.Classify(err)
	if status == http.StatusServiceUnavailable {
		zap.S().Errorw("Storage failure", "error", err, "route", c.FullPath())
	} else {
		zap.S().Debugw("Mutation rejected", "error", err, "kind", kind)
	}
	c.JSON(status, gin.H{
		"error":   err.Error(),
		"status":  status,
		"kind":    string(kind),
		"message": fmt.Sprintf("The request could not be applied (%s).", kind),
	})
}

type Server struct {
	srv *http.Server
}

func NewServer(port int, svc Service) *Server {
	return &Server{srv: &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           NewRouter(svc),
		ReadHeaderTimeout: 10 * time.Second,
	}}
}

// ListenAndServe blocks until the server stops. A shutdown is not an error.
func (s *Server) ListenAndServe() error {
	zap.S().Infof("HTTP API listening on %s", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
