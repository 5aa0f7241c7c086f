// Package api serves the progress of a training run over HTTP.
package api

import (
	"net/http"

	"github.com/labstack/echo/v5"
)

type Server struct {
	status *Status
}

func NewServer(status *Status) *Server {
	return &Server{status: status}
}

func (s *Server) Register(e *echo.Echo) {
	e.GET("/healthz", s.handleHealth)
	e.GET("/v1/status", s.handleStatus)
	e.GET("/v1/runs/:id", s.handleRun)
}

func (s *Server) handleHealth(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(c *echo.Context) error {
	return c.JSON(http.StatusOK, s.status.Snapshot())
}

func (s *Server) handleRun(c *echo.Context) error {
	id := c.Param("id")
	snap := s.status.Snapshot()
	if id != snap.RunID {
		return writeNotFound(c, "run "+id+" not found")
	}
	return c.JSON(http.StatusOK, snap)
}

type ResponseError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

func writeNotFound(c *echo.Context, msg string) error {
	return writeError(c, http.StatusNotFound, "not_found_error", msg)
}

func writeError(c *echo.Context, status int, errType, msg string) error {
	return c.JSON(status, map[string]any{
		"error": ResponseError{Message: msg, Type: errType},
	})
}
