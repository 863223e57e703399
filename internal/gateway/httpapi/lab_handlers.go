package httpapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/jkaninda/isolab/internal/audit"
	"github.com/jkaninda/isolab/internal/netmode"
	"github.com/jkaninda/isolab/internal/sandbox"
	"github.com/jkaninda/okapi"
)

// CreateRequest is the JSON body for POST /api/lab/create.
type CreateRequest struct {
	Name    string `json:"name"`
	Network string `json:"network"` // none, packages, web, open. Empty or unknown = none.
}

// CreateResponse is the JSON response for POST /api/lab/create.
type CreateResponse struct {
	OK      bool   `json:"ok"`
	Name    string `json:"name"`
	Port    int    `json:"port"`
	Warning string `json:"warning,omitempty"`
}

// ActionResponse is the JSON response for lifecycle operations.
type ActionResponse struct {
	OK      bool   `json:"ok"`
	Warning string `json:"warning,omitempty"`
}

// NukeResponse is the JSON response for POST /api/lab/nuke.
type NukeResponse struct {
	OK      bool `json:"ok"`
	Removed int  `json:"removed"`
}

func (g *Gateway) handleLabs(c *okapi.Context) error {
	labs, err := g.labs.List(c.Context())
	if err != nil {
		g.logger.Error("listing labs failed",
			slog.String("correlation_id", correlationID(c.Context())),
			slog.String("error", err.Error()),
		)
		return c.JSON(http.StatusInternalServerError, okapi.M{"error": "internal error"})
	}
	return c.OK(labs)
}

func (g *Gateway) handleHost(c *okapi.Context) error {
	return c.OK(g.host.Collect())
}

func (g *Gateway) handleCreate(c *okapi.Context) error {
	user := c.GetString("user")

	var req CreateRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, okapi.M{"error": "invalid request body"})
	}

	// Unknown modes fall back to full isolation rather than failing:
	// ambiguous input must never grant broader access.
	mode, err := netmode.Parse(req.Network)
	if err != nil {
		mode = netmode.FromLegacyLabel(req.Network)
	}

	result, err := g.labs.Create(c.Context(), req.Name, mode)
	if err != nil {
		g.record(c, user, "create", req.Name, audit.OutcomeFailure, err.Error())
		return g.labError(c, req.Name, err)
	}

	g.logger.Info("lab created",
		slog.String("user", user),
		slog.String("lab", result.Name),
		slog.Int("port", result.Port),
		slog.String("mode", mode.String()),
		slog.String("correlation_id", correlationID(c.Context())),
	)
	g.record(c, user, "create", result.Name, audit.OutcomeSuccess, "port "+strconv.Itoa(result.Port)+", mode "+mode.String())
	g.notifyChange()

	return c.OK(CreateResponse{
		OK:      true,
		Name:    result.Name,
		Port:    result.Port,
		Warning: result.Warning,
	})
}

func (g *Gateway) handleStart(c *okapi.Context) error {
	return g.lifecycle(c, "start", g.labs.Start)
}

func (g *Gateway) handleStop(c *okapi.Context) error {
	return g.lifecycle(c, "stop", g.labs.Stop)
}

func (g *Gateway) handleRestart(c *okapi.Context) error {
	return g.lifecycle(c, "restart", g.labs.Restart)
}

func (g *Gateway) handleRemove(c *okapi.Context) error {
	return g.lifecycle(c, "remove", g.labs.Remove)
}

// lifecycle runs one named lab operation and renders the shared
// success/error shape.
func (g *Gateway) lifecycle(c *okapi.Context, action string, op func(ctx context.Context, name string) (string, error)) error {
	user := c.GetString("user")
	name := c.Param("name")

	warning, err := op(c.Context(), name)
	if err != nil {
		g.record(c, user, action, name, audit.OutcomeFailure, err.Error())
		return g.labError(c, name, err)
	}

	g.logger.Info("lab "+action,
		slog.String("user", user),
		slog.String("lab", name),
		slog.String("correlation_id", correlationID(c.Context())),
	)
	g.record(c, user, action, name, audit.OutcomeSuccess, warning)
	g.notifyChange()

	return c.OK(ActionResponse{OK: true, Warning: warning})
}

func (g *Gateway) handleNuke(c *okapi.Context) error {
	user := c.GetString("user")

	removed, err := g.labs.NukeAll(c.Context())
	if err != nil {
		g.record(c, user, "nuke", "", audit.OutcomeFailure, err.Error())
		g.logger.Error("nuke failed",
			slog.String("user", user),
			slog.Int("removed", removed),
			slog.String("correlation_id", correlationID(c.Context())),
			slog.String("error", err.Error()),
		)
		return c.JSON(http.StatusInternalServerError, okapi.M{"error": "internal error"})
	}

	g.logger.Info("all labs destroyed",
		slog.String("user", user),
		slog.Int("removed", removed),
		slog.String("correlation_id", correlationID(c.Context())),
	)
	g.record(c, user, "nuke", "", audit.OutcomeSuccess, strconv.Itoa(removed)+" labs removed")
	g.notifyChange()

	return c.OK(NukeResponse{OK: true, Removed: removed})
}

func (g *Gateway) handleAudit(c *okapi.Context) error {
	limit := 0
	if raw := c.Request().URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return c.JSON(http.StatusBadRequest, okapi.M{"error": "limit must be a non-negative integer"})
		}
		limit = n
	}

	events, err := g.recorder.Recent(c.Context(), limit)
	if err != nil {
		g.logger.Error("reading audit trail failed",
			slog.String("correlation_id", correlationID(c.Context())),
			slog.String("error", err.Error()),
		)
		return c.JSON(http.StatusInternalServerError, okapi.M{"error": "internal error"})
	}
	if events == nil {
		events = []audit.Event{}
	}
	return c.OK(events)
}

// labError maps lab operation failures onto the API error contract.
// Expected failures keep their message; everything else is logged in full
// and surfaced as an opaque error.
func (g *Gateway) labError(c *okapi.Context, name string, err error) error {
	status, msg := labErrorStatus(name, err)
	if status == http.StatusInternalServerError && msg == "internal error" {
		g.logger.Error("lab operation failed",
			slog.String("lab", name),
			slog.String("correlation_id", correlationID(c.Context())),
			slog.String("error", err.Error()),
		)
	}
	return c.JSON(status, okapi.M{"error": msg})
}

// labErrorStatus translates a sandbox error into an HTTP status and a
// caller-facing message.
func labErrorStatus(name string, err error) (int, string) {
	var keyErr *sandbox.SSHKeyError
	switch {
	case errors.Is(err, sandbox.ErrInvalidName):
		return http.StatusBadRequest, "Invalid name. Use alphanumeric, hyphens, underscores."
	case errors.Is(err, sandbox.ErrAlreadyExists):
		return http.StatusConflict, fmt.Sprintf("Lab '%s' already exists", name)
	case errors.Is(err, sandbox.ErrNotFound):
		return http.StatusNotFound, fmt.Sprintf("Lab '%s' not found", name)
	case errors.Is(err, sandbox.ErrPortsExhausted):
		return http.StatusConflict, "No free SSH ports available"
	case errors.As(err, &keyErr):
		return http.StatusInternalServerError, keyErr.Error()
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

// record appends an audit event for the current API request.
func (g *Gateway) record(c *okapi.Context, user, action, lab, outcome, detail string) {
	if !g.recorder.Enabled() {
		return
	}
	g.recorder.Record(c.Context(), audit.Event{
		CorrelationID: correlationID(c.Context()),
		Actor:         user,
		Action:        action,
		Lab:           lab,
		Outcome:       outcome,
		Detail:        detail,
		ClientIP:      clientIP(c.Request()),
	})
}
