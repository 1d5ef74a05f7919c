package fiberguard

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"

	guard "github.com/goliatone/go-auth-guard"
)

// DecisionEvent is the payload of a "decision" server-sent event.
type DecisionEvent struct {
	Decision string `json:"decision"`
	Action   string `json:"action"`
	Location string `json:"location,omitempty"`
}

// NewDecisionEvent describes d for a client rendering against routes.
func NewDecisionEvent(d guard.Decision, routes guard.Config) DecisionEvent {
	return DecisionEvent{
		Decision: d.String(),
		Action:   d.Action().String(),
		Location: d.Location(routes),
	}
}

// Stream serves every decision change as a server-sent event so a client can
// move between loading, content and redirect without polling. The stream
// ends after the first redirecting decision or when the client goes away.
func Stream(config ...Config) fiber.Handler {
	cfg := GetDefaultConfig(config...)
	return func(c *fiber.Ctx) error {
		g, release, err := cfg.open(c)
		if err != nil {
			return cfg.ErrorHandler(c, err)
		}

		ctx, cancel := context.WithCancel(context.Background())
		if err := g.Start(ctx); err != nil {
			cancel()
			release()
			return cfg.ErrorHandler(c, err)
		}
		decisions, stop := g.Watch()

		c.Set(fiber.HeaderContentType, "text/event-stream")
		c.Set(fiber.HeaderCacheControl, "no-cache")
		c.Set(fiber.HeaderConnection, "keep-alive")

		routes, heartbeat, name, logger := cfg.Routes, cfg.Heartbeat, cfg.Name, cfg.Logger
		c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
			defer func() {
				stop()
				cancel()
				release()
			}()

			ticker := time.NewTicker(heartbeat)
			defer ticker.Stop()

			for {
				select {
				case d, ok := <-decisions:
					if !ok {
						return
					}
					if err := writeDecision(w, d, routes); err != nil {
						logger.Debug("decision stream closed", "guard", name, "error", err)
						return
					}
					switch d.Action() {
					case guard.RedirectSignIn, guard.RedirectDefault:
						return
					}
				case <-ticker.C:
					if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
						return
					}
					if err := w.Flush(); err != nil {
						logger.Debug("decision stream closed", "guard", name, "error", err)
						return
					}
				}
			}
		})
		return nil
	}
}

func writeDecision(w *bufio.Writer, d guard.Decision, routes guard.Config) error {
	payload, err := json.Marshal(NewDecisionEvent(d, routes))
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: decision\ndata: %s\n\n", payload); err != nil {
		return err
	}
	return w.Flush()
}
