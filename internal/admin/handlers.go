package admin

import (
	"errors"
	"sort"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/any-edge/internal/revalidate"
	"github.com/any-hub/any-edge/internal/server"
)

type handlers struct {
	opts Options
}

type statusPayload struct {
	Version      string           `json:"version"`
	UptimeSecond int64            `json:"uptime_seconds"`
	Connections  int              `json:"connections"`
	Accepted     uint64           `json:"accepted"`
	Transactions int              `json:"transactions"`
	Timers       int              `json:"timers"`
	TimersFired  uint64           `json:"timers_fired"`
	Remaps       []remapPayload   `json:"remaps"`
	Revalidate   revalidateStatus `json:"revalidate"`
}

type remapPayload struct {
	Name       string `json:"name"`
	Domain     string `json:"domain"`
	Origin     string `json:"origin"`
	Port       int    `json:"port"`
	TTLSeconds int64  `json:"ttl_seconds"`
}

type revalidateStatus struct {
	Rules      int                     `json:"rules"`
	Version    uint64                  `json:"version"`
	LastReload revalidate.ReloadResult `json:"last_reload"`
}

func (h *handlers) status(c fiber.Ctx) error {
	payload := statusPayload{
		Version:      h.opts.Version,
		UptimeSecond: int64(time.Since(h.opts.StartedAt) / time.Second),
		Transactions: h.opts.Table.Len(),
		Remaps:       encodeRemaps(h.opts.Registry.List()),
		Revalidate: revalidateStatus{
			Rules:      h.opts.Rules.Index().Len(),
			Version:    h.opts.Rules.Index().Version(),
			LastReload: h.opts.Rules.LastResult(),
		},
	}
	if h.opts.Connections != nil {
		payload.Connections = h.opts.Connections.ConnectionCount()
		payload.Accepted = h.opts.Connections.Accepted()
	}
	if h.opts.Supervisor != nil {
		payload.Timers = h.opts.Supervisor.Len()
		payload.TimersFired = h.opts.Supervisor.Fired()
	}
	return c.JSON(payload)
}

func (h *handlers) listTransactions(c fiber.Ctx) error {
	snapshots := h.opts.Table.Snapshots()
	return c.JSON(fiber.Map{
		"count":        len(snapshots),
		"transactions": snapshots,
	})
}

func (h *handlers) getTransaction(c fiber.Ctx) error {
	tx, ok := h.opts.Table.Get(c.Params("id"))
	if !ok {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "transaction_not_found"})
	}
	return c.JSON(tx.Snapshot())
}

func (h *handlers) listRules(c fiber.Ctx) error {
	index := h.opts.Rules.Index()
	if pattern := c.Query("pattern"); pattern != "" {
		rule, ok := index.Get(pattern)
		if !ok {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "rule_not_found"})
		}
		return c.JSON(rule.Info())
	}
	rules := index.Rules()
	infos := make([]revalidate.RuleInfo, 0, len(rules))
	for _, rule := range rules {
		infos = append(infos, rule.Info())
	}
	return c.JSON(fiber.Map{
		"version": index.Version(),
		"count":   len(infos),
		"rules":   infos,
	})
}

func (h *handlers) reload(c fiber.Ctx) error {
	result, err := h.opts.Rules.Reload(c.Context())
	if err != nil {
		fields := logrus.Fields{
			"action":     "revalidate_reload",
			"request_id": RequestID(c),
		}
		var cfgErr *revalidate.ConfigError
		if errors.As(err, &cfgErr) {
			h.opts.Logger.WithFields(fields).Warn("revalidate config rejected via admin")
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error":    "revalidate_config_invalid",
				"messages": cfgErr.Messages(),
			})
		}
		h.opts.Logger.WithFields(fields).WithError(err).Error("revalidate reload failed")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error":   "revalidate_reload_failed",
			"message": err.Error(),
		})
	}
	return c.JSON(result)
}

func encodeRemaps(routes []server.RemapRoute) []remapPayload {
	if len(routes) == 0 {
		return nil
	}
	sort.Slice(routes, func(i, j int) bool {
		return routes[i].Config.Name < routes[j].Config.Name
	})
	result := make([]remapPayload, 0, len(routes))
	for _, route := range routes {
		result = append(result, remapPayload{
			Name:       route.Config.Name,
			Domain:     route.Config.Domain,
			Origin:     route.OriginURL.String(),
			Port:       route.ListenPort,
			TTLSeconds: int64(route.CacheTTL / time.Second),
		})
	}
	return result
}
