// Package webstats exposes the operational state of the hub as a small JSON
// API for dashboards and debugging.
package webstats

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sirihub/sirihub/pkg/datastore"
	"github.com/sirihub/sirihub/pkg/outbound"
	"github.com/sirihub/sirihub/pkg/subscriptions"
)

const APIVersion = "1.0"

const receivingDataWindow = 5 * time.Minute

type Server struct {
	stores      *datastore.Stores
	distributor *outbound.Manager
	inbound     *subscriptions.Manager

	// Optional, single-node deployments run without it
	cache *Cache
}

func NewServer(stores *datastore.Stores, distributor *outbound.Manager, inbound *subscriptions.Manager, cache *Cache) *Server {
	return &Server{
		stores:      stores,
		distributor: distributor,
		inbound:     inbound,
		cache:       cache,
	}
}

func (s *Server) SetupServer(listen string) {
	webApp := fiber.New()
	webApp.Use(NewLogger())

	group := webApp.Group("/stats")

	group.Get("version", s.version)
	group.Get("stores", s.storeSizes)
	group.Get("subscriptions", s.outboundSubscriptions)
	group.Get("inbound", s.inboundSubscriptions)

	webApp.Listen(listen)
}

func (s *Server) version(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"version": APIVersion,
	})
}

// storeSizes reports per-dataset record counts for every feed type. The
// response is cached because it walks every key in every store
func (s *Server) storeSizes(c *fiber.Ctx) error {
	ctx := context.Background()

	if s.cache != nil {
		if cached, err := s.cache.Cache.Get(ctx, "stats:stores"); err == nil && cached != "" {
			c.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
			return c.SendString(cached)
		}
	}

	sizes, err := s.stores.SizeByDataset(ctx)
	if err != nil {
		return err
	}

	rendered, err := json.Marshal(sizes)
	if err != nil {
		return err
	}

	if s.cache != nil {
		s.cache.Cache.Set(ctx, "stats:stores", string(rendered))
	}

	c.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	return c.Send(rendered)
}

func (s *Server) outboundSubscriptions(c *fiber.Ctx) error {
	all, err := s.distributor.All(context.Background())
	if err != nil {
		return err
	}
	return c.JSON(all)
}

type inboundStatus struct {
	subscriptions.Setup

	Healthy       bool `json:"healthy"`
	ReceivingData bool `json:"receiving_data"`
}

func (s *Server) inboundSubscriptions(c *fiber.Ctx) error {
	ctx := context.Background()

	setups, err := s.inbound.All(ctx)
	if err != nil {
		return err
	}

	statuses := []inboundStatus{}
	for _, setup := range setups {
		healthy, err := s.inbound.IsHealthy(ctx, setup.SubscriptionID)
		if err != nil {
			return err
		}
		receiving, err := s.inbound.IsReceivingData(ctx, setup.SubscriptionID, receivingDataWindow)
		if err != nil {
			return err
		}

		statuses = append(statuses, inboundStatus{
			Setup:         setup,
			Healthy:       healthy,
			ReceivingData: receiving,
		})
	}

	return c.JSON(statuses)
}
