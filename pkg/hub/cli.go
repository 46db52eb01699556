// Package hub wires the stores, managers and servers into a runnable
// service.
package hub

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sirihub/sirihub/pkg/datastore"
	"github.com/sirihub/sirihub/pkg/ingest"
	"github.com/sirihub/sirihub/pkg/leader"
	"github.com/sirihub/sirihub/pkg/metrics"
	"github.com/sirihub/sirihub/pkg/outbound"
	"github.com/sirihub/sirihub/pkg/outbound/httppush"
	"github.com/sirihub/sirihub/pkg/redis_client"
	"github.com/sirihub/sirihub/pkg/sharedstate"
	"github.com/sirihub/sirihub/pkg/subscriptions"
	"github.com/sirihub/sirihub/pkg/util"
	"github.com/sirihub/sirihub/pkg/webstats"
	"github.com/urfave/cli/v2"
)

const evictionInterval = 30 * time.Second

func RegisterCLI() *cli.Command {
	return &cli.Command{
		Name:  "hub",
		Usage: "Aggregates realtime feeds and distributes them to subscribers",
		Subcommands: []*cli.Command{
			{
				Name:  "run",
				Usage: "run an instance of the hub",
				Action: func(c *cli.Context) error {
					if err := redis_client.Connect(); err != nil {
						return err
					}

					env := util.GetEnvironmentVariables()

					producerRef := env["SIRIHUB_PRODUCER_REF"]
					if producerRef == "" {
						producerRef = "sirihub"
					}
					statsListen := env["SIRIHUB_STATS_LISTEN"]
					if statsListen == "" {
						statsListen = ":8080"
					}
					metricsListen := env["SIRIHUB_METRICS_LISTEN"]
					if metricsListen == "" {
						metricsListen = ":2112"
					}

					maps := sharedstate.RedisFactory(redis_client.Client)
					elector := leader.NewRedisElector(redis_client.Client)

					stores := datastore.NewStores(maps)
					inbound := subscriptions.NewManager(maps)
					distributor := outbound.NewManager(producerRef, maps, stores, httppush.NewPusher())

					ctx, cancel := context.WithCancel(context.Background())
					defer cancel()

					ingest.StartConsumers(stores, distributor, inbound)

					go distributor.SweepLoop(ctx, elector)
					go inbound.HealthCheckLoop(ctx, elector)
					go runEvictionLoop(ctx, stores, elector)

					metrics.StartServer(metricsListen)

					statsCache := &webstats.Cache{}
					statsCache.Setup()
					statsServer := webstats.NewServer(stores, distributor, inbound, statsCache)
					go statsServer.SetupServer(statsListen)

					signals := make(chan os.Signal, 1)
					signal.Notify(signals, syscall.SIGINT)
					defer signal.Stop(signals)

					<-signals // wait for signal
					go func() {
						<-signals // hard exit on second signal (in case shutdown gets stuck)
						os.Exit(1)
					}()

					cancel()
					<-redis_client.QueueConnection.StopAllConsuming() // wait for all Consume() calls to finish
					distributor.Wait()

					return nil
				},
			},
			{
				Name:  "cleaner",
				Usage: "run the queue cleaner for the record queue",
				Action: func(c *cli.Context) error {
					if err := redis_client.Connect(); err != nil {
						return err
					}

					ingest.StartCleaner()

					return nil
				},
			},
		},
	}
}

// runEvictionLoop sweeps expired records out of every store. Only the leader
// sweeps, the stores are shared
func runEvictionLoop(ctx context.Context, stores *datastore.Stores, elector leader.Elector) {
	ticker := time.NewTicker(evictionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !elector.IsLeader("store-eviction") {
				continue
			}
			if _, err := stores.SweepExpired(ctx); err != nil {
				log.Error().Err(err).Msg("Eviction sweep failed")
			}
		}
	}
}
