// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/gops/agent"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ClusterCockpit/cc-metrics-multiproc/internal/archiver"
	"github.com/ClusterCockpit/cc-metrics-multiproc/internal/config"
	"github.com/ClusterCockpit/cc-metrics-multiproc/internal/promexposition"
	"github.com/ClusterCockpit/cc-metrics-multiproc/pkg/log"
)

func main() {
	var (
		flagConfigFile string
		flagLogLevel   string
		flagGops       bool
	)
	flag.StringVar(&flagConfigFile, "config", "./config.json", "Overwrite the global config options by those specified in `config.json`")
	flag.StringVar(&flagLogLevel, "loglevel", "info", "One of debug, info, warn, err, crit")
	flag.BoolVar(&flagGops, "gops", false, "Listen via github.com/google/gops/agent (for debugging)")
	flag.Parse()

	log.SetLogLevel(flagLogLevel)

	raw, err := os.ReadFile(flagConfigFile)
	if err != nil {
		log.Fatalf("reading %s: %s", flagConfigFile, err.Error())
	}
	config.Init(json.RawMessage(raw))

	if flagGops || config.Keys.EnableGops {
		if err := agent.Listen(agent.Options{}); err != nil {
			log.Fatalf("gops/agent.Listen failed: %s", err.Error())
		}
	}

	interval, err := time.ParseDuration(config.Keys.ArchiveInterval)
	if err != nil {
		log.Fatalf("parsing archive-interval %q: %s", config.Keys.ArchiveInterval, err.Error())
	}

	coordinator := archiver.New(config.Keys.MultiprocDir)

	scheduler, err := gocron.NewScheduler()
	if err != nil {
		log.Fatalf("creating gocron scheduler: %s", err.Error())
	}

	if _, err := scheduler.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			start := time.Now()
			if err := coordinator.ArchiveMetrics(config.Keys.BlockingArchive, config.Keys.AggregateOnly); err != nil {
				log.Errorf("[ARCHIVER]> run failed: %s", err.Error())
				return
			}
			log.Debugf("[ARCHIVER]> run completed in %s", time.Since(start))
		}),
	); err != nil {
		log.Fatalf("registering archive job: %s", err.Error())
	}
	scheduler.Start()

	registry := prometheus.NewRegistry()
	registry.MustRegister(promexposition.NewCollector(promexposition.CacheSource{Coordinator: coordinator}))

	// /metrics/live bypasses the archiver's cache and merges straight
	// from disk under the shared lock (spec §4.5 CollectFromDisk /
	// MultiProcessCollector) - slower, but usable for an on-demand
	// scrape that can't wait for the next archive interval.
	liveRegistry := prometheus.NewRegistry()
	liveRegistry.MustRegister(promexposition.NewCollector(promexposition.DiskSource{
		Coordinator: coordinator,
		Blocking:    config.Keys.LockWaitOnScrape,
	}))

	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	router.Handle("/metrics/live", promhttp.HandlerFor(liveRegistry, promhttp.HandlerOpts{}))
	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok\n"))
	})

	server := http.Server{
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		Handler:      router,
		Addr:         config.Keys.ListenAddress,
	}

	listener, err := net.Listen("tcp", config.Keys.ListenAddress)
	if err != nil {
		log.Fatal(err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Infof("[ARCHIVER]> HTTP server listening at %s", config.Keys.ListenAddress)
		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Fatal(err)
		}
	}()

	wg.Add(1)
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		defer wg.Done()
		<-sigs
		log.Info("[ARCHIVER]> shutting down")
		server.Shutdown(context.Background())
		if err := scheduler.Shutdown(); err != nil {
			log.Errorf("[ARCHIVER]> scheduler shutdown: %s", err.Error())
		}
	}()

	wg.Wait()
	log.Print("[ARCHIVER]> graceful shutdown completed")
}
