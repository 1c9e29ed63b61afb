package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/sirupsen/logrus"

	"github.com/magnetlab/vectormag/magnet"
)

// Config holds the initialization parameters for the magnet backend and the
// HTTP server.  It is populated from defaults, the yaml file, and the
// environment, in that order.
type Config struct {
	// Addr is the address to listen at
	Addr string `yaml:"Addr"`

	// Mock substitutes the simulated backend for real supplies
	Mock bool `yaml:"Mock"`

	// Supplies holds one host:port per channel, in channel order
	Supplies []string `yaml:"Supplies"`

	// MaxCurrent and MaxVoltage are the soft limits pushed to every channel
	MaxCurrent float64 `yaml:"MaxCurrent"`
	MaxVoltage float64 `yaml:"MaxVoltage"`

	// RampSteps is the number of voltage increments per ramp
	RampSteps int `yaml:"RampSteps"`

	// LogLevel is a logrus level name (debug, info, warn, error)
	LogLevel string `yaml:"LogLevel"`
}

// buildBackend constructs the backend the config asks for, opening the
// hardware connection when real supplies are listed.
func buildBackend(c Config, bus *magnet.Bus, logger *logrus.Logger) (magnet.Backend, func(), error) {
	if c.Mock || len(c.Supplies) == 0 {
		logger.Info("using simulated backend")
		channels := len(c.Supplies)
		if channels == 0 {
			channels = 3
		}
		return magnet.NewSimulated(channels, bus), func() {}, nil
	}
	hw := magnet.NewHardware(magnet.Config{
		Addrs:      c.Supplies,
		MaxCurrent: c.MaxCurrent,
		MaxVoltage: c.MaxVoltage,
		RampSteps:  c.RampSteps,
	}, bus, logger)
	if err := hw.Open(context.Background()); err != nil {
		return nil, nil, err
	}
	closer := func() {
		if err := hw.Close(context.Background()); err != nil {
			logger.WithError(err).Error("closing backend")
		}
	}
	return hw, closer, nil
}

// BuildMux assembles the root router with the magnet routes mounted under
// /magnet.
func BuildMux(backend magnet.Backend, logger *logrus.Logger) chi.Router {
	root := chi.NewRouter()
	root.Use(middleware.Logger)
	root.Route("/magnet", func(r chi.Router) {
		magnet.NewHTTPWrapper(backend, logger).Bind(r)
	})
	return root
}

// waitForIdle polls until the backend finishes whatever it is doing, giving
// a ramp-down time to complete before the process exits.
func waitForIdle(backend magnet.Backend, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if backend.Task() == magnet.TaskIdle {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
}

func run() {
	c := Config{}
	if err := k.Unmarshal("", &c); err != nil {
		log.Fatal(err)
	}
	logger := logrus.New()
	if lvl, err := logrus.ParseLevel(c.LogLevel); err == nil {
		logger.SetLevel(lvl)
	}

	bus := magnet.NewBus()
	backend, closer, err := buildBackend(c, bus, logger)
	if err != nil {
		logger.WithError(err).Fatal("could not open backend")
	}
	defer closer()

	mux := BuildMux(backend, logger)
	srv := &http.Server{Addr: c.Addr, Handler: mux}

	// a magnet left running when the server dies is a hazard; drive the
	// field down before letting go of the sockets
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		logger.Info("shutting down")
		if err := backend.DisableField(context.Background()); err != nil {
			logger.WithError(err).Error("disabling field on shutdown")
		}
		waitForIdle(backend, 30*time.Second)
		srv.Shutdown(context.Background())
	}()

	logger.WithField("addr", c.Addr).Info("now listening for requests")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatal(err)
	}
}
