/*
Demo application driving the Helios frame engine. Loads the TOML
configuration when one is given, otherwise runs with defaults.
*/
package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/spaghettifunk/helios/engine"
	"github.com/spaghettifunk/helios/engine/config"
)

func main() {
	configPath := flag.String("config", "", "path to a TOML configuration file")
	headless := flag.Bool("headless", false, "run without a window on the null device")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			panic(err)
		}
		cfg = loaded
	}
	if *headless {
		cfg.Headless = true
	}

	eng, err := engine.New(cfg)
	if err != nil {
		panic(err)
	}
	if err := eng.Initialize(); err != nil {
		panic(err)
	}

	// signal channel to capture system calls
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT)

	go func() {
		<-sigCh
		_ = eng.Shutdown()
	}()

	if err := eng.Run(); err != nil {
		panic(err)
	}
	if err := eng.Shutdown(); err != nil {
		panic(err)
	}
}
