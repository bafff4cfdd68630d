package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mstarongithub/wayswap/config"
	"github.com/mstarongithub/wayswap/server"
	"github.com/sirupsen/logrus"
)

func serverMain(conf *config.Config) {
	if *help {
		serverHelpMessage()
		return
	}

	srv, err := server.New(conf)
	if err != nil {
		fatal("initializing server", err)
	}
	events, err := srv.Subscribe("log")
	if err != nil {
		fatal("subscribing to server events", err)
	}
	go logEvents(events)
	if err = srv.Start(); err != nil {
		fatal("starting server", err)
	}

	switch conf.StartType {
	case config.START_REPL:
		go replRunner(srv)
	case config.START_SINGLE_COMMAND:
		logrus.Infoln(runCommand(*conf.StartCommand, nil))
	case config.START_NONE:
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err = srv.Run(ctx); err != nil {
		fatal("shutting down server", err)
	}
}

func logEvents(events <-chan server.Event) {
	for ev := range events {
		logrus.WithField("event", ev).Debugln("Server event")
	}
}

func serverHelpMessage() {
	fmt.Println("---- Help message for wayswap ----")
	fmt.Println("\nwayswap runs surfaces filled by client goroutines and composites them onto outputs,")
	fmt.Println("handing buffers between both sides through a swapper")
	fmt.Println("\nGeneral flags:")
	fmt.Println("\t-config: Path to the config file. Default is the xdg config dir, then \"config.toml\"")
	fmt.Println("\t-loglevel: Overrides the log level of the config")
	fmt.Println("\t-tool: Start as a tool instead of a server")
	fmt.Println("\t-help: Show this help message (or the one for tool mode if -tool is set)")
	fmt.Println("\nOnce running, type help into the console to see its commands")
}
