package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"

	"evcharge/internal/config"
	"evcharge/server"
)

func main() {

	conf, err := config.GetConfig()
	if err != nil {
		log.Println("configuration load failed", err)
		return
	}

	centralSystem, err := server.NewCentralSystem(conf)
	if err != nil {
		log.Println("central system initialization failed", err)
		return
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-signals
		log.Println("shutting down")
		centralSystem.Stop()
	}()

	centralSystem.Start()
}
