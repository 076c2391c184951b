package main

import (
	"flag"
	"log"

	"civic311/core/appbootstrap"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the config file")
	flag.Parse()
	if err := appbootstrap.Run(*configPath); err != nil {
		log.Fatalf("civic311: %v", err)
	}
}
