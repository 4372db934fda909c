package main

import (
	"os"

	"github.com/oremus-labs/ol-crawl-gateway/internal/crawlctl"
)

func main() {
	if err := crawlctl.Execute(); err != nil {
		os.Exit(1)
	}
}
