package main

import (
	"os"

	"github.com/carderne/raster-vision/internal/cli"
)

func main() {
	os.Exit(int(cli.Run()))
}
