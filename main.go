package main

import (
	"os"

	"github.com/AlexxNica/pdns/coremain"
)

func main() {
	if err := coremain.Run(); err != nil {
		os.Exit(1)
	}
}
