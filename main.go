package main

import (
	"os"

	"github.com/itchio/crashrun/crashrun"
)

func main() {
	crashrun.Main(os.Args[1:])
}
