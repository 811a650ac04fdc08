// Command slowpi_go runs slowpi as a standalone kernel process, started by the broker with "go run .".
package main

import (
	"github.com/guseggert/databench/examples/slowpi"
	"github.com/guseggert/databench/kernel"
)

func main() {
	kernel.Main(slowpi.NewKind(slowpi.DefaultConfig()))
}
