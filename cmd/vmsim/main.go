// Command vmsim simulates demand-paged virtual memory.
package main

import (
	"github.com/sarchlab/demandvm/cmd"
	"github.com/tebeka/atexit"
)

func main() {
	cmd.Execute()
	atexit.Exit(0)
}
