// Command ftlsim runs an FTL over a simulated NAND device.
package main

import (
	"github.com/tebeka/atexit"

	"github.com/sarchlab/ftl/ftlsim/cmd"
)

func main() {
	cmd.Execute()
	atexit.Exit(0)
}
