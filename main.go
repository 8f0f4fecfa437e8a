// The main package for the forums-miner executable.
package main

import (
	"github.com/ma2tools/forums-miner/cmd"
)

func main() {
	cmd.Execute()
}
