// lexflow is the command-line entry point for the legal document
// processing pipeline.
package main

import (
	"lexflow.evalgo.org/cli"
)

func main() {
	cli.Execute()
}
