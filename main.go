// The main package for the listings executable.
package main

import (
	"github.com/Abdodiab2005/aqarmap-scraper/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
