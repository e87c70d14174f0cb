// The main package for the crawlgrid executable.
package main

import (
	"github.com/JakeFAU/crawlgrid/cmd"
)

func main() {
	cmd.Execute()
}
