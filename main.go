// Package main is the entry point for the deltafit application
package main

import (
	"github.com/astropipe/deltafit/cmd"
)

func main() {
	cmd.Execute()
}
