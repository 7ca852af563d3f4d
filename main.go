package main

import (
	"os"

	"github.com/billm/fanout/cmd"
)

func main() {
	cmd.Execute()
	os.Exit(0)
}
