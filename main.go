package main

import (
	"market-feeder/cmd"
)

func main() {
	cmd.Execute()
}
