package main

import (
	"fundsync/internal/cli"
)

func main() {
	cli.Execute()
}
