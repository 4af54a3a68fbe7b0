package main

import "rate-alarms/internal/cli"

func main() {
	cli.Execute()
}
