package main

import "campaign-loop/internal/cli"

func main() {
	cli.Execute()
}
