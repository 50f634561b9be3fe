package main

import "github.com/trctl/trmv/internal/cli"

func main() {
	cli.Execute()
}
