package main

import "github.com/lumenchat/relay/internal/cli"

func main() {
	cli.Execute()
}
