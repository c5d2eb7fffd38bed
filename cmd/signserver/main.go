package main

import "github.com/digitorus/signserver/cli"

func main() {
	cli.Execute()
}
