package main

import "github.com/hexmesh/hexmesh/internal/cli"

func main() {
	cli.Execute()
}
