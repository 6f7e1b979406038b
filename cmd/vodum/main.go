package main

import "vodum/cmd/cli"

func main() {
	cli.Execute()
}
