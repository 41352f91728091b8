package main

import "drawfeed/internal/cli"

func main() {
	cli.Execute()
}
