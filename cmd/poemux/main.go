package main

import "github.com/poemux/poemux/cli"

func main() {
	cli.Execute()
}
