package main

import "folderd/cli"

func main() {
	cli.Execute()
}
