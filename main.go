package main

import "shipyard/cmd"

func main() {
	cmd.Execute()
}
