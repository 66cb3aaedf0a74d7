package main

import "github.com/agentic-research/layersync/cmd"

func main() {
	cmd.Execute()
}
