package main

import "pixeloff/cmd"

func main() {
	cmd.Execute()
}
