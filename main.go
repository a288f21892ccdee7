package main

import "github.com/schovi/sdlive/cmd"

func main() {
	cmd.Execute()
}
