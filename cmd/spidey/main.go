package main

import "github.com/raphaelreyna/spidey/cmd/spidey/cmd"

func main() {
	cmd.Execute()
}
