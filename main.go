package main

import "github.com/status-keycard/keycard-go/cmd"

func main() {
	cmd.Execute()
}
