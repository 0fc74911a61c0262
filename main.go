package main

import "github.com/nextlevelbuilder/deskpilot/cmd"

func main() {
	cmd.Execute()
}
