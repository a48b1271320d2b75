package main

import "github.com/seedreap/formsync/cmd"

func main() {
	cmd.Execute()
}
