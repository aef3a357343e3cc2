package main

import "github.com/AustinAres2007/DeveloperJoe-sub000/cmd"

func main() {
	cmd.Execute()
}
