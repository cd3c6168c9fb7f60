package main

import "github.com/jmehdipour/feedback-gateway/cmd"

func main() {
	cmd.Execute()
}
