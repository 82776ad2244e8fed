package main

import "github.com/RindouKobayashi/NAI-BOT/cmd"

func main() {
	cmd.Execute()
}
