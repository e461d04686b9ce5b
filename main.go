package main

import "github.com/LiuHaoUltra/echogram/cmd"

func main() {
	cmd.Execute()
}
