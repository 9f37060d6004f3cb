package main

import "github.com/MeKo-Tech/tileharvest/internal/cmd"

func main() {
	cmd.Execute()
}
