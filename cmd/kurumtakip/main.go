package main

import "github.com/musabulbul/kurumtakip/cmd/kurumtakip/cmd"

func main() {
	cmd.Execute()
}
