package main

import "github.com/ValentinKolb/smtc/cmd"

func main() {
	cmd.Execute()
}
