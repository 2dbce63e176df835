package main

import (
	"fmt"

	"github.com/obscura-chat/obscura-server/cmd"
)

func main() {
	if err := cmd.Run(); err != nil {
		fmt.Println(err.Error())
		return
	}
}
