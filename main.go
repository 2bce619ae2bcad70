package main

import (
	"fmt"
	"os"
)

// Version information
const (
	Version = "0.1.0"
	Name    = "zsock"
)

func main() {
	fmt.Printf("%s v%s\n", Name, Version)
	fmt.Println("Socket-style messaging runtime over ZeroMQ: sockets, poller and devices")
	fmt.Println("Run cmd/zdevice to start a device daemon")
	os.Exit(0)
}
