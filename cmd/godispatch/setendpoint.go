package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/basket/go-dispatch/internal/config"
)

// runSetEndpointCommand writes remote.endpoint into config.yaml,
// preserving unrelated keys.
func runSetEndpointCommand(args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: set-endpoint <url>")
		return 2
	}
	endpoint := strings.TrimSpace(args[0])
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		fmt.Fprintln(os.Stderr, "endpoint must start with http:// or https://")
		return 2
	}

	if err := config.SetRemoteEndpoint(config.HomeDir(), endpoint); err != nil {
		fmt.Fprintln(os.Stderr, "update config:", err)
		return 1
	}
	fmt.Println("remote endpoint set to", endpoint)
	return 0
}
