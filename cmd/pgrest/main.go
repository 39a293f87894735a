// Command pgrest serves an arbitrary PostgreSQL database as a
// schema-less REST API.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
