package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/marcelsud/roster-hooks/catalog"
)

/* validate-catalog - Standalone CLI tool to validate catalog.yaml
 * Usage: go run cmd/validate-catalog/main.go [catalog.yaml]
 * Exit codes: 0 = valid, 1 = invalid
 */

func main() {
	catalogFile := "catalog.yaml"
	if len(os.Args) > 1 {
		catalogFile = os.Args[1]
	}

	fmt.Printf("Validating catalog file: %s\n", catalogFile)
	fmt.Println(strings.Repeat("-", 50))

	c, err := catalog.Load(catalogFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "VALIDATION FAILED\n\n")
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	kinds := c.Kinds()
	fmt.Printf("VALIDATION PASSED\n\n")
	fmt.Printf("%d event kind(s):\n", len(kinds))
	for _, kind := range kinds {
		fmt.Printf("   %s\n", kind)
	}

	limits := c.RateLimits()
	fmt.Printf("\n%d rate limit(s):\n", len(limits))
	for i, rl := range limits {
		fmt.Printf("\n%d. Path prefix: %s\n", i+1, rl.PathPrefix)
		fmt.Printf("   Limit:  %d\n", rl.Limit)
		fmt.Printf("   Window: %s\n", rl.Window)
	}

	fmt.Printf("\nCatalog is valid!\n")
}
