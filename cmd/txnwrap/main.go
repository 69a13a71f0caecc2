package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/ifabos/go-txn/wrap"
)

func main() {
	// Parse command line flags
	inputFile := flag.String("i", "", "Input Go file containing the interfaces to wrap")
	outputDir := flag.String("o", "generated", "Output directory for generated Go files")
	packageName := flag.String("package", "", "Go package name for generated files (defaults to the input file's package)")
	ifacesStr := flag.String("iface", "", "Comma-separated list of interface names to wrap (defaults to all exported interfaces)")
	includesStr := flag.String("include", "", "Comma-separated list of import paths to include")
	help := flag.Bool("help", false, "Show help message")
	version := flag.Bool("version", false, "Show version information")

	flag.Parse()

	if *help {
		showHelp()
		return
	}

	if *version {
		showVersion()
		return
	}

	if *inputFile == "" {
		fmt.Println("Error: Input file is required")
		showHelp()
		os.Exit(1)
	}

	// Parse the input file
	parser := wrap.NewParser()
	file, err := parser.Parse(*inputFile, nil)
	if err != nil {
		fmt.Printf("Error parsing input file: %v\n", err)
		os.Exit(1)
	}

	// Create a code generator
	generator := wrap.NewGenerator(file, *outputDir)
	if *packageName != "" {
		generator.SetPackageName(*packageName)
	}

	// Add any requested imports
	if *includesStr != "" {
		includes := strings.Split(*includesStr, ",")
		for _, inc := range includes {
			if inc != "" {
				generator.AddImport(wrap.Import{Path: inc})
			}
		}
	}

	// Generate the wrappers
	if *ifacesStr != "" {
		for _, name := range strings.Split(*ifacesStr, ",") {
			if name == "" {
				continue
			}
			if err := generator.GenerateInterface(name); err != nil {
				fmt.Printf("Error generating wrapper: %v\n", err)
				os.Exit(1)
			}
		}
	} else {
		if err := generator.Generate(); err != nil {
			fmt.Printf("Error generating wrappers: %v\n", err)
			os.Exit(1)
		}
	}

	fmt.Printf("Successfully generated transactional wrappers in %s\n", *outputDir)
}

func showHelp() {
	fmt.Println("Transactional Interface Wrapper Generator")
	fmt.Println("Usage: txnwrap [options]")
	fmt.Println("")
	fmt.Println("Options:")
	flag.PrintDefaults()
	fmt.Println("")
	fmt.Println("Example:")
	fmt.Println("  txnwrap -i ledger.go -o . -iface Ledger")
}

func showVersion() {
	fmt.Println("txnwrap v1.0.0")
	fmt.Println("Part of the go-txn transaction toolkit")
}
