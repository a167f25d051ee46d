// schemagen generates Go schema declarations from a YAML definitions file,
// so services can embed their fact types as compile-time values instead of
// parsing YAML at startup.
//
// Usage:
//
//	schemagen -in=definitions.yaml -pkg=rules [-out=schemas_generated.go] [-v]
//
// Intended to be run via go generate:
//
//	//go:generate go run github.com/ezachrisen/rete/tools/schemagen -in=definitions.yaml -pkg=rules
package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"

	"github.com/ezachrisen/rete"
)

func main() {
	if err := run(os.Stdout, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

func run(stdout io.Writer, args []string) error {
	flags := flag.NewFlagSet(args[0], flag.ContinueOnError)
	flags.Usage = func() {
		fmt.Println(args[0] + ` usage:
	schemagen -in=definitions.yaml -pkg=packagename [-out=file.go]`)
	}

	var (
		in  = flags.String("in", "", "YAML definitions file to read")
		pkg = flags.String("pkg", "", "package name for the generated file")
		out = flags.String("out", "schemas_generated.go", "output file; - for stdout")
		v   = flags.Bool("v", false, "produce verbose output")
	)
	if err := flags.Parse(args[1:]); err != nil {
		return err
	}

	if *in == "" {
		return errors.New("missing -in definitions file")
	}
	if *pkg == "" {
		return errors.New("missing -pkg package name")
	}

	if *v {
		log.Println("schemagen")
		log.Println("Definitions: ", *in)
		if os.Getenv("GOPACKAGE") != "" {
			log.Printf("go generate called from %s:%s\n", os.Getenv("GOFILE"), os.Getenv("GOLINE"))
		}
	}

	defs, err := rete.LoadDefinitionsFile(*in)
	if err != nil {
		return errors.Wrapf(err, "reading %s", *in)
	}

	if len(defs.Schemas) == 0 {
		if *v {
			log.Println("No schemas found; quitting")
		}
		return nil
	}

	rendered, err := render(*pkg, defs.Schemas)
	if err != nil {
		return err
	}

	var w io.Writer = stdout
	if *out != "-" {
		f, err := os.Create(*out)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}
	if _, err := io.WriteString(w, rendered); err != nil {
		return err
	}
	if *v {
		fmt.Println()
		fmt.Printf("\tTotal schemas: %d\n", len(defs.Schemas))
		fmt.Printf("\tOutput size: %s\n", humanize.Bytes(uint64(len(rendered))))
	}
	return nil
}
