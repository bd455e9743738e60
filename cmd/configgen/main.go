package main

import (
	"flag"
	"log"

	"github.com/danmuck/calcheck/internal/config"
)

func main() {
	format := flag.String("format", "toml", "config format: toml|yaml")
	output := flag.String("output", "", "output path for config template (defaults to calcheck.<format>)")
	validate := flag.Bool("validate", false, "validate an existing config file")
	input := flag.String("input", "", "config path for validation (defaults to calcheck.<format>)")
	force := flag.Bool("force", false, "overwrite existing config file")
	flag.Parse()

	if _, err := config.Template(*format); err != nil {
		log.Fatal(err)
	}

	if *validate {
		path := *input
		if path == "" {
			path = defaultPath(*format)
		}
		cfg, err := config.LoadProcedureConfig(path)
		if err != nil {
			log.Fatal(err)
		}
		log.Printf("Validated %s config at %s (uut gpib%d, dmm gpib%d, transport %s)",
			cfg.Name, path, cfg.UUT.Address, cfg.DMM.Address, cfg.Transport.Kind)
		return
	}

	target := *output
	if target == "" {
		target = defaultPath(*format)
	}
	if err := config.WriteTemplate(target, *format, *force); err != nil {
		log.Fatal(err)
	}
	log.Printf("Wrote %s config template to %s", *format, target)
}

func defaultPath(format string) string {
	if format == "yaml" || format == "yml" {
		return "calcheck.yaml"
	}
	return "calcheck.toml"
}
