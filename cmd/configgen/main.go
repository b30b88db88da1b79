package main

import (
	"flag"

	"github.com/danmuck/mavctl/internal/config"
	"github.com/danmuck/mavctl/internal/logging"
	"github.com/rs/zerolog/log"
)

func main() {
	logging.ConfigureRuntime()

	output := flag.String("output", "mavctl.toml", "output path for config template")
	validate := flag.Bool("validate", false, "validate an existing config file")
	input := flag.String("input", "mavctl.toml", "config path for validation")
	force := flag.Bool("force", false, "overwrite existing config file")
	flag.Parse()

	if *validate {
		cfg, err := config.LoadDaemonConfig(*input)
		if err != nil {
			log.Fatal().Err(err).Str("path", *input).Msg("configgen invalid config")
		}
		log.Info().
			Str("path", *input).
			Str("transport", cfg.Transport.Kind).
			Int("schemas", len(cfg.Schemas)).
			Msg("configgen validated")
		return
	}

	if err := config.WriteTemplate(*output, *force); err != nil {
		log.Fatal().Err(err).Str("path", *output).Msg("configgen write failed")
	}
	log.Info().Str("path", *output).Msg("configgen wrote template")
}
